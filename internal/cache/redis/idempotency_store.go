package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/leafline/greenledger/internal/domain"
)

var (
	//go:embed scripts/idempotency_reserve.lua
	reserveLua string
	//go:embed scripts/idempotency_complete.lua
	completeLua string
)

const releaseLua = `
if redis.call('HGET', KEYS[1], 'state') == 'pending'
    and redis.call('HGET', KEYS[1], 'lease_token') == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// IdempotencyStore implements domain.IdempotencyStore on Redis hashes. Every
// state change is a Lua script, which makes Reserve a compare-and-set across
// all replicas sharing the Redis.
type IdempotencyStore struct {
	c     *Client
	ttl   time.Duration
	now   func() time.Time
	token func() string

	reserve  *redis.Script
	complete *redis.Script
	release  *redis.Script
}

// NewIdempotencyStore creates a store whose records expire ttl after their
// last write. Zero keeps records forever. Records of terminal failures never
// expire.
func NewIdempotencyStore(c *Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		c:        c,
		ttl:      ttl,
		now:      time.Now,
		token:    uuid.NewString,
		reserve:  redis.NewScript(reserveLua),
		complete: redis.NewScript(completeLua),
		release:  redis.NewScript(releaseLua),
	}
}

func (s *IdempotencyStore) key(k string) string {
	return s.c.Key("idem:" + k)
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key, fingerprint string, lease time.Duration) (domain.IdempotencyRecord, bool, error) {
	res, err := s.reserve.Run(ctx, s.c.rdb, []string{s.key(key)},
		fingerprint, s.now().UnixMilli(), lease.Milliseconds(), s.ttl.Milliseconds(), s.token(),
	).Slice()
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("redis: reserve %q: %w", key, err)
	}
	if len(res) == 0 {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("redis: reserve %q: empty reply", key)
	}

	acquired, _ := res[0].(int64)
	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	rec, err := recordFromHash(key, fields)
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return rec, acquired == 1, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, outcome domain.IdempotencyOutcome) error {
	n, err := s.complete.Run(ctx, s.c.rdb, []string{s.key(key)},
		outcome.TradeID, outcome.ErrorKind, s.now().UnixMilli(), s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis: complete %q: %w", key, err)
	}
	if n < 0 {
		return fmt.Errorf("redis: complete %q: %w", key, domain.ErrNotFound)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key, token string) error {
	if err := s.release.Run(ctx, s.c.rdb, []string{s.key(key)}, token).Err(); err != nil {
		return fmt.Errorf("redis: release %q: %w", key, err)
	}
	return nil
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	fields, err := s.c.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("redis: get %q: %w", key, err)
	}
	if len(fields) == 0 {
		return domain.IdempotencyRecord{}, fmt.Errorf("redis: idempotency key %q: %w", key, domain.ErrNotFound)
	}
	return recordFromHash(key, fields)
}

func recordFromHash(key string, f map[string]string) (domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{
		Key:         key,
		Fingerprint: f["fingerprint"],
		State:       domain.IdempotencyState(f["state"]),
		TradeID:     f["trade_id"],
		ErrorKind:   f["error_kind"],
		LeaseToken:  f["lease_token"],
	}

	var err error
	if rec.CreatedAt, err = msTime(f["created_at"]); err != nil {
		return rec, fmt.Errorf("redis: idempotency %q created_at: %w", key, err)
	}
	if rec.LeasedAt, err = msTime(f["leased_at"]); err != nil {
		return rec, fmt.Errorf("redis: idempotency %q leased_at: %w", key, err)
	}
	if v, ok := f["completed_at"]; ok {
		t, err := msTime(v)
		if err != nil {
			return rec, fmt.Errorf("redis: idempotency %q completed_at: %w", key, err)
		}
		rec.CompletedAt = &t
	}
	return rec, nil
}

func msTime(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
