package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leafline/greenledger/internal/domain"
)

// IdempotencyStore keeps idempotency records in a map. Every operation runs
// under a single mutex, which makes Reserve a compare-and-set.
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
	token   func() string
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)

func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		records: make(map[string]domain.IdempotencyRecord),
		now:     time.Now,
		token:   uuid.NewString,
	}
}

func (s *IdempotencyStore) Reserve(_ context.Context, key, fingerprint string, lease time.Duration) (domain.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec, ok := s.records[key]
	if !ok {
		rec = domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			State:       domain.IdempotencyPending,
			CreatedAt:   now,
			LeasedAt:    now,
			LeaseToken:  s.token(),
		}
		s.records[key] = rec
		return rec, true, nil
	}

	if rec.State == domain.IdempotencyPending && rec.Fingerprint == fingerprint && now.Sub(rec.LeasedAt) >= lease {
		rec.LeasedAt = now
		rec.LeaseToken = s.token()
		s.records[key] = rec
		return rec, true, nil
	}
	return rec, false, nil
}

func (s *IdempotencyStore) Complete(_ context.Context, key string, outcome domain.IdempotencyOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("memory: idempotency key %q: %w", key, domain.ErrNotFound)
	}
	if rec.State == domain.IdempotencyCompleted {
		return nil
	}
	now := s.now().UTC()
	rec.State = domain.IdempotencyCompleted
	rec.TradeID = outcome.TradeID
	rec.ErrorKind = outcome.ErrorKind
	rec.CompletedAt = &now
	s.records[key] = rec
	return nil
}

func (s *IdempotencyStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.State == domain.IdempotencyPending && rec.LeaseToken == token {
		delete(s.records, key)
	}
	return nil
}

func (s *IdempotencyStore) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return domain.IdempotencyRecord{}, fmt.Errorf("memory: idempotency key %q: %w", key, domain.ErrNotFound)
	}
	return rec, nil
}
