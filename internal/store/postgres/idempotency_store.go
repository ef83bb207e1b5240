package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafline/greenledger/internal/domain"
)

// IdempotencyStore implements domain.IdempotencyStore on the idempotency_keys
// table. Reserve is a single INSERT ... ON CONFLICT statement, so concurrent
// callers are arbitrated by the primary key.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore creates a new IdempotencyStore backed by the given connection pool.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

const idempotencySelectCols = `key, fingerprint, state, COALESCE(trade_id, ''),
	COALESCE(error_kind, ''), created_at, leased_at, completed_at, lease_token`

func scanIdempotency(row pgx.Row) (domain.IdempotencyRecord, error) {
	var (
		r     domain.IdempotencyRecord
		state string
	)
	if err := row.Scan(
		&r.Key, &r.Fingerprint, &state, &r.TradeID,
		&r.ErrorKind, &r.CreatedAt, &r.LeasedAt, &r.CompletedAt, &r.LeaseToken,
	); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	r.State = domain.IdempotencyState(state)
	return r, nil
}

// reserveAttempts bounds the retry when a record is released between the
// failed insert and the follow-up read.
const reserveAttempts = 3

// Reserve inserts a pending record, or takes over a stale pending record
// with the same fingerprint. Either way the lease gets a new token. Otherwise
// it returns the existing record.
func (s *IdempotencyStore) Reserve(ctx context.Context, key, fingerprint string, lease time.Duration) (domain.IdempotencyRecord, bool, error) {
	const upsert = `
		INSERT INTO idempotency_keys (key, fingerprint, state, created_at, leased_at, lease_token)
		VALUES ($1, $2, 'pending', NOW(), NOW(), $4)
		ON CONFLICT (key) DO UPDATE SET leased_at = NOW(), lease_token = EXCLUDED.lease_token
		WHERE idempotency_keys.state = 'pending'
		  AND idempotency_keys.fingerprint = EXCLUDED.fingerprint
		  AND idempotency_keys.leased_at <= NOW() - $3 * INTERVAL '1 millisecond'
		RETURNING ` + idempotencySelectCols

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		rec, err := scanIdempotency(s.pool.QueryRow(ctx, upsert,
			key, fingerprint, float64(lease.Milliseconds()), uuid.NewString()))
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.IdempotencyRecord{}, false, fmt.Errorf("postgres: reserve %q: %w", key, err)
		}

		rec, err = s.Get(ctx, key)
		if err == nil {
			return rec, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.IdempotencyRecord{}, false, err
		}
	}
	return domain.IdempotencyRecord{}, false, fmt.Errorf("postgres: reserve %q: record churned %d times: %w",
		key, reserveAttempts, domain.ErrRequestInFlight)
}

// Complete stores the outcome of a pending key. Completing a completed key
// is a no-op.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, outcome domain.IdempotencyOutcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET state = 'completed', trade_id = NULLIF($2, ''), error_kind = NULLIF($3, ''), completed_at = NOW()
		 WHERE key = $1 AND state = 'pending'`,
		key, outcome.TradeID, outcome.ErrorKind,
	)
	if err != nil {
		return fmt.Errorf("postgres: complete %q: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Release deletes a pending record still leased under token so the key can
// be retried.
func (s *IdempotencyStore) Release(ctx context.Context, key, token string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND state = 'pending' AND lease_token = $2`, key, token,
	); err != nil {
		return fmt.Errorf("postgres: release %q: %w", key, err)
	}
	return nil
}

// Get returns the record for key.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	rec, err := scanIdempotency(s.pool.QueryRow(ctx,
		`SELECT `+idempotencySelectCols+` FROM idempotency_keys WHERE key = $1`, key,
	))
	if err != nil {
		return domain.IdempotencyRecord{}, notFound(err, fmt.Sprintf("idempotency key %q", key))
	}
	return rec, nil
}
