package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafline/greenledger/internal/domain"
)

// UnitOfWork implements domain.UnitOfWork with a READ COMMITTED transaction.
// Row locks come from SELECT ... FOR UPDATE and are held until commit.
type UnitOfWork struct {
	pool *pgxpool.Pool
}

// NewUnitOfWork creates a UnitOfWork backed by the given connection pool.
func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool}
}

// WithinTx commits when fn returns nil and rolls back otherwise. Commit and
// rollback ignore cancellation of ctx.
func (u *UnitOfWork) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	tx, err := u.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

var _ domain.Tx = (*pgTx)(nil)

func (t *pgTx) LockBalances(ctx context.Context, accounts ...domain.AccountID) (map[domain.AccountID]domain.Balance, error) {
	keys := make([]string, 0, len(accounts))
	seen := make(map[domain.AccountID]bool, len(accounts))
	for _, a := range accounts {
		if !seen[a] {
			seen[a] = true
			keys = append(keys, string(a))
		}
	}
	sort.Strings(keys)

	out, err := lockBalances(ctx, t.tx, keys)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if _, ok := out[domain.AccountID(k)]; !ok {
			return nil, fmt.Errorf("postgres: balance %s missing after ensure: %w", k, domain.ErrIntegrityViolation)
		}
	}
	return out, nil
}

func (t *pgTx) PutBalance(ctx context.Context, b domain.Balance) error {
	return putBalance(ctx, t.tx, b)
}

func (t *pgTx) InsertMint(ctx context.Context, m domain.MintRecord) error {
	return insertMint(ctx, t.tx, m)
}

func (t *pgTx) InsertAnalysis(ctx context.Context, a domain.Analysis) error {
	return insertAnalysis(ctx, t.tx, a)
}

func (t *pgTx) LockListing(ctx context.Context, id string) (domain.Listing, error) {
	return lockListing(ctx, t.tx, id)
}

func (t *pgTx) InsertListing(ctx context.Context, l domain.Listing) error {
	return insertListing(ctx, t.tx, l)
}

func (t *pgTx) UpdateListing(ctx context.Context, l domain.Listing) error {
	return updateListing(ctx, t.tx, l)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr domain.Trade) error {
	return insertTrade(ctx, t.tx, tr)
}

func (t *pgTx) TradeByIdempotencyKey(ctx context.Context, key string) (domain.Trade, error) {
	return tradeByIdempotencyKey(ctx, t.tx, key)
}
