package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafline/greenledger/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, listing_id, buyer_id, idempotency_key,
	quantity::text, unit_price::text, total_price::text, executed_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		t                     domain.Trade
		qty, unit, totalPrice string
	)
	if err := row.Scan(
		&t.ID, &t.ListingID, &t.BuyerID, &t.IdempotencyKey,
		&qty, &unit, &totalPrice, &t.ExecutedAt,
	); err != nil {
		return domain.Trade{}, err
	}

	var err error
	if t.Quantity, err = parseNumeric("quantity", qty); err != nil {
		return domain.Trade{}, err
	}
	if t.UnitPrice, err = parseNumeric("unit_price", unit); err != nil {
		return domain.Trade{}, err
	}
	if t.TotalPrice, err = parseNumeric("total_price", totalPrice); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetTrade retrieves a trade by id.
func (s *TradeStore) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		return domain.Trade{}, notFound(err, "get trade "+id)
	}
	return t, nil
}

// GetTradeByIdempotencyKey retrieves the trade created for a client key.
func (s *TradeStore) GetTradeByIdempotencyKey(ctx context.Context, key string) (domain.Trade, error) {
	return tradeByIdempotencyKey(ctx, s.pool, key)
}

// ListByBuyer returns a buyer's trades, newest first.
func (s *TradeStore) ListByBuyer(ctx context.Context, buyerID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return s.list(ctx, "buyer_id", buyerID, opts)
}

// ListByListing returns the fills of one listing, newest first.
func (s *TradeStore) ListByListing(ctx context.Context, listingID string, opts domain.ListOpts) ([]domain.Trade, error) {
	return s.list(ctx, "listing_id", listingID, opts)
}

func (s *TradeStore) list(ctx context.Context, col, value string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := appendListOpts(
		`SELECT `+tradeSelectCols+` FROM trades WHERE `+col+` = $1`, []any{value},
		"executed_at", "executed_at DESC, id DESC", opts,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by %s: %w", col, err)
	}
	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by %s: %w", col, err)
	}
	return trades, nil
}

// ListBefore returns every trade executed before the cutoff, oldest first.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE executed_at < $1 ORDER BY executed_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return trades, nil
}

func tradeByIdempotencyKey(ctx context.Context, q querier, key string) (domain.Trade, error) {
	row := q.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE idempotency_key = $1`, key)
	t, err := scanTrade(row)
	if err != nil {
		return domain.Trade{}, notFound(err, fmt.Sprintf("trade for key %q", key))
	}
	return t, nil
}

// insertTrade relies on ON CONFLICT DO NOTHING so a duplicate key does not
// abort the surrounding transaction.
func insertTrade(ctx context.Context, q querier, t domain.Trade) error {
	tag, err := q.Exec(ctx,
		`INSERT INTO trades (
			id, listing_id, buyer_id, idempotency_key,
			quantity, unit_price, total_price, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		t.ID, t.ListingID, t.BuyerID, t.IdempotencyKey,
		t.Quantity.String(), t.UnitPrice.String(), t.TotalPrice.String(), t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert trade for key %q: %w", t.IdempotencyKey, domain.ErrAlreadyExists)
	}
	return nil
}
