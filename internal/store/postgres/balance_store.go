package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafline/greenledger/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given connection pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

const balanceSelectCols = `account, total::text, available::text, locked::text, updated_at`

func scanBalance(row pgx.Row) (domain.Balance, error) {
	var (
		b                        domain.Balance
		total, available, locked string
		err                      error
	)
	if err = row.Scan(&b.Account, &total, &available, &locked, &b.UpdatedAt); err != nil {
		return domain.Balance{}, err
	}
	if b.Total, err = parseNumeric("total", total); err != nil {
		return domain.Balance{}, err
	}
	if b.Available, err = parseNumeric("available", available); err != nil {
		return domain.Balance{}, err
	}
	if b.Locked, err = parseNumeric("locked", locked); err != nil {
		return domain.Balance{}, err
	}
	return b, nil
}

// GetBalance returns the committed balance, or a zero balance when the
// account has never been credited.
func (s *BalanceStore) GetBalance(ctx context.Context, account domain.AccountID) (domain.Balance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+balanceSelectCols+` FROM balances WHERE account = $1`, string(account))
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewBalance(account), nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: get balance %s: %w", account, err)
	}
	return b, nil
}

// GetMint looks up the mint record for an analysis.
func (s *BalanceStore) GetMint(ctx context.Context, analysisID string) (domain.MintRecord, error) {
	var (
		m      domain.MintRecord
		amount string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT analysis_id, account, amount::text, minted_at FROM mints WHERE analysis_id = $1`, analysisID,
	).Scan(&m.AnalysisID, &m.Account, &amount, &m.MintedAt)
	if err != nil {
		return domain.MintRecord{}, notFound(err, "get mint "+analysisID)
	}
	if m.Amount, err = parseNumeric("amount", amount); err != nil {
		return domain.MintRecord{}, err
	}
	return m, nil
}

// lockBalances creates any missing rows, then locks every requested row in
// ascending account order. A rolled back unit of work also rolls back the
// rows it created.
func lockBalances(ctx context.Context, q querier, accounts []string) (map[domain.AccountID]domain.Balance, error) {
	if _, err := q.Exec(ctx,
		`INSERT INTO balances (account) SELECT unnest($1::text[]) ORDER BY 1 ON CONFLICT (account) DO NOTHING`,
		accounts,
	); err != nil {
		return nil, fmt.Errorf("postgres: ensure balances: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT `+balanceSelectCols+` FROM balances WHERE account = ANY($1) ORDER BY account FOR UPDATE`,
		accounts,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock balances: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.AccountID]domain.Balance, len(accounts))
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		out[b.Account] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: lock balances rows: %w", err)
	}
	return out, nil
}

func putBalance(ctx context.Context, q querier, b domain.Balance) error {
	tag, err := q.Exec(ctx,
		`UPDATE balances SET total = $2, available = $3, locked = $4, updated_at = NOW() WHERE account = $1`,
		string(b.Account), b.Total.String(), b.Available.String(), b.Locked.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: put balance %s: %w", b.Account, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: put balance %s: %w", b.Account, domain.ErrNotFound)
	}
	return nil
}

func insertMint(ctx context.Context, q querier, m domain.MintRecord) error {
	tag, err := q.Exec(ctx,
		`INSERT INTO mints (analysis_id, account, amount, minted_at)
		 VALUES ($1, $2, $3, COALESCE($4, NOW()))
		 ON CONFLICT (analysis_id) DO NOTHING`,
		m.AnalysisID, string(m.Account), m.Amount.String(), nullTime(m.MintedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert mint %s: %w", m.AnalysisID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert mint %s: %w", m.AnalysisID, domain.ErrAlreadyExists)
	}
	return nil
}
