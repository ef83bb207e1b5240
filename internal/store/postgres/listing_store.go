package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafline/greenledger/internal/domain"
)

// ListingStore implements domain.ListingStore using PostgreSQL.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a new ListingStore backed by the given connection pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

const listingSelectCols = `id, plantation_id, seller_id, total_credits::text,
	remaining_credits::text, price_per_credit::text, status, created_at, updated_at`

func scanListing(row pgx.Row) (domain.Listing, error) {
	var (
		l                       domain.Listing
		total, remaining, price string
		status                  string
	)
	if err := row.Scan(
		&l.ID, &l.PlantationID, &l.SellerID, &total,
		&remaining, &price, &status, &l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return domain.Listing{}, err
	}
	l.Status = domain.ListingStatus(status)

	var err error
	if l.Total, err = parseNumeric("total_credits", total); err != nil {
		return domain.Listing{}, err
	}
	if l.Remaining, err = parseNumeric("remaining_credits", remaining); err != nil {
		return domain.Listing{}, err
	}
	if l.PricePerCredit, err = parseNumeric("price_per_credit", price); err != nil {
		return domain.Listing{}, err
	}
	return l, nil
}

func scanListingRows(rows pgx.Rows) ([]domain.Listing, error) {
	defer rows.Close()
	var listings []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// GetListing retrieves a listing by id.
func (s *ListingStore) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingSelectCols+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		return domain.Listing{}, notFound(err, "get listing "+id)
	}
	return l, nil
}

// ListOpen returns open listings, newest first.
func (s *ListingStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Listing, error) {
	query, args := appendListOpts(
		`SELECT `+listingSelectCols+` FROM listings WHERE status = 'OPEN'`, nil,
		"created_at", "created_at DESC, id DESC", opts,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open listings: %w", err)
	}
	listings, err := scanListingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open listings: %w", err)
	}
	return listings, nil
}

// ListByPlantation returns a plantation's listings, optionally only the open
// ones, newest first.
func (s *ListingStore) ListByPlantation(ctx context.Context, plantationID string, openOnly bool) ([]domain.Listing, error) {
	query := `SELECT ` + listingSelectCols + ` FROM listings WHERE plantation_id = $1`
	if openOnly {
		query += ` AND status = 'OPEN'`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, plantationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings for %s: %w", plantationID, err)
	}
	listings, err := scanListingRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan listings for %s: %w", plantationID, err)
	}
	return listings, nil
}

func lockListing(ctx context.Context, q querier, id string) (domain.Listing, error) {
	row := q.QueryRow(ctx, `SELECT `+listingSelectCols+` FROM listings WHERE id = $1 FOR UPDATE`, id)
	l, err := scanListing(row)
	if err != nil {
		return domain.Listing{}, notFound(err, "lock listing "+id)
	}
	return l, nil
}

func insertListing(ctx context.Context, q querier, l domain.Listing) error {
	tag, err := q.Exec(ctx,
		`INSERT INTO listings (
			id, plantation_id, seller_id, total_credits, remaining_credits,
			price_per_credit, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING`,
		l.ID, l.PlantationID, l.SellerID, l.Total.String(), l.Remaining.String(),
		l.PricePerCredit.String(), string(l.Status), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert listing %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert listing %s: %w", l.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func updateListing(ctx context.Context, q querier, l domain.Listing) error {
	tag, err := q.Exec(ctx,
		`UPDATE listings SET remaining_credits = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		l.ID, l.Remaining.String(), string(l.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update listing %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update listing %s: %w", l.ID, domain.ErrNotFound)
	}
	return nil
}
