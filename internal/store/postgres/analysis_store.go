package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafline/greenledger/internal/domain"
)

// AnalysisStore implements domain.AnalysisStore using PostgreSQL.
type AnalysisStore struct {
	pool *pgxpool.Pool
}

// NewAnalysisStore creates a new AnalysisStore backed by the given connection pool.
func NewAnalysisStore(pool *pgxpool.Pool) *AnalysisStore {
	return &AnalysisStore{pool: pool}
}

const analysisSelectCols = `id, plantation_id, tree_count, tree_density, ndvi_mean,
	aqi_prediction, green_credits::text, analyzed_at`

func scanAnalysis(row pgx.Row) (domain.Analysis, error) {
	var (
		a       domain.Analysis
		credits string
	)
	if err := row.Scan(
		&a.ID, &a.PlantationID, &a.TreeCount, &a.TreeDensity, &a.NDVIMean,
		&a.AQIPrediction, &credits, &a.AnalyzedAt,
	); err != nil {
		return domain.Analysis{}, err
	}
	var err error
	if a.GreenCredits, err = parseNumeric("green_credits", credits); err != nil {
		return domain.Analysis{}, err
	}
	return a, nil
}

// GetAnalysis retrieves a stored analysis by id.
func (s *AnalysisStore) GetAnalysis(ctx context.Context, id string) (domain.Analysis, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+analysisSelectCols+` FROM analyses WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if err != nil {
		return domain.Analysis{}, notFound(err, "get analysis "+id)
	}
	return a, nil
}

// LatestByPlantation returns the most recent analysis for a plantation.
func (s *AnalysisStore) LatestByPlantation(ctx context.Context, plantationID string) (domain.Analysis, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+analysisSelectCols+` FROM analyses
		 WHERE plantation_id = $1 ORDER BY analyzed_at DESC, id DESC LIMIT 1`,
		plantationID,
	)
	a, err := scanAnalysis(row)
	if err != nil {
		return domain.Analysis{}, notFound(err, "latest analysis for "+plantationID)
	}
	return a, nil
}

func insertAnalysis(ctx context.Context, q querier, a domain.Analysis) error {
	tag, err := q.Exec(ctx,
		`INSERT INTO analyses (
			id, plantation_id, tree_count, tree_density, ndvi_mean,
			aqi_prediction, green_credits, analyzed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.PlantationID, a.TreeCount, a.TreeDensity, a.NDVIMean,
		a.AQIPrediction, a.GreenCredits.String(), a.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert analysis %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert analysis %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	return nil
}
