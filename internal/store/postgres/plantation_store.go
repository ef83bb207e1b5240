package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafline/greenledger/internal/domain"
)

// PlantationStore implements domain.PlantationStore using PostgreSQL.
type PlantationStore struct {
	pool *pgxpool.Pool
}

// NewPlantationStore creates a new PlantationStore backed by the given connection pool.
func NewPlantationStore(pool *pgxpool.Pool) *PlantationStore {
	return &PlantationStore{pool: pool}
}

// UpsertPlantation records the owner and name for a plantation, keeping the
// original created_at on updates.
func (s *PlantationStore) UpsertPlantation(ctx context.Context, p domain.Plantation) error {
	const query = `
		INSERT INTO plantations (id, owner_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			name = EXCLUDED.name`

	if _, err := s.pool.Exec(ctx, query, p.ID, p.OwnerID, p.Name); err != nil {
		return fmt.Errorf("postgres: upsert plantation %s: %w", p.ID, err)
	}
	return nil
}

// GetPlantation retrieves a plantation by id.
func (s *PlantationStore) GetPlantation(ctx context.Context, id string) (domain.Plantation, error) {
	var p domain.Plantation
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, created_at FROM plantations WHERE id = $1`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt)
	if err != nil {
		return domain.Plantation{}, notFound(err, "get plantation "+id)
	}
	return p, nil
}
