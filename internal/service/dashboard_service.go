package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/leafline/greenledger/internal/domain"
)

// Dashboard is the plantation owner's overview.
type Dashboard struct {
	Plantation     *domain.Plantation `json:"plantation,omitempty"`
	LatestAnalysis *domain.Analysis   `json:"latest_analysis,omitempty"`
	Balance        domain.Balance     `json:"balance"`
	OpenListings   []domain.Listing   `json:"open_listings"`
}

// DashboardService assembles dashboards from committed state.
type DashboardService struct {
	plantations domain.PlantationStore
	analyses    domain.AnalysisStore
	balances    domain.BalanceStore
	listings    domain.ListingStore
}

func NewDashboardService(
	plantations domain.PlantationStore,
	analyses domain.AnalysisStore,
	balances domain.BalanceStore,
	listings domain.ListingStore,
) *DashboardService {
	return &DashboardService{
		plantations: plantations,
		analyses:    analyses,
		balances:    balances,
		listings:    listings,
	}
}

// Dashboard returns ErrNotFound only when the plantation is neither
// registered nor analysed.
func (s *DashboardService) Dashboard(ctx context.Context, plantationID string) (Dashboard, error) {
	var d Dashboard

	p, err := s.plantations.GetPlantation(ctx, plantationID)
	switch {
	case err == nil:
		d.Plantation = &p
	case !errors.Is(err, domain.ErrNotFound):
		return Dashboard{}, fmt.Errorf("dashboard: plantation %s: %w", plantationID, err)
	}

	a, err := s.analyses.LatestByPlantation(ctx, plantationID)
	switch {
	case err == nil:
		d.LatestAnalysis = &a
	case !errors.Is(err, domain.ErrNotFound):
		return Dashboard{}, fmt.Errorf("dashboard: latest analysis %s: %w", plantationID, err)
	}

	if d.Plantation == nil && d.LatestAnalysis == nil {
		return Dashboard{}, fmt.Errorf("dashboard: plantation %s: %w", plantationID, domain.ErrNotFound)
	}

	if d.Balance, err = s.balances.GetBalance(ctx, domain.PlantationAccount(plantationID)); err != nil {
		return Dashboard{}, fmt.Errorf("dashboard: balance %s: %w", plantationID, err)
	}
	if d.OpenListings, err = s.listings.ListByPlantation(ctx, plantationID, true); err != nil {
		return Dashboard{}, fmt.Errorf("dashboard: listings %s: %w", plantationID, err)
	}
	if d.OpenListings == nil {
		d.OpenListings = []domain.Listing{}
	}
	return d, nil
}
