package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Analysis is a finished run of the plantation analysis pipeline. It is never
// mutated after it is stored.
type Analysis struct {
	ID            string          `json:"id"`
	PlantationID  string          `json:"plantation_id"`
	TreeCount     int             `json:"tree_count"`
	TreeDensity   float64         `json:"tree_density"`
	NDVIMean      float64         `json:"ndvi_mean"`
	AQIPrediction float64         `json:"aqi_prediction"`
	GreenCredits  decimal.Decimal `json:"green_credits"`
	AnalyzedAt    time.Time       `json:"analyzed_at"`
}

// Validate checks the ranges the pipeline promises.
func (a Analysis) Validate() error {
	if err := ValidateScores(a.TreeCount, a.TreeDensity, a.NDVIMean, a.AQIPrediction); err != nil {
		return err
	}
	switch {
	case a.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidAnalysis)
	case a.PlantationID == "":
		return fmt.Errorf("%w: plantation_id is required", ErrInvalidAnalysis)
	case a.GreenCredits.IsNegative():
		return fmt.Errorf("%w: green_credits %s < 0", ErrInvalidAnalysis, a.GreenCredits)
	}
	return nil
}

// ValidateScores checks the raw pipeline figures. Every float must be finite.
func ValidateScores(treeCount int, treeDensity, ndvi, aqi float64) error {
	switch {
	case treeCount < 0:
		return fmt.Errorf("%w: tree_count %d < 0", ErrInvalidAnalysis, treeCount)
	case !finite(treeDensity) || treeDensity < 0:
		return fmt.Errorf("%w: tree_density %v is not a finite value >= 0", ErrInvalidAnalysis, treeDensity)
	case !finite(ndvi) || ndvi < -1 || ndvi > 1:
		return fmt.Errorf("%w: ndvi_mean %v outside [-1,1]", ErrInvalidAnalysis, ndvi)
	case !finite(aqi) || aqi < 0:
		return fmt.Errorf("%w: aqi_prediction %v is not a finite value >= 0", ErrInvalidAnalysis, aqi)
	}
	return nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

var (
	aqiScale  = decimal.NewFromInt(300)
	oneCredit = decimal.NewFromInt(1)
)

// ComputeGreenCredits scores an analysis as
// max(floor(tree_count * ndvi * (1 + aqi/300)), 1). Polluted areas (higher
// AQI) earn more credits for the same canopy. The arithmetic is decimal, so
// any finite input yields a finite score; NaN or infinite inputs are
// ErrInvalidAnalysis.
func ComputeGreenCredits(treeCount int, ndvi, aqi float64) (decimal.Decimal, error) {
	if !finite(ndvi) || !finite(aqi) {
		return decimal.Zero, fmt.Errorf("%w: cannot score ndvi %v, aqi %v", ErrInvalidAnalysis, ndvi, aqi)
	}
	// tree_count * ndvi * (300 + aqi) / 300, dividing last so whole results
	// stay exact.
	credits := decimal.NewFromInt(int64(treeCount)).
		Mul(decimal.NewFromFloat(ndvi)).
		Mul(aqiScale.Add(decimal.NewFromFloat(aqi))).
		Div(aqiScale).
		Floor()
	if credits.LessThan(oneCredit) {
		return oneCredit, nil
	}
	return credits, nil
}

// Plantation is the lookup-only fact the marketplace needs about a
// registered plantation.
type Plantation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
