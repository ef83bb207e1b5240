package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBalanceCheck(t *testing.T) {
	b := Balance{Account: PlantationAccount("p1"), Total: dec("100"), Available: dec("60"), Locked: dec("40")}
	require.NoError(t, b.Check())

	b.Locked = dec("41")
	assert.ErrorIs(t, b.Check(), ErrIntegrityViolation)

	b = Balance{Account: BuyerAccount("u1"), Total: dec("-1"), Available: dec("-1"), Locked: dec("0")}
	assert.ErrorIs(t, b.Check(), ErrIntegrityViolation)
}

func TestListingCheck(t *testing.T) {
	l := Listing{ID: "l1", Total: dec("40"), Remaining: dec("25"), Status: ListingStatusOpen}
	require.NoError(t, l.Check())

	l.Remaining = dec("41")
	assert.ErrorIs(t, l.Check(), ErrIntegrityViolation)

	l.Remaining = dec("1")
	l.Status = ListingStatusFilled
	assert.ErrorIs(t, l.Check(), ErrIntegrityViolation)
}

func TestErrorKindRoundTrip(t *testing.T) {
	wrapped := fmt.Errorf("settlement: execute: %w", ErrInsufficientListingQuantity)
	kind := ErrorKind(wrapped)
	assert.Equal(t, "InsufficientListingQuantity", kind)
	assert.True(t, errors.Is(KindError(kind), ErrInsufficientListingQuantity))

	assert.Equal(t, "", ErrorKind(errors.New("boom")))
	assert.Nil(t, KindError("NoSuchKind"))
	assert.True(t, IsIntegrityFault(fmt.Errorf("x: %w", ErrOverfill)))
}

func TestParseAccountID(t *testing.T) {
	id, err := ParseAccountID("plantation:42")
	require.NoError(t, err)
	assert.Equal(t, PlantationAccount("42"), id)

	_, err = ParseAccountID("buyer:")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = ParseAccountID("42")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFingerprint(t *testing.T) {
	a := TradeRequest{ListingID: "l1", BuyerID: "b1", Quantity: dec("15")}
	b := TradeRequest{ListingID: "l1", BuyerID: "b1", Quantity: dec("15.00"), IdempotencyKey: "other"}
	c := TradeRequest{ListingID: "l1", BuyerID: "b1", Quantity: dec("16")}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestAnalysisValidate(t *testing.T) {
	a := Analysis{ID: "a1", PlantationID: "p1", TreeCount: 120, TreeDensity: 0.5, NDVIMean: 0.7, AQIPrediction: 150, GreenCredits: dec("126")}
	require.NoError(t, a.Validate())

	bad := a
	bad.NDVIMean = 1.2
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAnalysis)

	bad = a
	bad.GreenCredits = dec("-1")
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAnalysis)
}

func TestComputeGreenCredits(t *testing.T) {
	tests := []struct {
		name      string
		treeCount int
		ndvi, aqi float64
		want      string
	}{
		{"weighted by aqi", 100, 0.5, 150, "75"},
		{"no trees earns the minimum", 0, 0.6, 150, "1"},
		{"negative ndvi earns the minimum", 500, -0.8, 100, "1"},
		{"whole result is exact", 300, 1, 100, "400"},
		{"fraction is floored", 10, 0.55, 0, "5"},
		{"huge aqi stays finite", 1000, 1, 1e308, strings.Repeat("3", 305) + "4333"},
		{"huge tree count", math.MaxInt32, 1, 0, "2147483647"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeGreenCredits(tt.treeCount, tt.ndvi, tt.aqi)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestComputeGreenCreditsRejectsNonFinite(t *testing.T) {
	for _, in := range [][2]float64{
		{math.NaN(), 10},
		{0.5, math.NaN()},
		{0.5, math.Inf(1)},
		{math.Inf(-1), 10},
	} {
		_, err := ComputeGreenCredits(10, in[0], in[1])
		assert.ErrorIs(t, err, ErrInvalidAnalysis, "ndvi=%v aqi=%v", in[0], in[1])
	}
}

func TestValidateScoresRejectsNonFinite(t *testing.T) {
	assert.NoError(t, ValidateScores(1000, 0.4, 1, 1e308))
	assert.ErrorIs(t, ValidateScores(10, math.Inf(1), 0.5, 10), ErrInvalidAnalysis)
	assert.ErrorIs(t, ValidateScores(10, 0.4, math.NaN(), 10), ErrInvalidAnalysis)
	assert.ErrorIs(t, ValidateScores(10, 0.4, 0.5, math.Inf(1)), ErrInvalidAnalysis)
	assert.ErrorIs(t, ValidateScores(-1, 0.4, 0.5, 10), ErrInvalidAnalysis)
}
