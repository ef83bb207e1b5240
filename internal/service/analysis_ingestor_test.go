package service

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafline/greenledger/internal/domain"
)

func TestIngestMintsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := domain.Analysis{
		ID: "an-1", PlantationID: "p1", TreeCount: 120, TreeDensity: 0.3,
		NDVIMean: 0.7, AQIPrediction: 90, GreenCredits: dec("42"),
	}

	res, err := f.ingestor.Ingest(ctx, a)
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	assert.True(t, res.Minted.Equal(dec("42")))

	for i := 0; i < 3; i++ {
		res, err = f.ingestor.Ingest(ctx, a)
		require.NoError(t, err)
		assert.True(t, res.AlreadyProcessed)
		assert.True(t, res.Minted.IsZero())
	}

	requireBalance(t, f.balance(t, domain.PlantationAccount("p1")), "42", "42", "0")

	mint, err := f.store.GetMint(ctx, "an-1")
	require.NoError(t, err)
	assert.True(t, mint.Amount.Equal(dec("42")))

	msgs, err := f.bus.StreamRead(ctx, domain.StreamTxLog, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var evt Event
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &evt))
	assert.Equal(t, EventCreditsMinted, evt.Type)
}

func TestIngestZeroCreditsRecordsWithoutMint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ingestor.Ingest(ctx, domain.Analysis{ID: "an-0", PlantationID: "p1", GreenCredits: dec("0")})
	require.NoError(t, err)

	_, err = f.store.GetAnalysis(ctx, "an-0")
	require.NoError(t, err)
	_, err = f.store.GetMint(ctx, "an-0")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	requireBalance(t, f.balance(t, domain.PlantationAccount("p1")), "0", "0", "0")
}

func TestIngestRejectsInvalidAnalysis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ingestor.Ingest(ctx, domain.Analysis{ID: "bad", PlantationID: "p1", NDVIMean: 1.5, GreenCredits: dec("1")})
	assert.ErrorIs(t, err, domain.ErrInvalidAnalysis)

	_, err = f.store.GetAnalysis(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAnalysisInputComputesMissingCredits(t *testing.T) {
	tests := []struct {
		name    string
		in      AnalysisInput
		want    string
		wantErr bool
	}{
		{name: "scored", in: AnalysisInput{TreeCount: 100, NDVIMean: 0.5, AQIPrediction: 150}, want: "75"},
		{name: "negative ndvi clamps to one", in: AnalysisInput{TreeCount: 100, NDVIMean: -0.3, AQIPrediction: 40}, want: "1"},
		{name: "huge aqi", in: AnalysisInput{TreeCount: 3, NDVIMean: 1, AQIPrediction: 1e308}, want: "1" + strings.Repeat("0", 305) + "3"},
		{name: "infinite aqi", in: AnalysisInput{TreeCount: 3, NDVIMean: 1, AQIPrediction: math.Inf(1)}, wantErr: true},
		{name: "nan ndvi", in: AnalysisInput{TreeCount: 3, NDVIMean: math.NaN()}, wantErr: true},
		{name: "ndvi out of range", in: AnalysisInput{TreeCount: 3, NDVIMean: 7}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.ID, tt.in.PlantationID = "a", "p"
			a, err := tt.in.Analysis()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidAnalysis)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.GreenCredits.String())
		})
	}

	given := dec("3")
	in := AnalysisInput{ID: "a", PlantationID: "p", TreeCount: 100, NDVIMean: 0.5, AQIPrediction: 150, GreenCredits: &given}
	a, err := in.Analysis()
	require.NoError(t, err)
	assert.True(t, a.GreenCredits.Equal(dec("3")))
}

func TestAnalysisConsumerSkipsUnscorableMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	huge := []byte(`{"id":"s-big","plantation_id":"p7","tree_count":1000,"ndvi_mean":1,"aqi_prediction":1e308}`)
	good, _ := json.Marshal(AnalysisInput{ID: "s-ok", PlantationID: "p7", TreeCount: 100, NDVIMean: 0.5, AQIPrediction: 150})
	require.NoError(t, f.bus.StreamAppend(ctx, domain.StreamAnalyses, huge))
	require.NoError(t, f.bus.StreamAppend(ctx, domain.StreamAnalyses, good))

	c := NewAnalysisConsumer(f.bus, f.ingestor, 10, time.Millisecond, "0", discardLogger())
	var n int
	var err error
	require.NotPanics(t, func() { n, err = c.Poll(ctx) })
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := f.store.GetAnalysis(ctx, "s-big")
	require.NoError(t, err)
	assert.Len(t, a.GreenCredits.String(), 309)
}

func TestAnalysisConsumerIngestsStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good, _ := json.Marshal(AnalysisInput{ID: "s-1", PlantationID: "p9", TreeCount: 100, NDVIMean: 0.5, AQIPrediction: 150})
	invalid, _ := json.Marshal(AnalysisInput{ID: "s-2", PlantationID: "p9", NDVIMean: 7})
	require.NoError(t, f.bus.StreamAppend(ctx, domain.StreamAnalyses, good))
	require.NoError(t, f.bus.StreamAppend(ctx, domain.StreamAnalyses, []byte("not json")))
	require.NoError(t, f.bus.StreamAppend(ctx, domain.StreamAnalyses, invalid))
	require.NoError(t, f.bus.StreamAppend(ctx, domain.StreamAnalyses, good))

	c := NewAnalysisConsumer(f.bus, f.ingestor, 10, time.Millisecond, "0", discardLogger())
	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	requireBalance(t, f.balance(t, domain.PlantationAccount("p9")), "75", "75", "0")

	n, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
