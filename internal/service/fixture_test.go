package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/store/memory"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingAlerter struct {
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

type fixture struct {
	store  *memory.Store
	idem   *memory.IdempotencyStore
	bus    *memory.SignalBus
	audit  *memory.AuditStore
	alerts *recordingAlerter

	ledger    *CreditLedger
	ingestor  *AnalysisIngestor
	registry  *ListingRegistry
	engine    *SettlementEngine
	dashboard *DashboardService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := discardLogger()

	f := &fixture{
		store:  memory.New(),
		idem:   memory.NewIdempotencyStore(),
		bus:    memory.NewSignalBus(),
		audit:  memory.NewAuditStore(),
		alerts: &recordingAlerter{},
	}
	txlog := NewTransactionLog(f.bus, f.audit, log)

	f.ledger = NewCreditLedger(f.store, f.store, nil, log)
	f.ingestor = NewAnalysisIngestor(f.store, txlog, nil, log)
	f.registry = NewListingRegistry(f.store, f.store, f.store, txlog, nil, log)
	f.engine = NewSettlementEngine(f.store, f.store, f.idem, txlog, f.alerts, nil, time.Minute, log)
	f.dashboard = NewDashboardService(f.store, f.store, f.store, f.store)
	return f
}

func (f *fixture) mint(t *testing.T, plantationID, analysisID, amount string) {
	t.Helper()
	_, err := f.ingestor.Ingest(context.Background(), domain.Analysis{
		ID:            analysisID,
		PlantationID:  plantationID,
		TreeCount:     100,
		TreeDensity:   0.4,
		NDVIMean:      0.6,
		AQIPrediction: 120,
		GreenCredits:  dec(amount),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, account domain.AccountID) domain.Balance {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	require.NoError(t, b.Check())
	return b
}

func requireBalance(t *testing.T, b domain.Balance, total, available, locked string) {
	t.Helper()
	require.Truef(t, b.Total.Equal(dec(total)), "%s total=%s want %s", b.Account, b.Total, total)
	require.Truef(t, b.Available.Equal(dec(available)), "%s available=%s want %s", b.Account, b.Available, available)
	require.Truef(t, b.Locked.Equal(dec(locked)), "%s locked=%s want %s", b.Account, b.Locked, locked)
}
