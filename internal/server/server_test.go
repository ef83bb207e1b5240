package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/server/handler"
	"github.com/leafline/greenledger/internal/service"
	"github.com/leafline/greenledger/internal/store/memory"
)

type testAPI struct {
	t       *testing.T
	handler http.Handler
	store   *memory.Store
}

func newTestAPI(t *testing.T, apiKey string) *testAPI {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	audit := memory.NewAuditStore()
	txlog := service.NewTransactionLog(memory.NewSignalBus(), audit, log)

	ledger := service.NewCreditLedger(store, store, nil, log)
	ingestor := service.NewAnalysisIngestor(store, txlog, nil, log)
	registry := service.NewListingRegistry(store, store, store, txlog, nil, log)
	engine := service.NewSettlementEngine(store, store, memory.NewIdempotencyStore(), txlog, nil, nil, time.Minute, log)
	dashboards := service.NewDashboardService(store, store, store, store)

	srv := NewServer(Config{Port: 0, APIKey: apiKey}, Handlers{
		Health: handler.NewHealthHandler([]handler.Check{
			{Name: "store", Probe: func(context.Context) error { return nil }},
		}, log),
		Status:      handler.NewStatusHandler("server", "memory", "memory"),
		Analyses:    handler.NewAnalysisHandler(ingestor, store, log),
		Plantations: handler.NewPlantationHandler(store, dashboards, log),
		Balances:    handler.NewBalanceHandler(ledger, log),
		Listings:    handler.NewListingHandler(registry, log),
		Trades:      handler.NewTradeHandler(engine, log),
		Audit:       handler.NewAuditHandler(audit, log),
	}, nil, nil, log)

	return &testAPI{t: t, handler: srv.Handler(), store: store}
}

type call struct {
	method, path string
	user, role   string
	body         any
	headers      map[string]string
}

func (a *testAPI) do(c call, out any) int {
	a.t.Helper()
	var body io.Reader
	if c.body != nil {
		b, err := json.Marshal(c.body)
		require.NoError(a.t, err)
		body = bytes.NewReader(b)
	}
	r := httptest.NewRequest(c.method, c.path, body)
	if c.user != "" {
		r.Header.Set("X-User-Id", c.user)
		r.Header.Set("X-User-Role", c.role)
	}
	for k, v := range c.headers {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, r)
	if out != nil {
		require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

const (
	owner  = "owner-1"
	buyer  = "factory-1"
	admin  = "ops"
	roleOw = "PLANTATION_OWNER"
	roleIn = "INDUSTRY"
	roleAd = "ADMIN"
)

func (a *testAPI) seed() domain.Listing {
	a.t.Helper()
	require.Equal(a.t, http.StatusOK, a.do(call{
		method: http.MethodPut, path: "/api/plantations/p1", user: admin, role: roleAd,
		body: map[string]string{"owner_id": owner, "name": "North ridge"},
	}, nil))

	var ingest service.IngestResult
	require.Equal(a.t, http.StatusCreated, a.do(call{
		method: http.MethodPost, path: "/api/analyses", user: admin, role: roleAd,
		body: map[string]any{
			"id": "a1", "plantation_id": "p1", "tree_count": 120, "tree_density": 0.5,
			"ndvi_mean": 0.7, "aqi_prediction": 150, "green_credits": "100",
		},
	}, &ingest))
	require.True(a.t, ingest.Minted.Equal(decimal.NewFromInt(100)))

	var l domain.Listing
	require.Equal(a.t, http.StatusCreated, a.do(call{
		method: http.MethodPost, path: "/api/listings", user: owner, role: roleOw,
		body: map[string]string{"plantation_id": "p1", "quantity": "40", "price_per_credit": "2.5"},
	}, &l))
	return l
}

func TestTradeFlow(t *testing.T) {
	api := newTestAPI(t, "")
	l := api.seed()

	trade := call{
		method: http.MethodPost, path: "/api/trades", user: buyer, role: roleIn,
		body:    map[string]string{"listing_id": l.ID, "quantity": "15"},
		headers: map[string]string{"Idempotency-Key": "k1"},
	}

	var first struct {
		Trade     domain.Trade    `json:"trade"`
		FillPrice decimal.Decimal `json:"fill_price"`
		Replayed  bool            `json:"replayed"`
	}
	require.Equal(t, http.StatusCreated, api.do(trade, &first))
	assert.True(t, first.FillPrice.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, first.Trade.TotalPrice.Equal(decimal.RequireFromString("37.5")))

	var replay struct {
		Trade    domain.Trade `json:"trade"`
		Replayed bool         `json:"replayed"`
	}
	require.Equal(t, http.StatusOK, api.do(trade, &replay))
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Trade.ID, replay.Trade.ID)

	conflict := trade
	conflict.body = map[string]string{"listing_id": l.ID, "quantity": "16"}
	var errBody struct {
		Kind string `json:"kind"`
	}
	require.Equal(t, http.StatusConflict, api.do(conflict, &errBody))
	assert.Equal(t, "IdempotencyKeyConflict", errBody.Kind)

	var bal domain.Balance
	require.Equal(t, http.StatusOK, api.do(call{method: http.MethodGet, path: "/api/balances/buyer:" + buyer, user: buyer, role: roleIn}, &bal))
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(15)))

	var dash service.Dashboard
	require.Equal(t, http.StatusOK, api.do(call{method: http.MethodGet, path: "/api/plantations/p1/dashboard", user: owner, role: roleOw}, &dash))
	assert.True(t, dash.Balance.Total.Equal(decimal.NewFromInt(85)))
	assert.True(t, dash.Balance.Locked.Equal(decimal.NewFromInt(25)))
	require.Len(t, dash.OpenListings, 1)

	var list struct {
		Trades []domain.Trade `json:"trades"`
	}
	require.Equal(t, http.StatusOK, api.do(call{method: http.MethodGet, path: "/api/trades?listing_id=" + l.ID, user: owner, role: roleOw}, &list))
	assert.Len(t, list.Trades, 1)
}

func TestTradeRequestErrors(t *testing.T) {
	api := newTestAPI(t, "")
	l := api.seed()
	body := map[string]string{"listing_id": l.ID, "quantity": "15"}

	// No idempotency key.
	assert.Equal(t, http.StatusBadRequest, api.do(call{method: http.MethodPost, path: "/api/trades", user: buyer, role: roleIn, body: body}, nil))
	// Wrong role.
	assert.Equal(t, http.StatusForbidden, api.do(call{
		method: http.MethodPost, path: "/api/trades", user: owner, role: roleOw, body: body,
		headers: map[string]string{"Idempotency-Key": "k2"},
	}, nil))
	// Anonymous.
	assert.Equal(t, http.StatusUnauthorized, api.do(call{method: http.MethodPost, path: "/api/trades", body: body}, nil))
	// More than remains.
	assert.Equal(t, http.StatusConflict, api.do(call{
		method: http.MethodPost, path: "/api/trades", user: buyer, role: roleIn,
		body:    map[string]string{"listing_id": l.ID, "quantity": "41"},
		headers: map[string]string{"Idempotency-Key": "k3"},
	}, nil))
	// Unknown listing.
	assert.Equal(t, http.StatusNotFound, api.do(call{
		method: http.MethodPost, path: "/api/trades", user: buyer, role: roleIn,
		body:    map[string]string{"listing_id": "missing", "quantity": "1"},
		headers: map[string]string{"Idempotency-Key": "k4"},
	}, nil))
	// Another buyer's history.
	assert.Equal(t, http.StatusForbidden, api.do(call{method: http.MethodGet, path: "/api/trades?buyer_id=someone-else", user: buyer, role: roleIn}, nil))
}

func TestListingLifecycle(t *testing.T) {
	api := newTestAPI(t, "")
	l := api.seed()

	var open struct {
		Listings []domain.Listing `json:"listings"`
	}
	require.Equal(t, http.StatusOK, api.do(call{method: http.MethodGet, path: "/api/listings"}, &open))
	require.Len(t, open.Listings, 1)

	// Not the seller.
	assert.Equal(t, http.StatusForbidden, api.do(call{method: http.MethodDelete, path: "/api/listings/" + l.ID, user: "intruder", role: roleOw}, nil))
	// Owner of a plantation they do not own.
	assert.Equal(t, http.StatusForbidden, api.do(call{
		method: http.MethodPost, path: "/api/listings", user: "intruder", role: roleOw,
		body: map[string]string{"plantation_id": "p1", "quantity": "1", "price_per_credit": "1"},
	}, nil))
	// More than is available.
	assert.Equal(t, http.StatusConflict, api.do(call{
		method: http.MethodPost, path: "/api/listings", user: owner, role: roleOw,
		body: map[string]string{"plantation_id": "p1", "quantity": "61", "price_per_credit": "1"},
	}, nil))

	var cancelled domain.Listing
	require.Equal(t, http.StatusOK, api.do(call{method: http.MethodDelete, path: "/api/listings/" + l.ID, user: owner, role: roleOw}, &cancelled))
	assert.Equal(t, domain.ListingStatusCancelled, cancelled.Status)
	assert.Equal(t, http.StatusConflict, api.do(call{method: http.MethodDelete, path: "/api/listings/" + l.ID, user: owner, role: roleOw}, nil))

	bal, err := api.store.GetBalance(context.Background(), domain.PlantationAccount("p1"))
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(100)))
	assert.True(t, bal.Locked.IsZero())
}

func TestIngestReplayAndValidation(t *testing.T) {
	api := newTestAPI(t, "")
	api.seed()

	var again service.IngestResult
	require.Equal(t, http.StatusOK, api.do(call{
		method: http.MethodPost, path: "/api/analyses", user: admin, role: roleAd,
		body: map[string]any{"id": "a1", "plantation_id": "p1", "tree_count": 120, "ndvi_mean": 0.7, "green_credits": "100"},
	}, &again))
	assert.True(t, again.AlreadyProcessed)

	assert.Equal(t, http.StatusBadRequest, api.do(call{
		method: http.MethodPost, path: "/api/analyses", user: admin, role: roleAd,
		body: map[string]any{"id": "a2", "plantation_id": "p1", "ndvi_mean": 3},
	}, nil))
	assert.Equal(t, http.StatusBadRequest, api.do(call{
		method: http.MethodPost, path: "/api/analyses", user: admin, role: roleAd,
		body: map[string]any{"id": "a3", "unexpected": true},
	}, nil))
	assert.Equal(t, http.StatusForbidden, api.do(call{
		method: http.MethodPost, path: "/api/analyses", user: buyer, role: roleIn,
		body: map[string]any{"id": "a4", "plantation_id": "p1"},
	}, nil))
}

func TestAPIKeyAndHealth(t *testing.T) {
	api := newTestAPI(t, "s3cret")

	var health map[string]any
	require.Equal(t, http.StatusOK, api.do(call{method: http.MethodGet, path: "/api/health"}, &health))
	assert.Equal(t, "ok", health["status"])

	assert.Equal(t, http.StatusUnauthorized, api.do(call{method: http.MethodGet, path: "/api/listings"}, nil))
	assert.Equal(t, http.StatusOK, api.do(call{
		method: http.MethodGet, path: "/api/listings",
		headers: map[string]string{"X-API-Key": "s3cret"},
	}, nil))

	var status map[string]any
	require.Equal(t, http.StatusOK, api.do(call{
		method: http.MethodGet, path: "/api/status",
		headers: map[string]string{"X-API-Key": "s3cret"},
	}, &status))
	assert.Equal(t, "server", status["mode"])
	assert.Equal(t, "memory", status["idempotency_backend"])
}

func TestHealthDegraded(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewHealthHandler([]handler.Check{
		{Name: "postgres", Probe: func(context.Context) error { return errors.New("refused") }},
	}, log)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"down"`)
}
