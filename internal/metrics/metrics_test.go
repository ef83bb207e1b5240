package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafline/greenledger/internal/domain"
)

func TestLedgerCounters(t *testing.T) {
	m := New()

	m.SettlementFinished("executed", 5*time.Millisecond)
	m.SettlementFinished("executed", 7*time.Millisecond)
	m.SettlementFinished("conflict", time.Millisecond)
	m.CreditsMinted(decimal.RequireFromString("12.5"))
	m.ListingChanged(domain.ListingStatusFilled)
	m.IntegrityFault("settlement")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.settlements.WithLabelValues("executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlements.WithLabelValues("conflict")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.creditsMinted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.listingEvents.WithLabelValues("FILLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.integrityFaults.WithLabelValues("settlement")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodGet, "GET /api/health", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "greenledger_http_requests_total"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
