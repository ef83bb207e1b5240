// Package metrics exposes ledger and HTTP measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/leafline/greenledger/internal/domain"
)

const namespace = "greenledger"

// Metrics holds every collector, registered on its own registry so tests can
// build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	settlements        *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec
	creditsMinted      prometheus.Counter
	creditsTraded      prometheus.Counter
	listingEvents      *prometheus.CounterVec
	integrityFaults    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	wsClients    prometheus.Gauge
	archivedRows *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Trade settlement attempts by outcome.",
		}, []string{"outcome"}),
		settlementDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time spent in ExecuteTrade.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"outcome"}),
		creditsMinted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_minted_total",
			Help:      "Green credits minted from analyses.",
		}),
		creditsTraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_traded_total",
			Help:      "Green credits transferred to buyers.",
		}),
		listingEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_transitions_total",
			Help:      "Listings entering each status.",
		}, []string{"status"}),
		integrityFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_faults_total",
			Help:      "Aborted units of work that would have broken a ledger invariant.",
		}, []string{"op"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket clients.",
		}),
		archivedRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archived_rows_total",
			Help:      "Rows copied to cold storage by kind.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SettlementFinished(outcome string, elapsed time.Duration) {
	m.settlements.WithLabelValues(outcome).Inc()
	m.settlementDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) CreditsMinted(amount decimal.Decimal) {
	m.creditsMinted.Add(amount.InexactFloat64())
}

func (m *Metrics) CreditsTraded(amount decimal.Decimal) {
	m.creditsTraded.Add(amount.InexactFloat64())
}

func (m *Metrics) ListingChanged(status domain.ListingStatus) {
	m.listingEvents.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) IntegrityFault(op string) {
	m.integrityFaults.WithLabelValues(op).Inc()
}

// ObserveHTTP records one finished request. route is the mux pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, http.StatusText(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) WSClients(n int) {
	m.wsClients.Set(float64(n))
}

func (m *Metrics) Archived(kind string, rows int64) {
	m.archivedRows.WithLabelValues(kind).Add(float64(rows))
}
