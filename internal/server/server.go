// Package server exposes the ledger over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/server/handler"
	"github.com/leafline/greenledger/internal/server/middleware"
	"github.com/leafline/greenledger/internal/server/ws"
)

type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route except health, metrics and the websocket
	// feed. Empty disables the check.
	APIKey string
	// RateLimit is requests per RateWindow per caller; zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates everything the server routes to. Status, Metrics and
// WS are optional.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Analyses    *handler.AnalysisHandler
	Plantations *handler.PlantationHandler
	Balances    *handler.BalanceHandler
	Listings    *handler.ListingHandler
	Trades      *handler.TradeHandler
	Audit       *handler.AuditHandler
	Metrics     http.Handler
	WS          *ws.Hub
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, request
// logging, API key auth and, when limiter is set, rate limiting. Identity
// headers are resolved per route so the logger still sees the matched
// pattern.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, observe middleware.ObserveFunc, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, middleware.Actor(fn))
	}

	route("GET /api/health", h.Health.HealthCheck)
	if h.Status != nil {
		route("GET /api/status", h.Status.GetStatus)
	}

	route("POST /api/analyses", h.Analyses.Ingest)
	route("GET /api/analyses/{id}", h.Analyses.GetAnalysis)

	route("PUT /api/plantations/{id}", h.Plantations.PutPlantation)
	route("GET /api/plantations/{id}/dashboard", h.Plantations.Dashboard)

	route("GET /api/balances/{account}", h.Balances.GetBalance)

	route("GET /api/listings", h.Listings.ListListings)
	route("POST /api/listings", h.Listings.CreateListing)
	route("GET /api/listings/{id}", h.Listings.GetListing)
	route("DELETE /api/listings/{id}", h.Listings.CancelListing)

	route("POST /api/trades", h.Trades.ExecuteTrade)
	route("GET /api/trades", h.Trades.ListTrades)
	route("GET /api/trades/{id}", h.Trades.GetTrade)

	route("GET /api/audit", h.Audit.ListAudit)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if h.WS != nil {
		mux.HandleFunc("GET /ws", h.WS.HandleWS)
	}

	var handler http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		handler = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(handler)
	}
	handler = middleware.Auth(cfg.APIKey, "/api/health", "/metrics", "/ws")(handler)
	handler = middleware.Logging(logger, observe)(handler)
	handler = middleware.CORS(cfg.CORSOrigins)(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
