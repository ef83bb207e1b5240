package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/leafline/greenledger/internal/pipeline"
	"github.com/leafline/greenledger/internal/server"
	"github.com/leafline/greenledger/internal/server/handler"
	"github.com/leafline/greenledger/internal/server/ws"
	"github.com/leafline/greenledger/internal/service"
)

// services are the ledger components shared by every mode.
type services struct {
	txlog      *service.TransactionLog
	ledger     *service.CreditLedger
	ingestor   *service.AnalysisIngestor
	registry   *service.ListingRegistry
	engine     *service.SettlementEngine
	dashboards *service.DashboardService
}

func (a *App) buildServices(deps *Dependencies) *services {
	txlog := service.NewTransactionLog(deps.SignalBus, deps.Audit, a.logger)
	return &services{
		txlog:    txlog,
		ledger:   service.NewCreditLedger(deps.UnitOfWork, deps.Balances, deps.Metrics, a.logger),
		ingestor: service.NewAnalysisIngestor(deps.UnitOfWork, txlog, deps.Metrics, a.logger),
		registry: service.NewListingRegistry(deps.UnitOfWork, deps.Listings, deps.Plantations, txlog, deps.Metrics, a.logger),
		engine: service.NewSettlementEngine(
			deps.UnitOfWork,
			deps.Trades,
			deps.Idempotency,
			txlog,
			deps.Notifier,
			deps.Metrics,
			a.cfg.Idempotency.Lease.Duration,
			a.logger,
		),
		dashboards: service.NewDashboardService(deps.Plantations, deps.Analyses, deps.Balances, deps.Listings),
	}
}

// ServerMode serves the HTTP API and the websocket feed.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// WorkerMode consumes the analyses stream and runs the archive schedule.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorkers(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// FullMode runs the server and the workers in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)
	a.startWorkers(ctx, g, deps, svc)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// startHTTPServer adds the HTTP server and the websocket hub to g. The
// server drains in-flight requests for up to the configured shutdown
// timeout once ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, deps.Metrics.WSClients, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(deps.Checks, a.logger),
		Status:      handler.NewStatusHandler(a.cfg.Mode, a.cfg.Store.Backend, a.cfg.Idempotency.Backend),
		Analyses:    handler.NewAnalysisHandler(svc.ingestor, deps.Analyses, a.logger),
		Plantations: handler.NewPlantationHandler(deps.Plantations, svc.dashboards, a.logger),
		Balances:    handler.NewBalanceHandler(svc.ledger, a.logger),
		Listings:    handler.NewListingHandler(svc.registry, a.logger),
		Trades:      handler.NewTradeHandler(svc.engine, a.logger),
		Audit:       handler.NewAuditHandler(deps.Audit, a.logger),
		Metrics:     deps.Metrics.Handler(),
		WS:          hub,
	}, deps.RateLimiter, deps.Metrics.ObserveHTTP, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startWorkers adds the analyses consumer and, when archiving is enabled,
// the archive schedule to g.
func (a *App) startWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	if a.cfg.Ingest.Enabled {
		consumer := service.NewAnalysisConsumer(
			deps.SignalBus,
			svc.ingestor,
			a.cfg.Ingest.BatchSize,
			a.cfg.Ingest.PollInterval.Duration,
			a.cfg.Ingest.StartID,
			a.logger,
		)
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "analysis ingest disabled")
	}

	if deps.Archiver != nil {
		job := pipeline.NewArchiveJob(deps.Archiver, deps.LockManager, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			return job.RunCron(ctx, a.cfg.Archive.Cron)
		})
	} else {
		a.logger.InfoContext(ctx, "archive disabled")
	}
}

func logModeDone(logger *slog.Logger, mode string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mode exited with error", slog.String("mode", mode), slog.String("error", err.Error()))
		return
	}
	logger.Info("mode stopped", slog.String("mode", mode))
}
