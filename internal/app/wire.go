package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	s3blob "github.com/leafline/greenledger/internal/blob/s3"
	"github.com/leafline/greenledger/internal/cache/redis"
	"github.com/leafline/greenledger/internal/config"
	"github.com/leafline/greenledger/internal/domain"
	"github.com/leafline/greenledger/internal/metrics"
	"github.com/leafline/greenledger/internal/notify"
	"github.com/leafline/greenledger/internal/pipeline"
	"github.com/leafline/greenledger/internal/server/handler"
	"github.com/leafline/greenledger/internal/store/memory"
	"github.com/leafline/greenledger/internal/store/postgres"
)

const streamMaxLen = 100_000

// Dependencies bundles every domain-level dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	UnitOfWork  domain.UnitOfWork
	Balances    domain.BalanceStore
	Listings    domain.ListingStore
	Trades      domain.TradeStore
	Analyses    domain.AnalysisStore
	Plantations domain.PlantationStore
	Idempotency domain.IdempotencyStore
	Audit       domain.AuditStore

	// Coordination. LockManager and RateLimiter are nil without Redis.
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Archiver is nil unless archiving is enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks are probed by the health endpoint.
	Checks []handler.Check
}

// Wire constructs the concrete implementations selected by cfg and returns
// them with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- Ledger state ---
	var pgClient *postgres.Client
	switch cfg.Store.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			ApplicationName: "greenledger-" + cfg.Mode,
			ConnectTimeout:  cfg.Postgres.ConnectTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		p := pg.Pool()
		deps.UnitOfWork = postgres.NewUnitOfWork(p)
		deps.Balances = postgres.NewBalanceStore(p)
		deps.Listings = postgres.NewListingStore(p)
		deps.Trades = postgres.NewTradeStore(p)
		deps.Analyses = postgres.NewAnalysisStore(p)
		deps.Plantations = postgres.NewPlantationStore(p)
		deps.Audit = postgres.NewAuditStore(p)
		deps.Checks = append(deps.Checks, handler.Check{Name: "postgres", Probe: pg.Ping})
		pgClient = pg
	case "memory":
		logger.Warn("using in-memory ledger state, nothing survives a restart")
		mem := memory.New()
		deps.UnitOfWork = mem
		deps.Balances = mem
		deps.Listings = mem
		deps.Trades = mem
		deps.Analyses = mem
		deps.Plantations = mem
		deps.Audit = memory.NewAuditStore()
	default:
		return fail(fmt.Errorf("wire: unknown store backend %q", cfg.Store.Backend))
	}

	// --- Redis ---
	var rc *redis.Client
	if cfg.Redis.Enabled {
		var err error
		rc, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.SignalBus = redis.NewSignalBus(rc, streamMaxLen)
		deps.LockManager = redis.NewLockManager(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc, cfg.Server.RateLimit, cfg.Server.RateWindow.Duration)
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Probe: rc.Ping})
	} else {
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- Idempotency records ---
	switch cfg.Idempotency.Backend {
	case "postgres":
		if pgClient == nil {
			return fail(errors.New("wire: postgres idempotency needs the postgres store"))
		}
		deps.Idempotency = postgres.NewIdempotencyStore(pgClient.Pool())
	case "redis":
		if rc == nil {
			return fail(errors.New("wire: redis idempotency needs redis enabled"))
		}
		deps.Idempotency = redis.NewIdempotencyStore(rc, cfg.Idempotency.TTL.Duration)
	case "memory":
		deps.Idempotency = memory.NewIdempotencyStore()
	default:
		return fail(fmt.Errorf("wire: unknown idempotency backend %q", cfg.Idempotency.Backend))
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled {
		if err := pipeline.ValidateCron(cfg.Archive.Cron); err != nil {
			return fail(fmt.Errorf("wire: archive: %w", err))
		}
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3c),
			s3blob.NewReader(s3c),
			deps.Trades,
			deps.Audit,
			s3blob.ArchiverConfig{
				Prefix:             cfg.Archive.Prefix,
				MultipartThreshold: int64(cfg.Archive.MultipartThresholdMB) << 20,
				OnArchive:          deps.Metrics.Archived,
			},
			logger,
		)
		deps.Checks = append(deps.Checks, handler.Check{Name: "s3", Probe: s3c.Health})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.QuietPeriod.Duration, logger)

	return deps, cleanup, nil
}
