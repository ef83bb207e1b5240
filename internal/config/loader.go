package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults() and applies
// GREENLEDGER_* overrides. An empty path skips the file. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Store.Backend, "GREENLEDGER_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GREENLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "GREENLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GREENLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GREENLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GREENLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GREENLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GREENLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GREENLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GREENLEDGER_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnectTimeout, "GREENLEDGER_POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "GREENLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "GREENLEDGER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "GREENLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GREENLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GREENLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GREENLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GREENLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GREENLEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "GREENLEDGER_REDIS_KEY_PREFIX")

	// ── Idempotency ──
	setStr(&cfg.Idempotency.Backend, "GREENLEDGER_IDEMPOTENCY_BACKEND")
	setDuration(&cfg.Idempotency.Lease, "GREENLEDGER_IDEMPOTENCY_LEASE")
	setDuration(&cfg.Idempotency.TTL, "GREENLEDGER_IDEMPOTENCY_TTL")

	// ── Ingest ──
	setBool(&cfg.Ingest.Enabled, "GREENLEDGER_INGEST_ENABLED")
	setInt(&cfg.Ingest.BatchSize, "GREENLEDGER_INGEST_BATCH_SIZE")
	setDuration(&cfg.Ingest.PollInterval, "GREENLEDGER_INGEST_POLL_INTERVAL")
	setStr(&cfg.Ingest.StartID, "GREENLEDGER_INGEST_START_ID")

	// ── S3 / archive ──
	setStr(&cfg.S3.Endpoint, "GREENLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GREENLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "GREENLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GREENLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GREENLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GREENLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GREENLEDGER_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "GREENLEDGER_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "GREENLEDGER_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "GREENLEDGER_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Prefix, "GREENLEDGER_ARCHIVE_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "GREENLEDGER_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setStringSlice(&cfg.Server.CORSOrigins, "GREENLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GREENLEDGER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "GREENLEDGER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "GREENLEDGER_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.ShutdownTimeout, "GREENLEDGER_SERVER_SHUTDOWN_TIMEOUT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GREENLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GREENLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GREENLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GREENLEDGER_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.QuietPeriod, "GREENLEDGER_NOTIFY_QUIET_PERIOD")

	setStr(&cfg.Mode, "GREENLEDGER_MODE")
	setStr(&cfg.LogLevel, "GREENLEDGER_LOG_LEVEL")
}

// Each helper leaves dst alone when the variable is unset, empty or
// unparsable.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
