// Package config defines the greenledger configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file over
// Defaults() and may be overridden by GREENLEDGER_* environment variables.
type Config struct {
	Store       StoreConfig       `toml:"store"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	Idempotency IdempotencyConfig `toml:"idempotency"`
	Ingest      IngestConfig      `toml:"ingest"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// StoreConfig picks where ledger state lives: "postgres" or "memory".
type StoreConfig struct {
	Backend string `toml:"backend"`
}

type PostgresConfig struct {
	DSN            string   `toml:"dsn"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	SSLMode        string   `toml:"ssl_mode"`
	PoolMaxConns   int      `toml:"pool_max_conns"`
	PoolMinConns   int      `toml:"pool_min_conns"`
	ConnectTimeout duration `toml:"connect_timeout"`
	RunMigrations  bool     `toml:"run_migrations"`
}

// RedisConfig enables the event bus, distributed locks and rate limiting.
// With Enabled false the process uses in-memory equivalents.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// IdempotencyConfig controls trade idempotency records. Backend is
// "postgres", "redis" or "memory". Lease is how long a pending record
// belongs to the request that reserved it; TTL bounds how long Redis keeps
// completed records.
type IdempotencyConfig struct {
	Backend string   `toml:"backend"`
	Lease   duration `toml:"lease"`
	TTL     duration `toml:"ttl"`
}

// IngestConfig drives the worker that consumes the analyses stream.
type IngestConfig struct {
	Enabled      bool     `toml:"enabled"`
	BatchSize    int      `toml:"batch_size"`
	PollInterval duration `toml:"poll_interval"`
	StartID      string   `toml:"start_id"`
}

type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules copying old trades and audit rows to S3.
type ArchiveConfig struct {
	Enabled              bool   `toml:"enabled"`
	Cron                 string `toml:"cron"`
	RetentionDays        int    `toml:"retention_days"`
	Prefix               string `toml:"prefix"`
	MultipartThresholdMB int    `toml:"multipart_threshold_mb"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QuietPeriod       duration `toml:"quiet_period"`
}

// duration lets TOML carry durations as strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs against local Postgres and
// Redis.
func Defaults() Config {
	return Config{
		Store: StoreConfig{Backend: "postgres"},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "greenledger",
			User:           "postgres",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   2,
			ConnectTimeout: duration{10 * time.Second},
			RunMigrations:  true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "greenledger:",
		},
		Idempotency: IdempotencyConfig{
			Backend: "postgres",
			Lease:   duration{30 * time.Second},
			TTL:     duration{7 * 24 * time.Hour},
		},
		Ingest: IngestConfig{
			Enabled:      true,
			BatchSize:    100,
			PollInterval: duration{time.Second},
			StartID:      "0",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "greenledger-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:              false,
			Cron:                 "0 0 3 * * *",
			RetentionDays:        90,
			Prefix:               "archive",
			MultipartThresholdMB: 64,
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       600,
			RateWindow:      duration{time.Minute},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Notify: NotifyConfig{
			Events:      []string{"integrity_violation", "settlement_failure"},
			QuietPeriod: duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStores = map[string]bool{"postgres": true, "memory": true}

var validIdempotency = map[string]bool{"postgres": true, "redis": true, "memory": true}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !validStores[c.Store.Backend] {
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: postgres, memory)", c.Store.Backend))
	}
	if c.Store.Backend == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}
	if c.Store.Backend == "memory" && mode == "worker" {
		errs = append(errs, "store: a worker process cannot share a memory store with a server; use postgres or mode full")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	} else if mode == "worker" && c.Ingest.Enabled {
		errs = append(errs, "redis: must be enabled for a standalone worker to consume the analyses stream")
	}

	if !validIdempotency[c.Idempotency.Backend] {
		errs = append(errs, fmt.Sprintf("idempotency: unknown backend %q (valid: postgres, redis, memory)", c.Idempotency.Backend))
	}
	switch c.Idempotency.Backend {
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "idempotency: backend redis requires redis.enabled")
		}
	case "postgres":
		if c.Store.Backend != "postgres" {
			errs = append(errs, "idempotency: backend postgres requires store.backend postgres")
		}
	}
	if c.Idempotency.Lease.Duration <= 0 {
		errs = append(errs, "idempotency: lease must be > 0")
	}
	if c.Idempotency.Backend == "redis" && c.Idempotency.TTL.Duration < c.Idempotency.Lease.Duration {
		errs = append(errs, "idempotency: ttl must not be shorter than lease")
	}

	if c.Ingest.Enabled {
		if c.Ingest.BatchSize < 1 {
			errs = append(errs, "ingest: batch_size must be >= 1")
		}
		if c.Ingest.PollInterval.Duration <= 0 {
			errs = append(errs, "ingest: poll_interval must be > 0")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archive is enabled")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if mode != "worker" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
