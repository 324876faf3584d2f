// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Startup fails if any field tagged "required" is missing or a queue is
// tuned into an impossible state.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Webhook queue ────────────────────────────────────────────────────────────
	WebhookPollInterval   time.Duration `env:"WEBHOOK_POLL_INTERVAL"   envDefault:"1s"`
	WebhookBatchSize      int           `env:"WEBHOOK_BATCH_SIZE"      envDefault:"20"`
	WebhookStaleThreshold time.Duration `env:"WEBHOOK_STALE_THRESHOLD" envDefault:"5m"`
	WebhookMaxAttempts    int           `env:"WEBHOOK_MAX_ATTEMPTS"    envDefault:"5"`
	WebhookBackoffBase    time.Duration `env:"WEBHOOK_BACKOFF_BASE"    envDefault:"1s"`
	WebhookBackoffCap     time.Duration `env:"WEBHOOK_BACKOFF_CAP"     envDefault:"30s"`

	// ── Media queue ──────────────────────────────────────────────────────────────
	MediaPollInterval   time.Duration `env:"MEDIA_POLL_INTERVAL"   envDefault:"10s"`
	MediaBatchSize      int           `env:"MEDIA_BATCH_SIZE"      envDefault:"2"`
	MediaStaleThreshold time.Duration `env:"MEDIA_STALE_THRESHOLD" envDefault:"30m"`
	MediaMaxAttempts    int           `env:"MEDIA_MAX_ATTEMPTS"    envDefault:"5"`
	MediaBackoffBase    time.Duration `env:"MEDIA_BACKOFF_BASE"    envDefault:"2s"`
	MediaBackoffCap     time.Duration `env:"MEDIA_BACKOFF_CAP"     envDefault:"300s"`
	MediaNotReadyDelay  time.Duration `env:"MEDIA_NOT_READY_DELAY" envDefault:"10s"`

	// StaleCheckInterval is how often both pools sweep for abandoned locks.
	StaleCheckInterval time.Duration `env:"STALE_CHECK_INTERVAL" envDefault:"1m"`

	// ── LiveKit ──────────────────────────────────────────────────────────────────
	// Empty secret rejects every inbound webhook.
	LiveKitWebhookSecret string `env:"LIVEKIT_WEBHOOK_SECRET"`
	LiveKitAPIURL        string `env:"LIVEKIT_API_URL"`
	LiveKitAPIKey        string `env:"LIVEKIT_API_KEY"`
	LiveKitAPISecret     string `env:"LIVEKIT_API_SECRET"`

	// ── Object storage ───────────────────────────────────────────────────────────
	StorageEndpoint   string        `env:"STORAGE_ENDPOINT"`
	StorageAccessKey  string        `env:"STORAGE_ACCESS_KEY"`
	StorageSecretKey  string        `env:"STORAGE_SECRET_KEY"`
	StorageRegion     string        `env:"STORAGE_REGION"      envDefault:"us-east-1"`
	StorageUseSSL     bool          `env:"STORAGE_USE_SSL"     envDefault:"true"`
	StoragePublicURL  string        `env:"STORAGE_PUBLIC_URL"`
	SignedURLTTL      time.Duration `env:"SIGNED_URL_TTL"      envDefault:"15m"`
	MediaSourceBucket string        `env:"MEDIA_SOURCE_BUCKET" envDefault:"course-media"`
	MediaPublicBucket string        `env:"MEDIA_PUBLIC_BUCKET" envDefault:"public-media"`
	KnownBuckets      []string      `env:"STORAGE_KNOWN_BUCKETS" envDefault:"course-media,public-media,lesson-media" envSeparator:","`

	// ── Transcoding ──────────────────────────────────────────────────────────────
	FFmpegPath   string `env:"FFMPEG_PATH"    envDefault:"ffmpeg"`
	FFprobePath  string `env:"FFPROBE_PATH"   envDefault:"ffprobe"`
	MediaTempDir string `env:"MEDIA_TEMP_DIR"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"pipeline@aveli.localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`
	// Empty disables terminal-failure alerts.
	AlertEmailTo []string `env:"ALERT_EMAIL_TO" envSeparator:","`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	// Comma-separated CIDRs of trusted reverse proxies; empty = no proxy.
	TrustedProxies            string        `env:"TRUSTED_PROXIES"`
	RateLimitEvictTTL         time.Duration `env:"RATE_LIMIT_EVICT_TTL"          envDefault:"15m"`
	WebhookRateLimitPerMinute int           `env:"WEBHOOK_RATE_LIMIT_PER_MINUTE" envDefault:"600"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects queue tuning that cannot work.
func (c *Config) Validate() error {
	var errs []error
	check := func(name string, batch, maxAttempts int, base, limit, poll time.Duration) {
		if batch <= 0 {
			errs = append(errs, fmt.Errorf("%s batch size must be positive, got %d", name, batch))
		}
		if maxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("%s max attempts must be positive, got %d", name, maxAttempts))
		}
		if base <= 0 || limit < base {
			errs = append(errs, fmt.Errorf("%s backoff needs 0 < base <= cap, got base=%s cap=%s", name, base, limit))
		}
		if poll <= 0 {
			errs = append(errs, fmt.Errorf("%s poll interval must be positive, got %s", name, poll))
		}
	}
	check("webhook", c.WebhookBatchSize, c.WebhookMaxAttempts, c.WebhookBackoffBase, c.WebhookBackoffCap, c.WebhookPollInterval)
	check("media", c.MediaBatchSize, c.MediaMaxAttempts, c.MediaBackoffBase, c.MediaBackoffCap, c.MediaPollInterval)
	if c.WebhookRateLimitPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("webhook rate limit must be positive, got %d", c.WebhookRateLimitPerMinute))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// StorageEnabled reports whether an object store endpoint is configured.
func (c *Config) StorageEnabled() bool {
	return c.StorageEndpoint != ""
}
