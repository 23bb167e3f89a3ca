// Package config loads and validates callgate configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Environment names. Signature verification may only be bypassed in
// development; in production a missing webhook secret is fatal.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is the umbrella configuration object returned by Load and used
// throughout the application.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`

	// GlobalCap is the platform-wide concurrent call ceiling imposed by the
	// upstream voice provider.
	GlobalCap int `env:"GLOBAL_CAP" envDefault:"5"`

	// PhoneInboundEnabled is the master switch for inbound admission. When
	// false all inbound calls are rejected with PHONE_INBOUND_DISABLED and a
	// terminated_disabled session row is persisted.
	PhoneInboundEnabled bool `env:"PHONE_INBOUND_ENABLED" envDefault:"true"`

	// ProviderWebhookSecret is the shared secret for HMAC signature
	// verification of provider webhooks.
	ProviderWebhookSecret string `env:"PROVIDER_WEBHOOK_SECRET"`

	// StoreURL is the connection string for the shared in-memory store
	// holding the global capacity counters.
	StoreURL string `env:"STORE_URL" envDefault:"redis://localhost:6379/0"`

	// The unit-named knobs below are plain integers in the unit their name
	// declares, e.g. RECONCILE_INTERVAL_MINUTES=10.
	ReconcileIntervalMinutes int `env:"RECONCILE_INTERVAL_MINUTES" envDefault:"10"`
	StuckCallAgeMinutes      int `env:"STUCK_CALL_AGE_MINUTES" envDefault:"15"`

	// AvgCallDurationSeconds feeds the retry_after_ms hint attached to
	// capacity-exceeded rejections.
	AvgCallDurationSeconds int `env:"AVG_CALL_DURATION_SECONDS" envDefault:"180"`

	// WebhookTimeoutSeconds bounds each webhook invocation; expensive
	// downstream work runs off the critical path.
	WebhookTimeoutSeconds int `env:"WEBHOOK_TIMEOUT_SECONDS" envDefault:"10"`

	// WebhookEventRetentionHours is how long processed-event rows are kept
	// for duplicate detection before the sweep purges them.
	WebhookEventRetentionHours int `env:"WEBHOOK_EVENT_RETENTION_HOURS" envDefault:"48"`

	Database DatabaseConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"callgate"`
	Password string `env:"DB_PASSWORD" envDefault:"callgate"`
	Database string `env:"DB_NAME" envDefault:"callgate"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"5m"`
}

// Load parses configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that cannot be expressed as env tags.
func (c *Config) Validate() error {
	if c.GlobalCap <= 0 {
		return fmt.Errorf("GLOBAL_CAP must be positive, got %d", c.GlobalCap)
	}
	if c.Environment == EnvProduction && c.ProviderWebhookSecret == "" {
		return fmt.Errorf("PROVIDER_WEBHOOK_SECRET is required in production")
	}
	if c.ReconcileIntervalMinutes <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_MINUTES must be positive, got %d", c.ReconcileIntervalMinutes)
	}
	if c.StuckCallAgeMinutes <= 0 {
		return fmt.Errorf("STUCK_CALL_AGE_MINUTES must be positive, got %d", c.StuckCallAgeMinutes)
	}
	return nil
}

// ReconcileInterval is the periodic sweep cadence.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMinutes) * time.Minute
}

// StuckCallAge is how long a session may stay active before the sweep
// treats it as orphaned.
func (c *Config) StuckCallAge() time.Duration {
	return time.Duration(c.StuckCallAgeMinutes) * time.Minute
}

// WebhookTimeout is the per-invocation handler budget.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// WebhookEventRetention is the dedup-row retention window.
func (c *Config) WebhookEventRetention() time.Duration {
	return time.Duration(c.WebhookEventRetentionHours) * time.Hour
}

// IsProduction reports whether the process runs with production semantics.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// RetryAfter derives the retry hint attached to capacity rejections from the
// configured average call duration.
func (c *Config) RetryAfter() time.Duration {
	return time.Duration(c.AvgCallDurationSeconds) * time.Second / 2
}
