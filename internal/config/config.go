// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment
// variables. Interval-style knobs are plain integers with unit-suffixed
// names; the accessor methods convert them to durations.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"10"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Event bus ────────────────────────────────────────────────────────────────
	// Empty REDIS_URL falls back to the structured-log notifier.
	RedisURL                     string `env:"REDIS_URL"`
	NotifyChannel                string `env:"NOTIFY_CHANNEL"                  envDefault:"timelapser:events"`
	NotifyAggregateWindowSeconds int    `env:"NOTIFY_AGGREGATE_WINDOW_SECONDS" envDefault:"5"`

	// ── Job queue ────────────────────────────────────────────────────────────────
	BatchSize          int   `env:"BATCH_SIZE"           envDefault:"5"`
	MaxConcurrentJobs  int   `env:"MAX_CONCURRENT_JOBS"  envDefault:"3"`
	MaxRetries         int   `env:"MAX_RETRIES"          envDefault:"3"`
	RetryDelaysMinutes []int `env:"RETRY_DELAYS_MINUTES" envDefault:"5,15,60"`

	// ── Scheduling ───────────────────────────────────────────────────────────────
	PollIntervalSeconds       int `env:"POLL_INTERVAL_SECONDS"        envDefault:"10"`
	RetryCheckIntervalSeconds int `env:"RETRY_CHECK_INTERVAL_SECONDS" envDefault:"60"`
	CleanupIntervalMinutes    int `env:"CLEANUP_INTERVAL_MINUTES"     envDefault:"60"`
	RecoveryIntervalMinutes   int `env:"RECOVERY_INTERVAL_MINUTES"    envDefault:"15"`
	JobTimeoutSeconds         int `env:"JOB_TIMEOUT_SECONDS"          envDefault:"120"`

	// ── Retention & recovery ─────────────────────────────────────────────────────
	StuckJobMaxAgeMinutes  int `env:"STUCK_JOB_MAX_AGE_MINUTES" envDefault:"30"`
	TerminalRetentionHours int `env:"TERMINAL_RETENTION_HOURS"  envDefault:"24"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RetryDelays converts RetryDelaysMinutes to durations.
func (c *Config) RetryDelays() []time.Duration {
	delays := make([]time.Duration, len(c.RetryDelaysMinutes))
	for i, m := range c.RetryDelaysMinutes {
		delays[i] = time.Duration(m) * time.Minute
	}
	return delays
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) RetryCheckInterval() time.Duration {
	return time.Duration(c.RetryCheckIntervalSeconds) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalMinutes) * time.Minute
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c *Config) StuckJobMaxAge() time.Duration {
	return time.Duration(c.StuckJobMaxAgeMinutes) * time.Minute
}

func (c *Config) TerminalRetention() time.Duration {
	return time.Duration(c.TerminalRetentionHours) * time.Hour
}

func (c *Config) NotifyAggregateWindow() time.Duration {
	return time.Duration(c.NotifyAggregateWindowSeconds) * time.Second
}
