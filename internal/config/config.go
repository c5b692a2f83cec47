// Package config loads runtime configuration from environment
// variables. The node's store directory and listen/downstream addresses
// stay positional on the command line; everything tunable lives here.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all environment-driven settings.
type Config struct {
	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// DatabaseURL overrides the sqlite file under the store directory.
	// Set it to postgres://... for larger deployments.
	DatabaseURL string `env:"DATABASE_URL"`

	// AdminAddr enables the admin HTTP endpoint (health, stats,
	// metrics, recent log lines) when non-empty, e.g. ":9090".
	AdminAddr string `env:"ADMIN_ADDR"`

	// StoreMaxConns sizes the durable backend's connection pool.
	StoreMaxConns int `env:"STORE_MAX_CONNS" envDefault:"4"`

	// PoolCheckoutTimeout bounds a subscriber's pool checkout.
	PoolCheckoutTimeout time.Duration `env:"POOL_CHECKOUT_TIMEOUT" envDefault:"5s"`

	// SubscribeWait is one blocking interval for a caught-up
	// subscriber before it retests the log.
	SubscribeWait time.Duration `env:"SUBSCRIBE_WAIT" envDefault:"1s"`

	// BusyRetrySleep is the pause between retries of a transiently
	// busy/locked store operation.
	BusyRetrySleep time.Duration `env:"BUSY_RETRY_SLEEP" envDefault:"1ms"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
