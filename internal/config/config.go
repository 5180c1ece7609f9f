// Package config provides configuration for the trust game server.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int `env:"HTTP_PORT" envDefault:"3001"`

	// Storage
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:trustgame.db?mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"`
	RedisURL    string `env:"REDIS_URL"`

	// Game parameters
	Horizon            int     `env:"HORIZON" envDefault:"5"`
	K                  int     `env:"K" envDefault:"3"`
	InvestorEndowment  int     `env:"INVESTOR_ENDOWMENT" envDefault:"10"`
	InvesteeEndowment  int     `env:"INVESTEE_ENDOWMENT" envDefault:"5"`
	UnitToDollarRatio  float64 `env:"UNIT_TO_DOLLAR_RATIO" envDefault:"0.1"`
	LookAhead          int     `env:"LOOKAHEAD" envDefault:"4"`
	ComprehensionLimit int     `env:"COMPREHENSION_LIMIT" envDefault:"2"`

	// Worker pool
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	LockDuration      time.Duration `env:"LOCK_DURATION" envDefault:"100s"`
	LockRenewTime     time.Duration `env:"LOCK_RENEW_TIME" envDefault:"50s"`
	StalledInterval   time.Duration `env:"STALLED_INTERVAL" envDefault:"100s"`

	// Decision oracle
	OracleMode    string        `env:"ORACLE_MODE" envDefault:"heuristic"`
	OracleURL     string        `env:"ORACLE_URL" envDefault:"http://localhost:8070"`
	OracleTimeout time.Duration `env:"ORACLE_TIMEOUT" envDefault:"90s"`

	// Rate limiting of session-scoped endpoints, per user
	PollRateLimit float64 `env:"POLL_RATE_LIMIT" envDefault:"5"`
	PollRateBurst int     `env:"POLL_RATE_BURST" envDefault:"10"`

	// Logging
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	DebugStateInterval time.Duration `env:"DEBUG_STATE_INTERVAL" envDefault:"0s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the game and worker parameters are usable.
func (c *Config) Validate() error {
	switch {
	case c.Horizon <= 0:
		return fmt.Errorf("HORIZON must be positive, got %d", c.Horizon)
	case c.K <= 0:
		return fmt.Errorf("K must be positive, got %d", c.K)
	case c.InvestorEndowment < 0 || c.InvesteeEndowment < 0:
		return fmt.Errorf("endowments must be non-negative")
	case c.WorkerConcurrency <= 0:
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	case c.LockDuration <= 0:
		return fmt.Errorf("LOCK_DURATION must be positive")
	case c.LockRenewTime <= 0 || c.LockRenewTime >= c.LockDuration:
		return fmt.Errorf("LOCK_RENEW_TIME must be positive and shorter than LOCK_DURATION")
	case c.StalledInterval <= 0:
		return fmt.Errorf("STALLED_INTERVAL must be positive")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
