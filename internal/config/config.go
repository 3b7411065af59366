// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every tunable of the gasbank daemon. Defaults suit local
// development; production deployments set the corresponding environment
// variables.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`

	// PostgresDSN empty means the in-memory store.
	PostgresDSN string `env:"POSTGRES_DSN"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	SettlementPollInterval    time.Duration `env:"SETTLEMENT_POLL_INTERVAL,default=15s"`
	SettlementResolverTimeout time.Duration `env:"SETTLEMENT_RESOLVER_TIMEOUT,default=5m"`
	SettlementMaxAttempts     int           `env:"SETTLEMENT_MAX_ATTEMPTS,default=5"`

	// ScheduleSweepSpec is a cron spec for the out-of-band schedule
	// activation sweep; the settlement poller also activates schedules on
	// every tick.
	ScheduleSweepSpec  string `env:"SCHEDULE_SWEEP_SPEC,default=@every 1m"`
	ScheduleSweepLimit int    `env:"SCHEDULE_SWEEP_LIMIT,default=100"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}
