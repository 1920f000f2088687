// Package config defines the top-level configuration for the market engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ENGINE_* environment
// variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection parameters. An empty DSN runs
// the engine on the in-memory store.
type DatabaseConfig struct {
	DSN          string `toml:"dsn"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
}

// RedisConfig holds Redis read-cache parameters. Disabled runs the engine
// straight against the store.
type RedisConfig struct {
	Enabled  bool     `toml:"enabled"`
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	TTL      duration `toml:"ttl"`
}

// EngineConfig holds market-maker and scheduler parameters.
type EngineConfig struct {
	// Beta is the cost-function responsiveness parameter; must be > 0.
	Beta float64 `toml:"beta"`

	// DefaultStartingFunds and DefaultInitialYesProbability seed market
	// creation when the operator omits them.
	DefaultStartingFunds         float64 `toml:"default_starting_funds"`
	DefaultInitialYesProbability float64 `toml:"default_initial_yes_probability"`

	// TickInterval is how often the internal scheduler evaluates market
	// schedules. Zero disables the loop (external cron only).
	TickInterval duration `toml:"tick_interval"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			DSN:          "",
			PoolMaxConns: 10,
			PoolMinConns: 2,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
			TTL:     duration{5 * time.Second},
		},
		Engine: EngineConfig{
			Beta:                         0.01,
			DefaultStartingFunds:         100,
			DefaultInitialYesProbability: 0.5,
			TickInterval:                 duration{30 * time.Second},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Database.DSN != "" {
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 {
			errs = append(errs, "database: pool_min_conns must be >= 0")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.TTL.Duration <= 0 {
			errs = append(errs, "redis: ttl must be > 0 when enabled")
		}
	}

	if c.Engine.Beta <= 0 {
		errs = append(errs, fmt.Sprintf("engine: beta must be > 0, got %g", c.Engine.Beta))
	}
	if c.Engine.DefaultStartingFunds < 0 {
		errs = append(errs, "engine: default_starting_funds must be >= 0")
	}
	if c.Engine.DefaultInitialYesProbability <= 0 || c.Engine.DefaultInitialYesProbability >= 1 {
		errs = append(errs, fmt.Sprintf("engine: default_initial_yes_probability must be in (0,1), got %g",
			c.Engine.DefaultInitialYesProbability))
	}
	if c.Engine.TickInterval.Duration < 0 {
		errs = append(errs, "engine: tick_interval must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
