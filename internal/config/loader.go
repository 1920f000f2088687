package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ENGINE_* environment variable overrides, and
// returns the final Config. A missing file is not an error; defaults plus
// environment apply. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "ENGINE_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.DSN, "ENGINE_DATABASE_DSN")
	setInt(&cfg.Database.PoolMaxConns, "ENGINE_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ENGINE_DATABASE_POOL_MIN_CONNS")

	setBool(&cfg.Redis.Enabled, "ENGINE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ENGINE_REDIS_DB")
	setDuration(&cfg.Redis.TTL, "ENGINE_REDIS_TTL")

	setFloat64(&cfg.Engine.Beta, "ENGINE_BETA")
	setFloat64(&cfg.Engine.DefaultStartingFunds, "ENGINE_DEFAULT_STARTING_FUNDS")
	setFloat64(&cfg.Engine.DefaultInitialYesProbability, "ENGINE_DEFAULT_INITIAL_YES_PROBABILITY")
	setDuration(&cfg.Engine.TickInterval, "ENGINE_TICK_INTERVAL")

	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
