// Package config loads server configuration: defaults -> TOML file -> env
// vars (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Observer ObserverConfig `toml:"observer"`
}

type ServerConfig struct {
	Listen    string `toml:"listen"`
	AuthToken string `toml:"auth_token"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type EngineConfig struct {
	// TTLDays is the retention in days, from ttl_days or TTL_DURATION.
	// cmd/bitpart does not pass it to the engine, which reads TTL_DURATION
	// itself; a value set only in the TOML file has no effect on retention.
	TTLDays int64 `toml:"ttl_days"`
	// LowDataMode is the low-data flag, from low_data_mode or LOW_DATA_MODE.
	// As with TTLDays, the engine reads LOW_DATA_MODE itself and this field
	// is not passed to it.
	LowDataMode bool `toml:"low_data_mode"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Listen: ":8080"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "bitpart.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "bitpart.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("BITPART_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("BITPART_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("BITPART_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("BITPART_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BITPART_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("TTL_DURATION"); v != "" {
		if days, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.TTLDays = days
		}
	}
	if v := os.Getenv("LOW_DATA_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.LowDataMode = b
		}
	}
	if v := os.Getenv("BITPART_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
