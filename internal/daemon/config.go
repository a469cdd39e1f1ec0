// Package daemon wires the engine together: configuration, storage, the
// negotiation service, the sweeper, and the HTTP server lifecycle.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's TOML configuration.
type Config struct {
	API      APIConfig      `toml:"api"`
	Database DatabaseConfig `toml:"database"`
	Session  SessionConfig  `toml:"session"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Logging  LoggingConfig  `toml:"logging"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig locates the sqlite data directory.
type DatabaseConfig struct {
	Dir string `toml:"dir"`
}

// SessionConfig carries the negotiation policy knobs. Durations are strings
// ("10m", "2h") so the TOML stays human-editable.
type SessionConfig struct {
	DefaultSLA    string `toml:"default_sla"`
	MaxSLA        string `toml:"max_sla"`
	ExtensionStep string `toml:"extension_step"`
	MaxExtensions int    `toml:"max_extensions"`
}

// SweeperConfig controls the deadline sweeper.
type SweeperConfig struct {
	Interval   string `toml:"interval"`
	WarnWithin string `toml:"warn_within"`
}

// LedgerConfig controls token settlement.
type LedgerConfig struct {
	CommissionTokens int64 `toml:"commission_tokens"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8270,
		},
		Database: DatabaseConfig{
			Dir: "", // resolved to <home>/.dalali at open time
		},
		Session: SessionConfig{
			DefaultSLA:    "10m",
			MaxSLA:        "2h",
			ExtensionStep: "2m",
			MaxExtensions: 2,
		},
		Sweeper: SweeperConfig{
			Interval:   "30s",
			WarnWithin: "2m",
		},
		Ledger: LedgerConfig{
			CommissionTokens: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the TOML file at path, falling back to defaults for a
// missing file. Fields absent from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DataDir resolves the sqlite directory, defaulting to ~/.dalali. The
// DALALI_HOME environment variable overrides both.
func (c Config) DataDir() (string, error) {
	if env := os.Getenv("DALALI_HOME"); env != "" {
		return env, nil
	}
	if c.Database.Dir != "" {
		return c.Database.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".dalali"), nil
}

// parseDuration parses raw, falling back when empty or malformed.
func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
