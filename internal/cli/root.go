// Package cli implements the dalali command-line interface. Most commands
// talk to a running daemon over its HTTP API; `dalali serve` starts one.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dalali-network/dalali/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dalali",
	Short: "Agent negotiation session engine",
	Long: `Dalali runs bounded negotiation sessions between requester agents and
vendor fan-outs: quotes come in, one gets selected before the deadline, and
the broker's commission settles from the token ledger.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"Path to the TOML config file")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configured TOML file (missing file means defaults).
func loadConfig() (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// apiBase returns the daemon's base URL from config.
func apiBase() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.API.Addr(), nil
}

// defaultConfigPath returns ~/.dalali/config.toml, or DALALI_HOME/config.toml
// when the env var is set.
func defaultConfigPath() string {
	if env := os.Getenv("DALALI_HOME"); env != "" {
		return filepath.Join(env, "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".dalali", "config.toml")
}
