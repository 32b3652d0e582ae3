// Package cmd implements the CLI commands for speedarr.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/speedarr/speedarr/internal/config"
	"github.com/speedarr/speedarr/internal/observability"
	"github.com/speedarr/speedarr/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// cfg is the validated configuration, loaded in PersistentPreRunE so
// every subcommand sees the same snapshot.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "speedarr",
	Short:   "Bandwidth arbitration for media streams and download clients",
	Version: version.Short(),
	Long: `speedarr watches a Plex server and a set of download client daemons,
and continuously adjusts each client's speed limits so active streams
always have the bandwidth they need.

Ended streams keep their bandwidth reserved for a resume window, an
optional SNMP probe subtracts other household traffic, and per-tick
decisions are recorded to a local SQLite database.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Assigned here rather than in the composite literal to avoid an
	// initialization cycle (initRuntime refers back to rootCmd).
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initRuntime()
	}

	// These flags are NOT bound to viper. They override config/env only
	// when explicitly set, checked via Changed(), which preserves the
	// priority: CLI flag > env var > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/speedarr, $HOME/.speedarr)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initRuntime loads the configuration and installs the default logger.
func initRuntime() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		loaded.Logging.Level = normalizeLevel(level)
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		loaded.Logging.Format = strings.ToLower(format)
	}

	logger := observability.NewLoggerWithWriter(loaded.Logging, os.Stderr)
	observability.SetDefault(logger)

	cfg = loaded
	return nil
}

func normalizeLevel(level string) string {
	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}
	return level
}

func logger() *slog.Logger {
	return slog.Default()
}
