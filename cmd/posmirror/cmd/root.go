package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags at build time)
var (
	Version = "0.0.1-dev"
	Commit  = "unknown"
)

// CLI flags that override config file values
var (
	cfgFile       string
	logLevel      string
	logFormat     string
	batchSize     int
	flushInterval time.Duration
	dbPath        string
)

var rootCmd = &cobra.Command{
	Use:   "posmirror",
	Short: "Offline-first sync engine for the POS back office",
	Long: `posmirror keeps a local SQLite mirror of the back office tables in sync
with the authoritative remote database.

Features:
  - Bootstrap of every mirrored table from a remote snapshot
  - Durable outbox for local writes, flushed with retry and backoff
  - Realtime change feed applied idempotently to the mirror
  - Drift verification (count and SHA256) with repair
  - MySQL and PostgreSQL remote stores`,
	Version:      Version,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "posmirror.yaml",
		"Path to configuration file")

	// Logging overrides
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Override log format (json, text)")

	// Sync overrides
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", 0,
		"Override outbox flush batch size")
	rootCmd.PersistentFlags().DurationVar(&flushInterval, "flush-interval", 0,
		"Override outbox flush interval (e.g. 10s)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "",
		"Override local database path")
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// CLIOverrides contains flag values that override config file settings
type CLIOverrides struct {
	LogLevel      string
	LogFormat     string
	BatchSize     int
	FlushInterval time.Duration
	DBPath        string
}

// GetCLIOverrides returns the CLI flag override values
func GetCLIOverrides() CLIOverrides {
	return CLIOverrides{
		LogLevel:      logLevel,
		LogFormat:     logFormat,
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		DBPath:        dbPath,
	}
}
