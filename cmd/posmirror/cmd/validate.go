package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dbsmedya/posmirror/internal/config"
	"github.com/dbsmedya/posmirror/internal/database"
	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/preflight"
)

var (
	validatePrint       bool
	validatePing        bool
	validateSkipJournal bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and optionally test connections",
	Long: `Validate checks the configuration file and, with --ping, that both the
local and the remote database are reachable.

Checks performed:
  - Configuration syntax and required fields
  - Table selection against the mirrored tables
  - Database connectivity (with --ping)
  - Mirrored tables and change journal triggers on the remote (with --ping)

Example:
  posmirror validate --config posmirror.yaml
  posmirror validate --print --ping`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validatePrint, "print", false,
		"Print the effective configuration as YAML (password redacted)")
	validateCmd.Flags().BoolVar(&validatePing, "ping", false,
		"Connect to the local and remote databases and run remote preflight checks")
	validateCmd.Flags().BoolVar(&validateSkipJournal, "skip-journal", false,
		"Do not require the change journal during --ping")

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	configFile := GetConfigFile()

	fmt.Fprintf(w, "\n=== Configuration Validation ===\n")
	fmt.Fprintf(w, "Config file: %s\n", configFile)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(w, "❌ %v\n", err)
		return fmt.Errorf("configuration is invalid")
	}

	tables, err := mirror.DefaultRegistry().Resolve(cfg.Sync.Tables)
	if err != nil {
		fmt.Fprintf(w, "❌ sync.tables: %v\n", err)
		return fmt.Errorf("configuration is invalid")
	}
	fmt.Fprintf(w, "Remote: %s\n", cfg.Remote.Driver)
	fmt.Fprintf(w, "Tables mirrored: %d\n", len(tables))
	fmt.Fprintf(w, "✅ Configuration is valid\n")

	if validatePrint {
		fmt.Fprintln(w)
		if err := printConfig(w, cfg); err != nil {
			return err
		}
	}

	if validatePing {
		log, err := logger.New(&cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := pingDatabases(context.Background(), cfg, log, tables, validateSkipJournal); err != nil {
			fmt.Fprintf(w, "❌ %v\n", err)
			return fmt.Errorf("connection check failed")
		}
		fmt.Fprintf(w, "✅ Local and remote databases reachable\n")
		fmt.Fprintf(w, "✅ Remote preflight checks passed\n")
	}

	fmt.Fprintln(w, "\n=== Validation Complete ===")
	return nil
}

func printConfig(w io.Writer, cfg *config.Config) error {
	redacted := *cfg
	if redacted.Remote.Password != "" {
		redacted.Remote.Password = "********"
	}
	if redacted.Remote.DSN != "" {
		redacted.Remote.DSN = "********"
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func pingDatabases(ctx context.Context, cfg *config.Config, log *logger.Logger, tables []string, skipJournal bool) error {
	dbManager := database.NewManager(cfg, log)
	if err := dbManager.Connect(ctx); err != nil {
		return err
	}
	defer dbManager.Close()
	if err := dbManager.Ping(ctx); err != nil {
		return err
	}

	remote := dbManager.RemoteSQL
	if dbManager.RemotePool != nil {
		remote = stdlib.OpenDBFromPool(dbManager.RemotePool)
		defer remote.Close()
	}
	return runPreflight(ctx, remote, cfg.Remote.Driver, log, tables, skipJournal)
}

func runPreflight(ctx context.Context, db *sql.DB, driver string, log *logger.Logger, tables []string, skipJournal bool) error {
	dialect, err := preflight.DialectFor(driver)
	if err != nil {
		return err
	}
	checker, err := preflight.NewChecker(db, dialect, log)
	if err != nil {
		return err
	}
	return checker.RunAllChecks(ctx, tables, skipJournal)
}
