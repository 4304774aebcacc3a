// Command fieldsync copies field-service entities from a REST API into a
// relational store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/sync"
)

var (
	// Version is set at build time.
	Version = "dev"

	cfgFile    string
	v          *viper.Viper
	cfg        *config.Config
	logger     *slog.Logger
	logCleanup = func() error { return nil }
)

// Flags bound to configuration keys. Only flags set on the command line
// override the file and environment.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-file":     "log.file",
	"driver":       "store.driver",
	"db":           "store.dsn",
	"entity-types": "sync.entity_types",
	"concurrency":  "sync.concurrency",
	"page-size":    "sync.page_size",
	"fallback":     "fallback.enabled",
}

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Sync field-service data into a relational store",
	Long: `fieldsync pulls customers, jobs, estimates, invoices, tickets and files
from a field-service REST API and upserts them into SQLite or PostgreSQL.

Entity types are synced in dependency order so every reference can be
resolved to a stored row. When the API refuses authentication, synthetic
data is generated instead so downstream consumers keep working.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New()
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return usageError(fmt.Errorf("bind --%s: %w", name, err))
				}
			}
		}

		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return usageError(err)
		}

		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return usageError(err)
		}
		logger, logCleanup = logging.Setup(logging.Options{Level: level, File: cfg.Log.File, Stderr: cmd.ErrOrStderr()})
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./fieldsync.yaml or ~/.config/fieldsync/fieldsync.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-file", "", "also write JSON logs to this file (rotated)")
	rootCmd.PersistentFlags().String("driver", db.DriverSQLite, "store driver: sqlite or postgres")
	rootCmd.PersistentFlags().String("db", "fieldsync.db", "sqlite file path or postgres connection string")
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: sync.ExitUsage, err: err}
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	// PersistentPostRun is skipped when a command fails, so close here.
	if cerr := logCleanup(); cerr != nil {
		fmt.Fprintf(stderr, "Warning: failed to close log file: %v\n", cerr)
	}
	logCleanup = func() error { return nil }
	if err == nil {
		return sync.ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return sync.ExitUsage
}

// openStore opens the configured store and creates the schema if needed.
func openStore(ctx context.Context, catalog *schema.Catalog) (*db.DB, error) {
	store, err := db.Open(ctx, db.Config{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		Logger:       logger,
	}, catalog)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
