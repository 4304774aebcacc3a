package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/credentials"
	"github.com/fieldsync/fieldsync/internal/db"
	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/source"
	"github.com/fieldsync/fieldsync/internal/sync"
)

var (
	runSince  string
	runDryRun bool
	runFormat string
	runID     string
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Sync entity types from the API into the store",
	Long: `Sync the selected entity types (all by default) from the API.

Phases run in dependency order:
  customers -> jobs -> estimates -> invoices -> tickets -> files

Exit codes:
  0  every phase completed
  1  partial: the root completed but other phases failed or were skipped
  2  degraded: the API refused authentication and synthetic data was written
  3  failed: the root phase failed and no fallback applied
  4  usage, configuration or infrastructure error

Examples:
  fieldsync run
  fieldsync run --entity-types=customers,jobs --since="2 days ago"
  fieldsync run --dry-run --format=json`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	runCmd.Flags().StringSlice("entity-types", nil, "entity types to sync (default all)")
	runCmd.Flags().Int("concurrency", 16, "maximum concurrent API requests")
	runCmd.Flags().Int("page-size", 100, "records requested per page")
	runCmd.Flags().Bool("fallback", true, "generate synthetic data when the API refuses authentication")
	runCmd.Flags().StringVar(&runSince, "since", "", `only records changed since (RFC3339, YYYY-MM-DD or "3 days ago")`)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "fetch and map without writing anything")
	runCmd.Flags().StringVar(&runFormat, "format", "text", "report format: text, json, yaml or toml")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run id (default a new UUID)")
	rootCmd.AddCommand(runCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(runFormat)
	if err != nil {
		return usageError(err)
	}
	since, err := config.ParseSince(runSince, time.Now())
	if err != nil {
		return usageError(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog := schema.DefaultCatalog()
	if _, err := catalog.Select(cfg.Sync.EntityTypes); err != nil {
		return usageError(err)
	}

	remote, err := newRemoteSource(ctx, catalog, since)
	if err != nil {
		return usageError(err)
	}

	var store *db.DB
	if !runDryRun {
		store, err = openStore(ctx, catalog)
		if err != nil {
			return usageError(fmt.Errorf("open store: %w", err))
		}
		defer store.Close()
	}

	var fallback source.Source
	if cfg.Fallback.Enabled {
		fallback = source.NewSyntheticSource(catalog, cfg.Fallback.Seed, cfg.Fallback.RecordsPerType)
	}

	s, err := sync.New(sync.Config{
		Catalog:                 catalog,
		Source:                  remote,
		Fallback:                fallback,
		Store:                   store,
		Concurrency:             cfg.Sync.Concurrency,
		PageSize:                cfg.Sync.PageSize,
		ErrorThreshold:          cfg.Sync.ErrorThreshold,
		LockStaleAfter:          cfg.Sync.LockStaleAfter,
		PurgeSyntheticOnSuccess: cfg.Fallback.PurgeOnSuccess,
		Logger:                  logger,
	})
	if err != nil {
		return usageError(err)
	}

	rep, err := s.Run(ctx, sync.RunOptions{RunID: runID, EntityTypes: cfg.Sync.EntityTypes, DryRun: runDryRun})
	if errors.Is(err, db.ErrLocked) {
		return usageError(fmt.Errorf("another sync is running: %w", err))
	}
	if err != nil {
		return usageError(err)
	}

	out := cmd.OutOrStdout()
	if err := report.New(out, format, report.ColorEnabled(out)).Run(rep); err != nil {
		return usageError(fmt.Errorf("render report: %w", err))
	}
	if code := rep.ExitCode(); code != sync.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

func newRemoteSource(ctx context.Context, catalog *schema.Catalog, since time.Time) (*source.RemoteSource, error) {
	var provider credentials.TokenProvider = credentials.Static(cfg.API.Token)
	if cfg.API.TokenSecretID != "" {
		sm, err := credentials.LoadSecretsManager(ctx, cfg.API.TokenSecretID, cfg.API.AWSRegion, logger)
		if err != nil {
			return nil, err
		}
		provider = sm
	}
	token, err := provider.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve api token: %w", err)
	}

	endpoints, err := cfg.Endpoints(catalog)
	if err != nil {
		return nil, err
	}
	return source.NewRemoteSource(source.RemoteConfig{
		BaseURL:       cfg.API.BaseURL,
		Token:         token,
		TenantID:      cfg.API.TenantID,
		TenantHeader:  cfg.API.TenantHeader,
		UserAgent:     "fieldsync/" + Version,
		Endpoints:     endpoints,
		Since:         since,
		SinceParam:    cfg.API.SinceParam,
		MaxAttempts:   cfg.API.MaxAttempts,
		MaxRetryAfter: cfg.API.MaxRetryAfter,
		HTTPClient:    &http.Client{Timeout: cfg.API.Timeout},
		Logger:        logger,
	})
}
