package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/schema"
	"github.com/fieldsync/fieldsync/internal/tracker"
)

var (
	statusRunID  string
	statusFormat string
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync job state",
	Long: `Show the recorded state of sync phases.

Without --run-id, the most recent state of every entity type is shown,
which may come from different runs. With --run-id, every phase of that run
is shown, followed by its synthetic fallback phases if any.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := report.ParseFormat(statusFormat)
		if err != nil {
			return usageError(err)
		}
		ctx := cmd.Context()
		store, err := openStore(ctx, schema.DefaultCatalog())
		if err != nil {
			return usageError(fmt.Errorf("open store: %w", err))
		}
		defer store.Close()

		var states []tracker.State
		if statusRunID == "" {
			states, err = tracker.Latest(ctx, store)
		} else {
			states, err = tracker.NewStore(store, statusRunID).History(ctx)
			if err == nil {
				var fb []tracker.State
				fb, err = tracker.NewStore(store, statusRunID+":synthetic").History(ctx)
				states = append(states, fb...)
			}
		}
		if err != nil {
			return usageError(err)
		}

		out := cmd.OutOrStdout()
		return report.New(out, format, report.ColorEnabled(out)).Status(report.FromStates(statusRunID, states))
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "show one run instead of the latest state per entity type")
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text, json, yaml or toml")
	rootCmd.AddCommand(statusCmd)
}
