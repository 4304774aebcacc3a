package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/schema"
)

var initDBCmd = &cobra.Command{
	Use:     "init-db",
	GroupID: "maint",
	Short:   "Create the store schema",
	Long: `Create entity tables, sync_job_state and sync_lock if they do not exist.

Running it again is harmless. "fieldsync run" also creates the schema on
first use.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), schema.DefaultCatalog())
		if err != nil {
			return usageError(fmt.Errorf("initialize store: %w", err))
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		r := report.New(out, report.FormatText, report.ColorEnabled(out))
		fmt.Fprintf(out, "%s Schema ready (%s)\n", r.RenderPass("✓"), store.Driver())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
