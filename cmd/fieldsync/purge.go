package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/schema"
)

var purgeCmd = &cobra.Command{
	Use:     "purge-synthetic",
	GroupID: "maint",
	Short:   "Delete all synthetic rows",
	Long: `Delete every row written by the synthetic fallback generator.

Rows are removed children first in a single transaction. Rows synced from
the API are never touched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		catalog := schema.DefaultCatalog()
		store, err := openStore(ctx, catalog)
		if err != nil {
			return usageError(fmt.Errorf("open store: %w", err))
		}
		defer store.Close()

		removed, err := store.PurgeSynthetic(ctx)
		if err != nil {
			return usageError(err)
		}

		out := cmd.OutOrStdout()
		r := report.New(out, report.FormatText, report.ColorEnabled(out))
		var total int64
		for _, t := range catalog.Order() {
			if n := removed[t]; n > 0 {
				fmt.Fprintf(out, "   %s: %d\n", t, n)
				total += n
			}
		}
		fmt.Fprintf(out, "%s Removed %d synthetic rows\n", r.RenderPass("✓"), total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}
