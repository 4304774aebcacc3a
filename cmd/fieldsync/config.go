package main

import (
	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/config"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, FIELDSYNC_*
environment variables and flags have been applied. The API token is masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Write(cmd.OutOrStdout(), cfg.Redacted(), configFormat); err != nil {
			return usageError(err)
		}
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "output format: yaml or toml")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
