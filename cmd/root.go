// Package cmd implements the autoria-ingest command line.
package cmd

import (
	"autoria-ingest/config"
	"autoria-ingest/utils"
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool

	// cfg is loaded once by the root command before any subcommand runs.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "autoria-ingest",
		Short:         "Scheduled AUTO.RIA listing ingestion",
		Long:          `Discovers used-car listings on AUTO.RIA, stores them in PostgreSQL and takes daily database snapshots.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if debug {
				loaded.LogLevel = "debug"
				loaded.LogDevelopment = true
			}
			if err := utils.InitLogger(loaded.LogLevel, loaded.LogDevelopment); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			cfg = loaded
			return nil
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (optional; environment and .env override it)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging with console output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(dumpCmd)
}
