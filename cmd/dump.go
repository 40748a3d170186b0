package cmd

import (
	"autoria-ingest/config"
	"autoria-ingest/models"
	"autoria-ingest/services"
	"autoria-ingest/utils"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Write one database snapshot now and exit",
	RunE:  runDump,
}

func runDump(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer utils.Sync()

	// A fresh memory repository is always empty.
	if cfg.Storage != config.StoragePostgres {
		return errors.New("dump needs storage=postgres")
	}

	run := services.SnapshotJob(services.NewPGDumpExporter(cfg), nil)(ctx)
	services.PrintRunReport(run)
	if run.Outcome != models.OutcomeSuccess {
		return fmt.Errorf("snapshot failed: %s", run.Err)
	}
	return nil
}
