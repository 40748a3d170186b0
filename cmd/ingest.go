package cmd

import (
	"autoria-ingest/metrics"
	"autoria-ingest/models"
	"autoria-ingest/services"
	"autoria-ingest/utils"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	ingestMaxPages int
	ingestWorkers  int
	ingestNoPhones bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass now and exit",
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().IntVar(&ingestMaxPages, "max-pages", 0, "override max_pages for this run")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 0, "override max_workers for this run")
	ingestCmd.Flags().BoolVar(&ingestNoPhones, "no-phones", false, "skip the phone lookup")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer utils.Sync()

	if ingestMaxPages > 0 {
		cfg.MaxPages = ingestMaxPages
	}
	if ingestWorkers > 0 {
		cfg.MaxWorkers = ingestWorkers
	}
	if ingestNoPhones {
		cfg.PhoneLookup = false
	}

	a, err := newApp(ctx, cfg, metrics.New(nil))
	if err != nil {
		return err
	}
	defer a.Close()

	utils.Section("Ingestion")
	run := a.job.Run(ctx)
	services.PrintRunReport(run)

	if run.Outcome == models.OutcomeFailed {
		return fmt.Errorf("ingestion failed: %s", run.Err)
	}
	if total, err := a.repo.Count(ctx); err == nil {
		utils.Success("Repository holds %d listings", total)
	}
	return nil
}
