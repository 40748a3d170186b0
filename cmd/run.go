package cmd

import (
	"autoria-ingest/metrics"
	"autoria-ingest/models"
	"autoria-ingest/scheduler"
	"autoria-ingest/services"
	"autoria-ingest/utils"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daily ingestion and snapshot schedule until interrupted",
	RunE:  runScheduler,
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer utils.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a, err := newApp(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer a.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	sched := scheduler.New(loc,
		scheduler.WithMetrics(m),
		scheduler.WithOnFinish(services.PrintRunReport),
	)
	specs := []scheduler.JobSpec{
		{Kind: models.JobIngestion, At: cfg.IngestAt, Run: a.job.Run, RunOnStart: cfg.RunOnStart},
		{Kind: models.JobSnapshot, At: cfg.SnapshotAt, Run: services.SnapshotJob(a.exporter, nil), RunOnStart: cfg.SnapshotOnStart},
	}
	for _, spec := range specs {
		if err := sched.RegisterJob(spec); err != nil {
			return err
		}
	}

	srv := serveMetrics(cfg.MetricsAddr, m)

	utils.Section("Scheduler")
	utils.Info("Ingestion daily at %s, snapshot daily at %s (%s)", cfg.IngestAt, cfg.SnapshotAt, loc)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	utils.Section("Shutting down")

	stopErr := sched.Stop(cfg.StopGracePeriod)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			utils.Warn("Metrics server shutdown: %v", err)
		}
	}

	services.RenderHistory(os.Stdout, sched.History())
	return stopErr
}

// serveMetrics exposes /metrics on addr. An empty addr disables it.
func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.L().Error("metrics server stopped", zap.Error(err))
		}
	}()
	utils.Info("Metrics listening on %s/metrics", addr)
	return srv
}
