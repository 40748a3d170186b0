package cmd

import (
	"autoria-ingest/config"
	"autoria-ingest/metrics"
	"autoria-ingest/scraper/autoria"
	"autoria-ingest/services"
	"autoria-ingest/storage"
	"autoria-ingest/utils"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// app holds the wired pipeline shared by the commands.
type app struct {
	cfg      *config.Config
	repo     storage.Repository
	job      *autoria.IngestionJob
	exporter services.Exporter
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*app, error) {
	a := &app{cfg: cfg}

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	if pg, ok := repo.(*storage.PostgresRepository); ok {
		a.closers = append(a.closers, pg.Close)
	}

	a.exporter, err = newExporter(cfg, repo)
	if err != nil {
		a.Close()
		return nil, err
	}

	transport, err := a.newTransport()
	if err != nil {
		a.Close()
		return nil, err
	}

	extractor, err := autoria.NewExtractor(cfg.BaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}

	pool := autoria.NewFetchPool(transport, autoria.FetchPoolConfig{
		Workers:           cfg.MaxWorkers,
		RequestTimeout:    cfg.RequestTimeout,
		MaxAttempts:       cfg.MaxRetries,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		MinJitter:         cfg.MinDelay,
		MaxJitter:         cfg.MaxDelay,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, m)

	enumerator, err := autoria.NewPageEnumerator(pool, extractor, cfg.StartURL, cfg.MaxPages, cfg.PageDelay)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.job = autoria.NewIngestionJob(pool, enumerator, extractor, repo, autoria.JobOptions{
		PhoneLookup: cfg.PhoneLookup,
		Timeout:     cfg.JobTimeout,
	}, m)

	utils.Info("Pipeline ready | storage=%s transport=%s workers=%d max_pages=%d",
		cfg.Storage, cfg.Transport, cfg.MaxWorkers, cfg.MaxPages)
	return a, nil
}

func (a *app) newTransport() (autoria.Transport, error) {
	referer := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/uk/"
	switch a.cfg.Transport {
	case config.TransportHTTP:
		client := &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: a.cfg.MaxWorkers,
				ForceAttemptHTTP2:   true,
			},
		}
		return autoria.NewHTTPTransport(client, referer), nil
	case config.TransportBrowser:
		bt := autoria.NewBrowserTransport(a.cfg.Headless)
		a.closers = append(a.closers, bt.Close)
		return bt, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", a.cfg.Transport)
	}
}

func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		utils.Warn("Using in-memory storage, records are lost on exit")
		return storage.NewMemoryRepository(), nil
	case config.StoragePostgres:
		repo, err := storage.NewPostgresRepository(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		utils.Success("Connected to PostgreSQL %s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}

func newExporter(cfg *config.Config, repo storage.Repository) (services.Exporter, error) {
	if cfg.Storage == config.StoragePostgres {
		return services.NewPGDumpExporter(cfg), nil
	}
	lister, ok := repo.(services.RecordLister)
	if !ok {
		return nil, errors.New("storage backend cannot be snapshotted")
	}
	return services.NewCSVExporter(lister, cfg.DumpDir), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
