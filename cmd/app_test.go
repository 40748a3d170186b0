package cmd

import (
	"autoria-ingest/config"
	"autoria-ingest/services"
	"autoria-ingest/storage"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	c := config.DefaultConfig()
	c.Storage = config.StorageMemory
	c.DumpDir = t.TempDir()
	return c
}

func TestNewAppWithMemoryStorage(t *testing.T) {
	a, err := newApp(context.Background(), memoryConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.job)
	assert.IsType(t, &storage.MemoryRepository{}, a.repo)
	assert.IsType(t, &services.CSVExporter{}, a.exporter)
}

func TestNewAppRejectsUnknownTransport(t *testing.T) {
	c := memoryConfig(t)
	c.Transport = "carrier-pigeon"

	_, err := newApp(context.Background(), c, nil)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestNewExporterForPostgres(t *testing.T) {
	c := config.DefaultConfig()
	exp, err := newExporter(c, nil)
	require.NoError(t, err)

	pg, ok := exp.(*services.PGDumpExporter)
	require.True(t, ok)
	assert.Equal(t, c.DBName, pg.Database)
	assert.Equal(t, c.DumpDir, pg.Dir)
}
