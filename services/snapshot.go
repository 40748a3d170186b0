package services

import (
	"autoria-ingest/config"
	"autoria-ingest/models"
	"autoria-ingest/storage"
	"autoria-ingest/utils"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stampLayout = "20060102_150405"

// Exporter produces one snapshot artifact and returns its path.
type Exporter interface {
	Export(ctx context.Context) (string, error)
}

// CommandRunner runs an external program with extra environment variables
// and returns its standard error.
type CommandRunner func(ctx context.Context, name string, args, env []string) (stderr []byte, err error)

func execRunner(ctx context.Context, name string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// PGDumpExporter writes a plain SQL dump of the database with pg_dump.
type PGDumpExporter struct {
	Binary   string
	Dir      string
	Host     string
	Port     int
	User     string
	Password string
	Database string

	Runner CommandRunner
	Now    func() time.Time
}

func NewPGDumpExporter(cfg *config.Config) *PGDumpExporter {
	return &PGDumpExporter{
		Binary:   cfg.PgDumpPath,
		Dir:      cfg.DumpDir,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		Runner:   execRunner,
		Now:      time.Now,
	}
}

// Export runs pg_dump into Dir/autoria_dump_YYYYMMDD_HHMMSS.sql. The password
// travels in PGPASSWORD, never on the command line. A failed dump leaves no
// file behind.
func (e *PGDumpExporter) Export(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return "", fmt.Errorf("could not create dump dir: %w", err)
	}
	path := filepath.Join(e.Dir, fmt.Sprintf("autoria_dump_%s.sql", e.Now().Format(stampLayout)))

	binary := e.Binary
	if binary == "" {
		binary = "pg_dump"
	}
	args := []string{
		"-h", e.Host,
		"-p", strconv.Itoa(e.Port),
		"-U", e.User,
		"-d", e.Database,
		"-F", "p",
		"-f", path,
	}

	stderr, err := e.Runner(ctx, binary, args, []string{"PGPASSWORD=" + e.Password})
	if err != nil {
		os.Remove(path)
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			return "", fmt.Errorf("pg_dump failed: %w", err)
		}
		return "", fmt.Errorf("pg_dump failed: %w: %s", err, msg)
	}
	return path, nil
}

// RecordLister is implemented by repositories that can enumerate records.
type RecordLister interface {
	List(ctx context.Context) ([]models.Record, error)
}

// CSVExporter snapshots an in-memory repository as CSV. It stands in for
// pg_dump when the storage backend is memory.
type CSVExporter struct {
	repo RecordLister
	dir  string
	Now  func() time.Time
}

func NewCSVExporter(repo RecordLister, dir string) *CSVExporter {
	return &CSVExporter{repo: repo, dir: dir, Now: time.Now}
}

func (e *CSVExporter) Export(ctx context.Context) (string, error) {
	records, err := e.repo.List(ctx)
	if err != nil {
		return "", fmt.Errorf("list records: %w", err)
	}
	path := filepath.Join(e.dir, fmt.Sprintf("autoria_records_%s.csv", e.Now().Format(stampLayout)))
	if err := storage.NewCSVWriter(path).Write(records); err != nil {
		return "", err
	}
	return path, nil
}

// SnapshotJob adapts an exporter to a scheduled job.
func SnapshotJob(exp Exporter, now func() time.Time) func(ctx context.Context) models.JobRun {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) models.JobRun {
		run := models.JobRun{
			ID:        uuid.NewString(),
			Kind:      models.JobSnapshot,
			StartedAt: now(),
			LastPage:  -1,
		}
		log := utils.L().With(zap.String("run_id", run.ID))
		log.Info("snapshot started")

		path, err := exp.Export(ctx)
		run.FinishedAt = now()
		if err != nil {
			run.Outcome = models.OutcomeFailed
			run.Err = err.Error()
			log.Error("snapshot failed", zap.Error(err))
			return run
		}

		run.Outcome = models.OutcomeSuccess
		run.Artifact = path
		log.Info("snapshot written", zap.String("path", path), zap.Duration("took", run.Duration()))
		return run
	}
}
