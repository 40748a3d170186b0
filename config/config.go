package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	TransportHTTP    = "http"
	TransportBrowser = "browser"
)

type Config struct {
	// Catalog
	StartURL  string        `yaml:"start_url"`
	BaseURL   string        `yaml:"base_url"`
	MaxPages  int           `yaml:"max_pages"`
	PageDelay time.Duration `yaml:"page_delay"`

	// Fetching
	Transport         string        `yaml:"transport"`
	Headless          bool          `yaml:"headless"`
	MaxWorkers        int           `yaml:"max_workers"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	MinDelay          time.Duration `yaml:"min_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	PhoneLookup       bool          `yaml:"phone_lookup"`
	JobTimeout        time.Duration `yaml:"job_timeout"`

	// Scheduling
	IngestAt        ClockTime     `yaml:"ingest_at"`
	SnapshotAt      ClockTime     `yaml:"snapshot_at"`
	RunOnStart      bool          `yaml:"run_on_start"`
	SnapshotOnStart bool          `yaml:"snapshot_on_start"`
	Timezone        string        `yaml:"timezone"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`

	// Snapshot
	DumpDir    string `yaml:"dump_dir"`
	PgDumpPath string `yaml:"pg_dump_path"`

	// Storage
	Storage    string `yaml:"storage"`
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`
	DBMaxConns int32  `yaml:"db_max_conns"`

	// Observability
	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

func DefaultConfig() *Config {
	return &Config{
		StartURL:  "https://auto.ria.com/uk/search/?indexName=auto&page=0&size=100",
		BaseURL:   "https://auto.ria.com",
		MaxPages:  500,
		PageDelay: time.Second,

		Transport:         TransportHTTP,
		Headless:          true,
		MaxWorkers:        15,
		RequestTimeout:    30 * time.Second,
		MaxRetries:        3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     60 * time.Second,
		MinDelay:          200 * time.Millisecond,
		MaxDelay:          600 * time.Millisecond,
		RequestsPerSecond: 0,
		PhoneLookup:       true,

		IngestAt:        ClockTime{Hour: 12},
		SnapshotAt:      ClockTime{Hour: 12},
		RunOnStart:      true,
		SnapshotOnStart: false,
		Timezone:        "Local",
		StopGracePeriod: 30 * time.Second,

		DumpDir:    "dumps",
		PgDumpPath: "pg_dump",

		Storage:    StoragePostgres,
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "autoria_user",
		DBPassword: "autoria_password",
		DBName:     "autoria",
		DBSSLMode:  "disable",
		DBMaxConns: 20,

		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order. .env files are read before the environment is
// consulted; variables already set in the process are never overwritten.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	envString("START_URL", &cfg.StartURL)
	envString("BASE_URL", &cfg.BaseURL)
	errs = append(errs,
		envInt("MAX_PAGES", &cfg.MaxPages),
		envDuration("PAGE_DELAY", &cfg.PageDelay),
	)

	envString("TRANSPORT", &cfg.Transport)
	errs = append(errs,
		envBool("HEADLESS", &cfg.Headless),
		envInt("NUM_WORKERS", &cfg.MaxWorkers),
		envDuration("REQUEST_TIMEOUT", &cfg.RequestTimeout),
		envInt("MAX_RETRIES", &cfg.MaxRetries),
		envDuration("RETRY_BASE_DELAY", &cfg.RetryBaseDelay),
		envDuration("RETRY_MAX_DELAY", &cfg.RetryMaxDelay),
		envDuration("MIN_DELAY", &cfg.MinDelay),
		envDuration("MAX_DELAY", &cfg.MaxDelay),
		envFloat("REQUESTS_PER_SECOND", &cfg.RequestsPerSecond),
		envBool("PHONE_LOOKUP", &cfg.PhoneLookup),
		envDuration("JOB_TIMEOUT", &cfg.JobTimeout),
		envClock("SCRAPE_TIME", &cfg.IngestAt),
		envClock("DUMP_TIME", &cfg.SnapshotAt),
		envBool("RUN_ON_START", &cfg.RunOnStart),
		envBool("SNAPSHOT_ON_START", &cfg.SnapshotOnStart),
		envDuration("STOP_GRACE_PERIOD", &cfg.StopGracePeriod),
	)
	envString("TZ_NAME", &cfg.Timezone)
	envString("DUMP_DIR", &cfg.DumpDir)
	envString("PG_DUMP_PATH", &cfg.PgDumpPath)

	envString("STORAGE", &cfg.Storage)
	envString("DB_HOST", &cfg.DBHost)
	envString("DB_USER", &cfg.DBUser)
	envString("DB_PASSWORD", &cfg.DBPassword)
	envString("DB_NAME", &cfg.DBName)
	envString("DB_SSLMODE", &cfg.DBSSLMode)
	errs = append(errs, envInt("DB_PORT", &cfg.DBPort))

	envString("LOG_LEVEL", &cfg.LogLevel)
	errs = append(errs, envBool("LOG_DEVELOPMENT", &cfg.LogDevelopment))
	envString("METRICS_ADDR", &cfg.MetricsAddr)

	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(key string, dst *int) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envClock(key string, dst *ClockTime) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	t, err := ParseClockTime(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = t
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.StartURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("start_url %q is not an absolute URL", c.StartURL))
	}
	if c.MaxPages < 1 {
		errs = append(errs, errors.New("max_pages must be at least 1"))
	}
	if c.MaxWorkers < 1 {
		errs = append(errs, errors.New("max_workers must be at least 1"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries must be at least 1"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.MaxDelay < c.MinDelay {
		errs = append(errs, errors.New("max_delay must not be lower than min_delay"))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests_per_second must not be negative"))
	}
	if c.Transport != TransportHTTP && c.Transport != TransportBrowser {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Storage != StorageMemory && c.Storage != StoragePostgres {
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	if err := c.IngestAt.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest_at: %w", err))
	}
	if err := c.SnapshotAt.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("snapshot_at: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}

	return errors.Join(errs...)
}

// Location resolves the timezone the daily triggers are expressed in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// DSN is the libpq URL for the configured database.
func (c *Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}
