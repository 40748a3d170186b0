package storage

import (
	"autoria-ingest/config"
	"autoria-ingest/models"
	"autoria-ingest/utils"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cars (
	id             BIGSERIAL PRIMARY KEY,
	url            TEXT NOT NULL UNIQUE,
	title          TEXT,
	price_usd      BIGINT,
	odometer       BIGINT,
	username       TEXT,
	phone_number   BIGINT,
	image_url      TEXT,
	images_count   INTEGER,
	car_number     TEXT,
	car_vin        TEXT,
	fuel_type      TEXT,
	transmission   TEXT,
	engine_volume  TEXT,
	drive_type     TEXT,
	datetime_found TIMESTAMPTZ NOT NULL,
	last_seen_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cars_datetime_found ON cars(datetime_found);
CREATE INDEX IF NOT EXISTS idx_cars_last_seen_at ON cars(last_seen_at);
`

// upsertSQL keeps datetime_found on conflict and never replaces a stored
// value with NULL. xmax is 0 only for a freshly inserted row version.
const upsertSQL = `
INSERT INTO cars (url, title, price_usd, odometer, username, phone_number,
	image_url, images_count, car_number, car_vin,
	fuel_type, transmission, engine_volume, drive_type,
	datetime_found, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
ON CONFLICT (url) DO UPDATE SET
	title         = COALESCE(EXCLUDED.title, cars.title),
	price_usd     = COALESCE(EXCLUDED.price_usd, cars.price_usd),
	odometer      = COALESCE(EXCLUDED.odometer, cars.odometer),
	username      = COALESCE(EXCLUDED.username, cars.username),
	phone_number  = COALESCE(EXCLUDED.phone_number, cars.phone_number),
	image_url     = COALESCE(EXCLUDED.image_url, cars.image_url),
	images_count  = COALESCE(EXCLUDED.images_count, cars.images_count),
	car_number    = COALESCE(EXCLUDED.car_number, cars.car_number),
	car_vin       = COALESCE(EXCLUDED.car_vin, cars.car_vin),
	fuel_type     = COALESCE(EXCLUDED.fuel_type, cars.fuel_type),
	transmission  = COALESCE(EXCLUDED.transmission, cars.transmission),
	engine_volume = COALESCE(EXCLUDED.engine_volume, cars.engine_volume),
	drive_type    = COALESCE(EXCLUDED.drive_type, cars.drive_type),
	last_seen_at  = EXCLUDED.last_seen_at
RETURNING (xmax = 0) AS inserted
`

const selectSQL = `
SELECT url, title, price_usd, odometer, username, phone_number,
	image_url, images_count, car_number, car_vin,
	fuel_type, transmission, engine_volume, drive_type,
	datetime_found, last_seen_at
FROM cars
WHERE url = $1
`

// PostgresRepository is the Repository backed by the cars table.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	retry utils.RetryPolicy
}

func NewPostgresRepository(ctx context.Context, cfg *config.Config) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	return NewPostgresRepositoryFromPool(pool), nil
}

// NewPostgresRepositoryFromPool wraps an existing pool. The repository takes
// ownership and closes it on Close.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{
		pool: pool,
		retry: utils.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Retryable:   isTransientPgError,
		},
	}
}

func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec models.Record, seenAt time.Time) (UpsertResult, error) {
	url := strings.TrimSpace(rec.URL)
	if url == "" {
		return UpsertResult{}, errors.New("upsert: record has no url")
	}

	var inserted bool
	policy := r.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		utils.L().Warn("upsert failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	out := utils.Retry(ctx, policy, func(ctx context.Context, _ int) error {
		return r.pool.QueryRow(ctx, upsertSQL,
			url,
			rec.Title,
			rec.PriceUSD,
			rec.OdometerMeters,
			rec.SellerName,
			rec.PhoneNumber,
			rec.ImageURL,
			rec.ImagesCount,
			rec.PlateNumber,
			rec.VIN,
			rec.FuelType,
			rec.Transmission,
			rec.EngineVolume,
			rec.DriveType,
			seenAt,
		).Scan(&inserted)
	})
	if out.Err != nil {
		if ctx.Err() != nil {
			return UpsertResult{}, ctx.Err()
		}
		return UpsertResult{}, &PersistenceError{Op: "upsert", URL: url, Attempts: out.Attempts, Err: out.Err}
	}

	return UpsertResult{Inserted: inserted}, nil
}

func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cars`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cars: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) FindByURL(ctx context.Context, url string) (models.Record, error) {
	var rec models.Record
	err := r.pool.QueryRow(ctx, selectSQL, url).Scan(
		&rec.URL,
		&rec.Title,
		&rec.PriceUSD,
		&rec.OdometerMeters,
		&rec.SellerName,
		&rec.PhoneNumber,
		&rec.ImageURL,
		&rec.ImagesCount,
		&rec.PlateNumber,
		&rec.VIN,
		&rec.FuelType,
		&rec.Transmission,
		&rec.EngineVolume,
		&rec.DriveType,
		&rec.FirstSeenAt,
		&rec.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, ErrNotFound
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("find %s: %w", url, err)
	}
	return rec, nil
}

// isTransientPgError reports failures that a second attempt can fix:
// connection loss, timeouts, serialization conflicts and admin shutdowns.
func isTransientPgError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return true
		}
	}
	return false
}
