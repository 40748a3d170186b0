package storage

import (
	"autoria-ingest/models"
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by FindByURL when no record has the URL.
var ErrNotFound = errors.New("record not found")

// UpsertResult tells whether an upsert created the record.
type UpsertResult struct {
	Inserted bool
}

// Repository stores one Record per URL.
//
// Upsert is atomic per record: concurrent upserts of the same URL leave
// exactly one record behind. On insert first_seen and last_seen are both
// seenAt; on update last_seen becomes seenAt, first_seen is kept, and every
// nil field of rec keeps the stored value.
type Repository interface {
	Upsert(ctx context.Context, rec models.Record, seenAt time.Time) (UpsertResult, error)
	Count(ctx context.Context) (int64, error)
	FindByURL(ctx context.Context, url string) (models.Record, error)
}
