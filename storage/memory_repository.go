package storage

import (
	"autoria-ingest/models"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository keeps records in a map. It is the dev-mode backend and
// the repository used by tests.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]models.Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]models.Record)}
}

func (r *MemoryRepository) Upsert(ctx context.Context, rec models.Record, seenAt time.Time) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	rec.URL = strings.TrimSpace(rec.URL)
	if rec.URL == "" {
		return UpsertResult{}, errors.New("upsert: record has no url")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prior, exists := r.records[rec.URL]
	if !exists {
		rec.FirstSeenAt = seenAt
		rec.LastSeenAt = seenAt
		r.records[rec.URL] = rec
		return UpsertResult{Inserted: true}, nil
	}

	merged := rec.Merge(prior)
	merged.FirstSeenAt = prior.FirstSeenAt
	merged.LastSeenAt = seenAt
	r.records[rec.URL] = merged
	return UpsertResult{}, nil
}

func (r *MemoryRepository) Count(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records)), nil
}

func (r *MemoryRepository) FindByURL(_ context.Context, url string) (models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[url]
	if !ok {
		return models.Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns every record ordered by URL.
func (r *MemoryRepository) List(context.Context) ([]models.Record, error) {
	r.mu.Lock()
	out := make([]models.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}
