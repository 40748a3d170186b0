package autoria

import (
	"autoria-ingest/metrics"
	"autoria-ingest/models"
	"autoria-ingest/storage"
	"autoria-ingest/utils"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Upserter is the write side of storage.Repository.
type Upserter interface {
	Upsert(ctx context.Context, rec models.Record, seenAt time.Time) (storage.UpsertResult, error)
}

type JobOptions struct {
	// PhoneLookup resolves seller phone numbers through the phone endpoint.
	PhoneLookup bool
	// Timeout bounds a whole run; 0 means no limit.
	Timeout time.Duration
	Now     func() time.Time
}

// IngestionJob is one complete pass over the catalog: enumerate result
// pages, fetch every listing, extract and upsert its record.
type IngestionJob struct {
	pool       *FetchPool
	enumerator *PageEnumerator
	extractor  *Extractor
	repo       Upserter
	opts       JobOptions
	metrics    *metrics.Metrics
}

func NewIngestionJob(pool *FetchPool, enumerator *PageEnumerator, extractor *Extractor, repo Upserter, opts JobOptions, m *metrics.Metrics) *IngestionJob {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &IngestionJob{
		pool:       pool,
		enumerator: enumerator,
		extractor:  extractor,
		repo:       repo,
		opts:       opts,
		metrics:    m,
	}
}

// runState is shared by the listing goroutines of one run.
type runState struct {
	mu     sync.Mutex
	counts models.RunCounts
	prices models.PriceSummary
}

func (s *runState) update(fn func(c *models.RunCounts, p *models.PriceSummary)) {
	s.mu.Lock()
	fn(&s.counts, &s.prices)
	s.mu.Unlock()
}

// Run executes one ingestion and always returns a completed JobRun.
//
// Listing URLs flow from the enumerator into the fetch pool as soon as each
// result page is parsed, so listing fetches overlap with enumeration. A
// listing that cannot be fetched or parsed is counted and skipped. A
// persistence failure cancels everything still in flight.
func (j *IngestionJob) Run(ctx context.Context) models.JobRun {
	run := models.JobRun{
		ID:        uuid.NewString(),
		Kind:      models.JobIngestion,
		StartedAt: j.opts.Now(),
		LastPage:  -1,
	}
	log := utils.L().With(zap.String("run_id", run.ID))
	log.Info("ingestion started")

	if j.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.opts.Timeout)
		defer cancel()
	}
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	urls := make(chan string, j.pool.Workers())
	var (
		cursor  PageCursor
		enumErr error
	)
	enumDone := make(chan struct{})
	go func() {
		defer close(enumDone)
		cursor, enumErr = j.enumerator.Run(ctx, urls)
	}()

	state := &runState{}
	g := new(errgroup.Group)
	g.SetLimit(j.pool.Workers())
	for res := range j.pool.Stream(ctx, urls) {
		state.update(func(c *models.RunCounts, _ *models.PriceSummary) { c.ListingsDiscovered++ })
		g.Go(func() error {
			if err := j.process(ctx, log, res, state); err != nil {
				abort(err)
				return err
			}
			return nil
		})
	}
	persistErr := g.Wait()
	<-enumDone

	run.Counts = state.counts
	run.Prices = state.prices
	run.Counts.PagesProcessed = cursor.Processed
	run.LastPage = cursor.LastPage()
	if cursor.Reason == StopMaxPagesReached {
		run.Diagnostic = fmt.Sprintf("stopped at the page limit (%d pages) before the end of results", cursor.MaxPages)
	}

	var ee *EnumerationError
	switch {
	case persistErr != nil:
		run.Outcome = models.OutcomeFailed
		run.Err = persistErr.Error()
	case errors.As(enumErr, &ee):
		run.Outcome = models.OutcomeFailed
		run.Err = ee.Error()
		run.LastPage = ee.LastPage
	case enumErr != nil:
		run.Outcome = models.OutcomeFailed
		run.Err = fmt.Sprintf("enumeration interrupted at page %d: %v", cursor.Page, enumErr)
	case ctx.Err() != nil:
		run.Outcome = models.OutcomePartial
		run.Err = fmt.Sprintf("run interrupted after enumeration: %v", context.Cause(ctx))
	case run.Counts.Failures() > 0 || run.Diagnostic != "":
		run.Outcome = models.OutcomePartial
	default:
		run.Outcome = models.OutcomeSuccess
	}

	run.FinishedAt = j.opts.Now()
	j.metrics.LastRunRecords(run.Counts.Upserted())

	fields := []zap.Field{
		zap.String("outcome", string(run.Outcome)),
		zap.Int("pages", run.Counts.PagesProcessed),
		zap.Int("listings", run.Counts.ListingsDiscovered),
		zap.Int("inserted", run.Counts.RecordsInserted),
		zap.Int("updated", run.Counts.RecordsUpdated),
		zap.Int("failures", run.Counts.Failures()),
		zap.Duration("took", run.Duration()),
	}
	if run.Err != "" {
		log.Error("ingestion finished", append(fields, zap.String("error", run.Err))...)
	} else {
		log.Info("ingestion finished", fields...)
	}
	return run
}

// process takes one fetched listing to storage. Only a *storage.PersistenceError
// is returned; every other failure is counted and logged.
func (j *IngestionJob) process(ctx context.Context, log *zap.Logger, res FetchResult, state *runState) error {
	if res.Err != nil {
		state.update(func(c *models.RunCounts, _ *models.PriceSummary) { c.FetchFailures++ })
		if ctx.Err() == nil {
			log.Warn("listing fetch failed", zap.String("url", res.URL), zap.Error(res.Err))
		}
		return nil
	}

	detail, err := j.extractor.ExtractRecord(res.URL, res.Body)
	if err != nil {
		state.update(func(c *models.RunCounts, _ *models.PriceSummary) { c.ParseFailures++ })
		log.Warn("listing parse failed", zap.String("url", res.URL), zap.Error(err))
		return nil
	}

	rec := detail.Record
	if j.opts.PhoneLookup && detail.PhoneLookupURL != "" {
		rec.PhoneNumber = j.lookupPhone(ctx, log, detail.PhoneLookupURL)
	}

	result, err := j.repo.Upsert(ctx, rec, j.opts.Now())
	if err != nil {
		state.update(func(c *models.RunCounts, _ *models.PriceSummary) { c.PersistFailures++ })
		j.metrics.Upsert("error")
		if ctx.Err() != nil {
			return nil
		}
		log.Error("upsert failed", zap.String("url", rec.URL), zap.Error(err))
		var pe *storage.PersistenceError
		if errors.As(err, &pe) {
			return err
		}
		return nil
	}

	state.update(func(c *models.RunCounts, p *models.PriceSummary) {
		if result.Inserted {
			c.RecordsInserted++
		} else {
			c.RecordsUpdated++
		}
		if rec.PriceUSD != nil {
			p.Add(*rec.PriceUSD)
		}
	})
	if result.Inserted {
		j.metrics.Upsert("inserted")
	} else {
		j.metrics.Upsert("updated")
	}
	return nil
}

// lookupPhone returns nil on any failure; the phone is optional.
func (j *IngestionJob) lookupPhone(ctx context.Context, log *zap.Logger, lookupURL string) *int64 {
	body, err := j.pool.Fetch(ctx, lookupURL)
	if err != nil {
		log.Debug("phone lookup failed", zap.String("url", lookupURL), zap.Error(err))
		return nil
	}
	n, err := j.extractor.ExtractPhone(lookupURL, body)
	if err != nil {
		log.Debug("phone response unreadable", zap.String("url", lookupURL), zap.Error(err))
		return nil
	}
	return &n
}
