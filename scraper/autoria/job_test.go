package autoria

import (
	"autoria-ingest/metrics"
	"autoria-ingest/models"
	"autoria-ingest/storage"
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobFixture struct {
	cat  *fakeCatalog
	pool *FetchPool
	enum *PageEnumerator
	repo *storage.MemoryRepository
}

func newJobFixture(t *testing.T, workers, maxPages int, pages ...[]int) *jobFixture {
	t.Helper()
	cat := newFakeCatalog(pages...)
	pool := NewFetchPool(cat, fastPoolConfig(workers), nil)
	return &jobFixture{
		cat:  cat,
		pool: pool,
		enum: newTestEnumerator(t, pool, maxPages),
		repo: storage.NewMemoryRepository(),
	}
}

func (f *jobFixture) job(t *testing.T, repo Upserter, opts JobOptions) *IngestionJob {
	t.Helper()
	if repo == nil {
		repo = f.repo
	}
	return NewIngestionJob(f.pool, f.enum, newTestExtractor(t), repo, opts, nil)
}

func at(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestIngestionRunIsIdempotent(t *testing.T) {
	f := newJobFixture(t, 4, 500, idRange(1, 10), idRange(11, 10))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	first := f.job(t, nil, JobOptions{Now: at(t0)}).Run(ctx)
	require.Equal(t, models.OutcomeSuccess, first.Outcome, first.Err)
	assert.Equal(t, 20, first.Counts.RecordsInserted)
	assert.Zero(t, first.Counts.RecordsUpdated)
	assert.Equal(t, 2, first.Counts.PagesProcessed)
	assert.Equal(t, 1, first.LastPage)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, models.JobIngestion, first.Kind)

	before, err := f.repo.FindByURL(ctx, listingURL(5))
	require.NoError(t, err)

	second := f.job(t, nil, JobOptions{Now: at(t1)}).Run(ctx)
	require.Equal(t, models.OutcomeSuccess, second.Outcome, second.Err)
	assert.Zero(t, second.Counts.RecordsInserted)
	assert.Equal(t, 20, second.Counts.RecordsUpdated)
	assert.NotEqual(t, first.ID, second.ID)

	n, err := f.repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 20, n)

	after, err := f.repo.FindByURL(ctx, listingURL(5))
	require.NoError(t, err)
	assert.Equal(t, t0, after.FirstSeenAt)
	assert.Equal(t, t1, after.LastSeenAt)
	assert.Equal(t, *before.Title, *after.Title)
	assert.Equal(t, *before.PriceUSD, *after.PriceUSD)
}

func TestIngestionDeduplicatesListings(t *testing.T) {
	f := newJobFixture(t, 3, 500, []int{1, 2, 3}, []int{2, 3, 4}, []int{4, 5, 1})
	run := f.job(t, nil, JobOptions{}).Run(context.Background())

	require.Equal(t, models.OutcomeSuccess, run.Outcome, run.Err)
	assert.Equal(t, 5, run.Counts.ListingsDiscovered)
	assert.Equal(t, 5, run.Counts.RecordsInserted)
	for id := 1; id <= 5; id++ {
		assert.Equal(t, 1, f.cat.Calls(listingURL(id)), "listing %d fetched once", id)
	}
}

func TestIngestionPagesProcessedIsFirstEmptyPageIndex(t *testing.T) {
	pages := make([][]int, 7)
	for i := range pages {
		pages[i] = idRange(i*100, 100)
	}
	f := newJobFixture(t, 8, 500, pages...)

	run := f.job(t, nil, JobOptions{}).Run(context.Background())

	require.Equal(t, models.OutcomeSuccess, run.Outcome, run.Err)
	assert.Equal(t, 7, run.Counts.PagesProcessed)
	assert.Equal(t, 700, run.Counts.RecordsInserted)
	assert.Zero(t, f.cat.Calls(f.enum.PageURL(8)))
}

func TestIngestionRetryBoundAndPartialOutcome(t *testing.T) {
	f := newJobFixture(t, 4, 500, idRange(1, 6))
	bad := listingURL(3)
	f.cat.always(bad, http.StatusServiceUnavailable)

	run := f.job(t, nil, JobOptions{}).Run(context.Background())

	assert.Equal(t, models.OutcomePartial, run.Outcome)
	assert.Equal(t, 3, f.cat.Calls(bad), "attempted exactly MaxAttempts times")
	assert.Equal(t, 1, run.Counts.FetchFailures)
	assert.Equal(t, 5, run.Counts.RecordsInserted)
	assert.Equal(t, 6, run.Counts.ListingsDiscovered)

	_, err := f.repo.FindByURL(context.Background(), bad)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIngestionBoundedConcurrency(t *testing.T) {
	const workers = 4
	pages := make([][]int, 5)
	for i := range pages {
		pages[i] = idRange(i*40, 40)
	}
	f := newJobFixture(t, workers, 500, pages...)
	f.cat.delay = 2 * time.Millisecond

	run := f.job(t, nil, JobOptions{PhoneLookup: true}).Run(context.Background())

	require.Equal(t, models.OutcomeSuccess, run.Outcome, run.Err)
	assert.Equal(t, 200, run.Counts.RecordsInserted)
	assert.LessOrEqual(t, f.cat.maxInFlight.Load(), int64(workers))
	assert.LessOrEqual(t, f.pool.MaxInFlight(), workers)
}

func TestIngestionPhoneLookup(t *testing.T) {
	f := newJobFixture(t, 2, 500, []int{1, 2})

	run := f.job(t, nil, JobOptions{PhoneLookup: true}).Run(context.Background())
	require.Equal(t, models.OutcomeSuccess, run.Outcome, run.Err)

	rec, err := f.repo.FindByURL(context.Background(), listingURL(1))
	require.NoError(t, err)
	require.NotNil(t, rec.PhoneNumber)
	assert.EqualValues(t, 380671234567, *rec.PhoneNumber)
	assert.Equal(t, 1, f.cat.Calls("https://auto.ria.com/users/phones/1?expires=1&hash=h1"))
}

func TestIngestionPhoneLookupFailureIsNotFatal(t *testing.T) {
	f := newJobFixture(t, 2, 500, []int{1})
	f.cat.always("https://auto.ria.com/users/phones/1?expires=1&hash=h1", http.StatusForbidden)

	run := f.job(t, nil, JobOptions{PhoneLookup: true}).Run(context.Background())
	require.Equal(t, models.OutcomeSuccess, run.Outcome, run.Err)

	rec, err := f.repo.FindByURL(context.Background(), listingURL(1))
	require.NoError(t, err)
	assert.Nil(t, rec.PhoneNumber)
}

func TestIngestionParseFailureIsCounted(t *testing.T) {
	f := newJobFixture(t, 2, 500, []int{1, 2})
	brokenURL := listingURL(2)

	broken := &rewritingTransport{Transport: f.cat, rewrite: map[string]string{brokenURL: `<html><body>removed</body></html>`}}
	f.pool = NewFetchPool(broken, fastPoolConfig(2), nil)
	f.enum = newTestEnumerator(t, f.pool, 500)

	run := f.job(t, nil, JobOptions{}).Run(context.Background())

	assert.Equal(t, models.OutcomePartial, run.Outcome)
	assert.Equal(t, 1, run.Counts.ParseFailures)
	assert.Equal(t, 1, run.Counts.RecordsInserted)
}

func TestIngestionEnumerationFailureDrainsDiscoveredListings(t *testing.T) {
	f := newJobFixture(t, 2, 500, idRange(1, 3), idRange(4, 3), idRange(7, 3))
	f.cat.always(f.enum.PageURL(1), http.StatusBadGateway)

	run := f.job(t, nil, JobOptions{}).Run(context.Background())

	assert.Equal(t, models.OutcomeFailed, run.Outcome)
	assert.Equal(t, 0, run.LastPage)
	assert.Contains(t, run.Err, "page 1")
	assert.Equal(t, 3, run.Counts.RecordsInserted, "page 0 listings still persisted")

	n, _ := f.repo.Count(context.Background())
	assert.EqualValues(t, 3, n)
}

func TestIngestionMaxPagesIsPartialWithDiagnostic(t *testing.T) {
	f := newJobFixture(t, 2, 2, []int{1}, []int{2}, []int{3})

	run := f.job(t, nil, JobOptions{}).Run(context.Background())

	assert.Equal(t, models.OutcomePartial, run.Outcome)
	assert.Contains(t, run.Diagnostic, "page limit")
	assert.Equal(t, 2, run.Counts.PagesProcessed)
	assert.Equal(t, 2, run.Counts.RecordsInserted)
}

type failingRepo struct {
	*storage.MemoryRepository
	failURL string
	calls   atomic.Int32
}

func (r *failingRepo) Upsert(ctx context.Context, rec models.Record, seenAt time.Time) (storage.UpsertResult, error) {
	r.calls.Add(1)
	if rec.URL == r.failURL {
		return storage.UpsertResult{}, &storage.PersistenceError{Op: "upsert", URL: rec.URL, Attempts: 3, Err: errors.New("connection refused")}
	}
	return r.MemoryRepository.Upsert(ctx, rec, seenAt)
}

func TestIngestionPersistenceFailureAbortsRun(t *testing.T) {
	pages := make([][]int, 20)
	for i := range pages {
		pages[i] = idRange(i*10, 10)
	}
	f := newJobFixture(t, 1, 500, pages...)
	f.cat.delay = time.Millisecond
	repo := &failingRepo{MemoryRepository: f.repo, failURL: listingURL(0)}

	run := f.job(t, repo, JobOptions{}).Run(context.Background())

	assert.Equal(t, models.OutcomeFailed, run.Outcome)
	assert.Contains(t, run.Err, "connection refused")
	assert.GreaterOrEqual(t, run.Counts.PersistFailures, 1)
	assert.Less(t, int(repo.calls.Load()), 200, "remaining work was cancelled")
}

func TestIngestionTimeoutDuringEnumerationFails(t *testing.T) {
	pages := make([][]int, 100)
	for i := range pages {
		pages[i] = idRange(i*10, 10)
	}
	f := newJobFixture(t, 2, 500, pages...)
	f.cat.delay = 5 * time.Millisecond

	run := f.job(t, nil, JobOptions{Timeout: 40 * time.Millisecond}).Run(context.Background())

	assert.Equal(t, models.OutcomeFailed, run.Outcome)
	assert.Contains(t, run.Err, "interrupted")
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
}

func TestIngestionRecordsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	f := newJobFixture(t, 2, 500, []int{1, 2, 3})
	job := NewIngestionJob(f.pool, f.enum, newTestExtractor(t), f.repo, JobOptions{}, m)

	job.Run(context.Background())
	job.Run(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Upserts.WithLabelValues("inserted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Upserts.WithLabelValues("updated")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsPerRun))
}

func TestIngestionPriceSummary(t *testing.T) {
	f := newJobFixture(t, 2, 500, []int{1, 2, 3})

	run := f.job(t, nil, JobOptions{}).Run(context.Background())

	assert.Equal(t, 3, run.Prices.Count)
	assert.EqualValues(t, 1001, run.Prices.Min)
	assert.EqualValues(t, 1003, run.Prices.Max)
	assert.InDelta(t, 1002.0, run.Prices.Average(), 0.001)
}

// rewritingTransport replaces the body of selected URLs.
type rewritingTransport struct {
	Transport
	rewrite map[string]string
}

func (t *rewritingTransport) Do(ctx context.Context, u string) (Response, error) {
	if body, ok := t.rewrite[u]; ok {
		return Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}
	return t.Transport.Do(ctx, u)
}
