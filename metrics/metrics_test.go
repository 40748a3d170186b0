package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FetchAttempt("2xx", time.Second)
	m.FetchResult("ok")
	m.InFlight(1)
	m.Upsert("inserted")
	m.JobStarted("ingestion")
	m.JobFinished("ingestion", "success", time.Second)
	m.JobSkipped("ingestion", "skipped-overlap")
	m.LastRunRecords(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersAndHandler(t *testing.T) {
	m := New(nil)

	m.FetchResult("ok")
	m.FetchResult("ok")
	m.FetchResult("transient")
	m.JobStarted("snapshot")
	m.JobFinished("snapshot", "success", 2*time.Second)
	m.JobSkipped("snapshot", "skipped-overlap")

	assert.InDelta(t, 2, testutil.ToFloat64(m.FetchResults.WithLabelValues("ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.JobRuns.WithLabelValues("snapshot", "skipped-overlap")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.JobsRunning.WithLabelValues("snapshot")), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autoria_fetch_results_total")
}
