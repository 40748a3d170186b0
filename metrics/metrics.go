// Package metrics holds the Prometheus collectors of the ingestion pipeline.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoria"

type Metrics struct {
	gatherer prometheus.Gatherer

	FetchAttempts *prometheus.CounterVec
	FetchResults  *prometheus.CounterVec
	FetchInFlight prometheus.Gauge
	FetchLatency  prometheus.Histogram
	Upserts       *prometheus.CounterVec
	JobRuns       *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobsRunning   *prometheus.GaugeVec
	RecordsPerRun prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		FetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Fetch attempts by response class (2xx, 3xx, 4xx, 5xx, error).",
		}, []string{"class"}),
		FetchResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "results_total",
			Help:      "Terminal fetch results by outcome (ok, transient, permanent, canceled).",
		}, []string{"result"}),
		FetchInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "in_flight",
			Help:      "Requests currently holding a fetch slot.",
		}),
		FetchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempt_seconds",
			Help:      "Latency of single fetch attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		Upserts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "upserts_total",
			Help:      "Record upserts by result (inserted, updated, failed).",
		}, []string{"result"}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Finished job runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_seconds",
			Help:      "Duration of job runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"kind"}),
		JobsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "running",
			Help:      "1 while a job of the kind is running.",
		}, []string{"kind"}),
		RecordsPerRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "last_run_records",
			Help:      "Records upserted by the last ingestion run.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) FetchAttempt(class string, took time.Duration) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(class).Inc()
	m.FetchLatency.Observe(took.Seconds())
}

func (m *Metrics) FetchResult(result string) {
	if m == nil {
		return
	}
	m.FetchResults.WithLabelValues(result).Inc()
}

func (m *Metrics) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.FetchInFlight.Add(delta)
}

func (m *Metrics) Upsert(result string) {
	if m == nil {
		return
	}
	m.Upserts.WithLabelValues(result).Inc()
}

func (m *Metrics) JobStarted(kind string) {
	if m == nil {
		return
	}
	m.JobsRunning.WithLabelValues(kind).Set(1)
}

func (m *Metrics) JobFinished(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsRunning.WithLabelValues(kind).Set(0)
	m.JobRuns.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// JobSkipped counts a trigger dropped because the kind was already running.
func (m *Metrics) JobSkipped(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) LastRunRecords(n int) {
	if m == nil {
		return
	}
	m.RecordsPerRun.Set(float64(n))
}
