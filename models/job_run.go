package models

import "time"

type JobKind string

const (
	JobIngestion JobKind = "ingestion"
	JobSnapshot  JobKind = "snapshot"
)

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartial        Outcome = "partial"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkippedOverlap Outcome = "skipped-overlap"
)

// RunCounts tallies one run. Every per-listing failure ends up in exactly one
// of the failure counters.
type RunCounts struct {
	PagesProcessed     int
	ListingsDiscovered int
	RecordsInserted    int
	RecordsUpdated     int
	FetchFailures      int
	ParseFailures      int
	PersistFailures    int
}

// Upserted is the number of records written in the run.
func (c RunCounts) Upserted() int {
	return c.RecordsInserted + c.RecordsUpdated
}

// Failures is the number of listings that did not reach storage.
func (c RunCounts) Failures() int {
	return c.FetchFailures + c.ParseFailures + c.PersistFailures
}

// PriceSummary aggregates price_usd over the records upserted in a run.
type PriceSummary struct {
	Count int
	Min   int64
	Max   int64
	Sum   int64
}

func (p *PriceSummary) Add(price int64) {
	if p.Count == 0 || price < p.Min {
		p.Min = price
	}
	if p.Count == 0 || price > p.Max {
		p.Max = price
	}
	p.Count++
	p.Sum += price
}

func (p PriceSummary) Average() float64 {
	if p.Count == 0 {
		return 0
	}
	return float64(p.Sum) / float64(p.Count)
}

// JobRun is the in-memory audit entry of one scheduled or manual execution.
type JobRun struct {
	ID         string
	Kind       JobKind
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Counts     RunCounts
	// LastPage is the index of the last result page that was processed
	// successfully, -1 when none was.
	LastPage   int
	Diagnostic string
	Artifact   string
	Err        string
	Prices     PriceSummary
}

func (r JobRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
