package services

import (
	"autoria-ingest/models"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderRunReport writes the summary table of one run.
func RenderRunReport(w io.Writer, run models.JobRun) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s run %s", run.Kind, shortID(run.ID)))

	t.AppendRows([]table.Row{
		{"Outcome", run.Outcome},
		{"Started", run.StartedAt.Format(time.DateTime)},
		{"Duration", run.Duration().Round(time.Millisecond)},
	})

	switch run.Kind {
	case models.JobIngestion:
		c := run.Counts
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"Pages processed", c.PagesProcessed},
			{"Last good page", run.LastPage},
			{"Listings discovered", c.ListingsDiscovered},
			{"Records inserted", c.RecordsInserted},
			{"Records updated", c.RecordsUpdated},
			{"Fetch failures", c.FetchFailures},
			{"Parse failures", c.ParseFailures},
			{"Persist failures", c.PersistFailures},
		})
		if run.Prices.Count > 0 {
			t.AppendSeparator()
			t.AppendRows([]table.Row{
				{"Average price (USD)", fmt.Sprintf("%.2f", run.Prices.Average())},
				{"Minimum price (USD)", run.Prices.Min},
				{"Maximum price (USD)", run.Prices.Max},
			})
		}
	case models.JobSnapshot:
		if run.Artifact != "" {
			t.AppendRow(table.Row{"Artifact", run.Artifact})
		}
	}

	if run.Diagnostic != "" {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Diagnostic", truncateText(run.Diagnostic, 80)})
	}
	if run.Err != "" {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Error", truncateText(run.Err, 80)})
	}
	t.Render()
}

// PrintRunReport renders the run summary to stdout.
func PrintRunReport(run models.JobRun) {
	fmt.Println()
	RenderRunReport(os.Stdout, run)
}

// RenderHistory writes one line per recorded run, oldest first.
func RenderHistory(w io.Writer, runs []models.JobRun) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Kind", "Started", "Outcome", "Upserted", "Failures", "Duration"})
	for i, r := range runs {
		t.AppendRow(table.Row{
			i + 1,
			r.Kind,
			r.StartedAt.Format(time.DateTime),
			r.Outcome,
			r.Counts.Upserted(),
			r.Counts.Failures(),
			r.Duration().Round(time.Millisecond),
		})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
