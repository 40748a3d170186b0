package autoria

import (
	"autoria-ingest/utils"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Fetcher is the part of FetchPool the enumerator and the job depend on.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// PageEnumerator walks the numbered result pages of one search, one page at
// a time, and emits every listing URL it has not emitted before.
type PageEnumerator struct {
	fetcher   Fetcher
	extractor *Extractor
	start     *url.URL
	maxPages  int
	pageDelay time.Duration
}

func NewPageEnumerator(fetcher Fetcher, extractor *Extractor, startURL string, maxPages int, pageDelay time.Duration) (*PageEnumerator, error) {
	u, err := url.Parse(startURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid start url %q", startURL)
	}
	return &PageEnumerator{
		fetcher:   fetcher,
		extractor: extractor,
		start:     u,
		maxPages:  maxPages,
		pageDelay: pageDelay,
	}, nil
}

// PageURL is the start URL with its page query parameter set to page.
func (e *PageEnumerator) PageURL(page int) string {
	u := *e.start
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

// Run enumerates pages until the cursor is done, sending listing URLs to out
// as each page is parsed. out is closed when Run returns. A page that cannot
// be fetched or parsed ends the run with an *EnumerationError; a canceled
// ctx ends it with ctx's error. The returned cursor is valid in every case.
func (e *PageEnumerator) Run(ctx context.Context, out chan<- string) (PageCursor, error) {
	defer close(out)

	cursor := NewPageCursor(e.maxPages)
	seen := make(map[string]struct{})

	for !cursor.Done {
		if cursor.Page > 0 {
			if err := utils.Sleep(ctx, e.pageDelay); err != nil {
				return cursor, err
			}
		}

		pageURL := e.PageURL(cursor.Page)
		body, err := e.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return cursor, ctx.Err()
			}
			return cursor, &EnumerationError{Page: cursor.Page, LastPage: cursor.LastPage(), Err: err}
		}

		page, err := e.extractor.ExtractSearchPage(pageURL, body)
		if err != nil {
			return cursor, &EnumerationError{Page: cursor.Page, LastPage: cursor.LastPage(), Err: err}
		}

		fresh := 0
		for _, u := range page.URLs {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			select {
			case out <- u:
				fresh++
			case <-ctx.Done():
				return cursor, ctx.Err()
			}
		}

		utils.L().Debug("result page parsed",
			zap.Int("page", cursor.Page),
			zap.Int("listings", len(page.URLs)),
			zap.Int("new", fresh),
		)
		cursor.Observe(len(page.URLs), page.NoMoreResults)
	}

	switch cursor.Reason {
	case StopMaxPagesReached:
		utils.L().Warn("page limit reached before end of results", zap.Int("max_pages", e.maxPages))
	default:
		utils.L().Info("enumeration finished",
			zap.String("reason", string(cursor.Reason)),
			zap.Int("pages", cursor.Processed),
			zap.Int("unique_listings", len(seen)),
		)
	}
	return cursor, nil
}
