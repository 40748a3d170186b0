package autoria

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const testBase = "https://auto.ria.com"

const testStartURL = testBase + "/uk/search/?indexName=auto&page=0&size=100"

// fakeCatalog is an in-memory AUTO.RIA: numbered search pages listing
// detail pages, plus per-URL status overrides. It records every request and
// the highest number of requests it saw at once.
type fakeCatalog struct {
	mu sync.Mutex
	// pages[i] holds the listing ids of result page i; pages past the end
	// are empty.
	pages    [][]int
	status   map[string]int
	failures map[string]int
	calls    map[string]int
	// markLast adds the "no next page" pager to the last non-empty page.
	markLast bool
	delay    time.Duration

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakeCatalog(pages ...[]int) *fakeCatalog {
	return &fakeCatalog{
		pages:    pages,
		status:   make(map[string]int),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func listingURL(id int) string {
	return fmt.Sprintf("%s/uk/auto_car_%d.html", testBase, id)
}

// idRange returns ids [from, from+n).
func idRange(from, n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = from + i
	}
	return ids
}

// failFirst makes the first n requests of u answer with code.
func (f *fakeCatalog) failFirst(u string, n, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[u] = n
	f.status[u] = code
}

// always makes every request of u answer with code.
func (f *fakeCatalog) always(u string, code int) {
	f.failFirst(u, -1, code)
}

func (f *fakeCatalog) Calls(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

func (f *fakeCatalog) Do(ctx context.Context, rawURL string) (Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[rawURL]++
	call := f.calls[rawURL]
	code, forced := f.status[rawURL]
	limit := f.failures[rawURL]
	f.mu.Unlock()

	if forced && (limit < 0 || call <= limit) {
		return Response{StatusCode: code}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Response{}, err
	}
	switch {
	case strings.HasPrefix(u.Path, "/uk/search"):
		page, _ := strconv.Atoi(u.Query().Get("page"))
		return Response{StatusCode: http.StatusOK, Body: []byte(f.searchPage(page))}, nil
	case strings.HasPrefix(u.Path, "/uk/auto_car_"):
		id := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/uk/auto_car_"), ".html")
		return Response{StatusCode: http.StatusOK, Body: []byte(detailPage(id))}, nil
	case strings.HasPrefix(u.Path, "/users/phones/"):
		return Response{StatusCode: http.StatusOK, Body: []byte(`{"phones":[{"phoneFormatted":"(067) 123 45 67"}]}`)}, nil
	}
	return Response{StatusCode: http.StatusNotFound}, nil
}

func (f *fakeCatalog) searchPage(page int) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="searchResults">`)
	if page < len(f.pages) {
		for _, id := range f.pages[page] {
			fmt.Fprintf(&b, `<section class="ticket-item"><a class="m-link-ticket" href="/uk/auto_car_%d.html">car</a></section>`, id)
		}
	}
	b.WriteString(`</div>`)
	if f.markLast && page == len(f.pages)-1 {
		b.WriteString(`<div id="pagination"><a class="page-link">last</a></div>`)
	} else {
		b.WriteString(`<div id="pagination"><a class="js-next" href="#">next</a></div>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func detailPage(id string) string {
	n, _ := strconv.Atoi(id)
	return fmt.Sprintf(`<html><body><h1 class="head">Car %s</h1>
<div class="price_value"><strong>%d $</strong></div>
<button data-hash="h%s" data-expires="1" data-car-id="%s">phone</button>
</body></html>`, id, 1000+n, id, id)
}

func fastPoolConfig(workers int) FetchPoolConfig {
	return FetchPoolConfig{
		Workers:        workers,
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
	}
}
