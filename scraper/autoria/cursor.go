package autoria

// StopReason explains why enumeration ended.
type StopReason string

const (
	StopNone            StopReason = ""
	StopEndOfResults    StopReason = "end-of-results"
	StopNoMoreResults   StopReason = "no-more-results"
	StopMaxPagesReached StopReason = "max-pages-reached"
)

// PageCursor tracks position within the result pages of one run.
type PageCursor struct {
	// Page is the index of the next result page to request.
	Page          int
	MaxPages      int
	Processed     int
	ListingsFound int
	Done          bool
	Reason        StopReason
}

func NewPageCursor(maxPages int) PageCursor {
	return PageCursor{MaxPages: maxPages}
}

// Observe records the outcome of the current page. A page with no listings
// ends the run without being counted; otherwise the page is counted and the
// cursor advances unless the page said it was the last or the page limit is
// reached.
func (c *PageCursor) Observe(found int, noMoreResults bool) {
	if c.Done {
		return
	}
	if found == 0 {
		c.finish(StopEndOfResults)
		return
	}

	c.Processed++
	c.ListingsFound += found
	c.Page++

	switch {
	case noMoreResults:
		c.finish(StopNoMoreResults)
	case c.MaxPages > 0 && c.Page >= c.MaxPages:
		c.finish(StopMaxPagesReached)
	}
}

// LastPage is the index of the last processed page, -1 before the first.
func (c PageCursor) LastPage() int {
	return c.Page - 1
}

func (c *PageCursor) finish(r StopReason) {
	c.Done = true
	c.Reason = r
}
