package autoria

import (
	"autoria-ingest/utils"
	"context"
	"fmt"
	"net/http"

	"github.com/chromedp/chromedp"
)

// BrowserTransport renders pages in headless Chrome. It is the fallback for
// catalog pages whose listing markup is produced client-side.
type BrowserTransport struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

func NewBrowserTransport(headless bool) *BrowserTransport {
	utils.Info("Launching Chrome browser...")
	allocCtx, allocCancel := chromedp.NewExecAllocator(
		context.Background(),
		utils.BrowserOpts(headless)...,
	)
	return &BrowserTransport{allocCtx: allocCtx, allocCancel: allocCancel}
}

func (t *BrowserTransport) Close() {
	utils.Info("Closing browser...")
	t.allocCancel()
}

// Do navigates a fresh tab to url and returns the rendered document. The
// browser does not expose the HTTP status here, so a completed navigation
// is reported as 200 and navigation failures as transport errors.
func (t *BrowserTransport) Do(ctx context.Context, url string) (Response, error) {
	tabCtx, tabCancel := chromedp.NewContext(t.allocCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("chromedp: %w", err)
	}

	return Response{StatusCode: http.StatusOK, Body: []byte(html)}, nil
}
