package autoria

import (
	"autoria-ingest/utils"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes caps a single response body.
const maxBodyBytes = 10 * 1024 * 1024

// ErrBodyTooLarge is returned instead of a truncated body.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Response is what a Transport hands back for one request.
type Response struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

// Transport performs one request. Implementations must honour ctx, which
// carries the per-request deadline. Non-2xx statuses are not errors at this
// level; FetchPool classifies them.
type Transport interface {
	Do(ctx context.Context, url string) (Response, error)
}

// HTTPTransport fetches pages with net/http and desktop browser headers.
type HTTPTransport struct {
	client  *http.Client
	referer string
	maxBody int64
}

func NewHTTPTransport(client *http.Client, referer string) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client, referer: referer, maxBody: maxBodyBytes}
}

func (t *HTTPTransport) Do(ctx context.Context, url string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	utils.BrowserHeaders(req.Header, t.referer)

	resp, err := t.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > t.maxBody {
		return Response{}, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, t.maxBody)
	}

	return Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
