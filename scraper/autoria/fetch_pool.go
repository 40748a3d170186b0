package autoria

import (
	"autoria-ingest/metrics"
	"autoria-ingest/utils"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type FetchPoolConfig struct {
	// Workers is the hard cap on requests in flight.
	Workers        int
	RequestTimeout time.Duration
	// MaxAttempts counts the first attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MinJitter and MaxJitter bound the pause taken before every attempt.
	MinJitter time.Duration
	MaxJitter time.Duration
	// RequestsPerSecond limits the attempt rate across the pool; 0 disables it.
	RequestsPerSecond float64
}

// FetchResult is one URL's outcome as delivered by Stream.
type FetchResult struct {
	URL  string
	Body []byte
	Err  error
}

// FetchPool performs fetches with at most Workers requests in flight no
// matter how many goroutines call Fetch. A slot is held only for the
// duration of a single attempt, never during backoff.
type FetchPool struct {
	transport Transport
	cfg       FetchPoolConfig
	slots     *semaphore.Weighted
	limiter   *rate.Limiter
	metrics   *metrics.Metrics

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func NewFetchPool(transport Transport, cfg FetchPoolConfig, m *metrics.Metrics) *FetchPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	p := &FetchPool{
		transport: transport,
		cfg:       cfg,
		slots:     semaphore.NewWeighted(int64(cfg.Workers)),
		metrics:   m,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return p
}

func (p *FetchPool) Workers() int { return p.cfg.Workers }

// InFlight is the number of requests currently holding a slot.
func (p *FetchPool) InFlight() int { return int(p.inFlight.Load()) }

// MaxInFlight is the highest InFlight observed since the pool was created.
func (p *FetchPool) MaxInFlight() int { return int(p.maxInFlight.Load()) }

// Fetch returns the body of url or a *FetchError. Transient failures are
// retried with exponential backoff up to MaxAttempts; permanent failures
// and context cancellation end the loop immediately.
func (p *FetchPool) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	policy := utils.RetryPolicy{
		MaxAttempts: p.cfg.MaxAttempts,
		BaseDelay:   p.cfg.BaseDelay,
		MaxDelay:    p.cfg.MaxDelay,
		Retryable:   isTransient,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			utils.L().Warn("fetch attempt failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", p.cfg.MaxAttempts),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	}

	out := utils.Retry(ctx, policy, func(ctx context.Context, _ int) error {
		b, err := p.attempt(ctx, url)
		if err == nil {
			body = b
		}
		return err
	})

	switch {
	case out.Err == nil:
		p.metrics.FetchResult("ok")
		return body, nil
	case ctx.Err() != nil:
		p.metrics.FetchResult("canceled")
	case out.Exhausted:
		p.metrics.FetchResult("transient")
	default:
		p.metrics.FetchResult("permanent")
	}
	return nil, &FetchError{URL: url, Attempts: out.Attempts, Exhausted: out.Exhausted, Err: out.Err}
}

// attempt makes a single request inside a slot with its own deadline.
func (p *FetchPool) attempt(ctx context.Context, url string) ([]byte, error) {
	if err := utils.RandomDelay(ctx, p.cfg.MinJitter, p.cfg.MaxJitter); err != nil {
		return nil, err
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.transport.Do(reqCtx, url)
	if err != nil {
		p.metrics.FetchAttempt("error", time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientFetchError{URL: url, Err: err}
	}
	p.metrics.FetchAttempt(statusClass(resp.StatusCode), time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientFetchError{URL: url, StatusCode: resp.StatusCode, retryAfter: resp.RetryAfter}
	default:
		return nil, &PermanentFetchError{URL: url, StatusCode: resp.StatusCode}
	}
}

func (p *FetchPool) acquire(ctx context.Context) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	n := p.inFlight.Add(1)
	for {
		peak := p.maxInFlight.Load()
		if n <= peak || p.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	p.metrics.InFlight(1)
	return nil
}

func (p *FetchPool) release() {
	p.inFlight.Add(-1)
	p.metrics.InFlight(-1)
	p.slots.Release(1)
}

// Stream fetches every URL received on urls with a fixed set of Workers
// goroutines and delivers one FetchResult per URL, in completion order.
// The returned channel is closed once urls is closed and drained; callers
// must read it to the end.
func (p *FetchPool) Stream(ctx context.Context, urls <-chan string) <-chan FetchResult {
	results := make(chan FetchResult, p.cfg.Workers)

	var wg sync.WaitGroup
	wg.Add(p.cfg.Workers)
	for range p.cfg.Workers {
		go func() {
			defer wg.Done()
			for u := range urls {
				body, err := p.Fetch(ctx, u)
				results <- FetchResult{URL: u, Body: body, Err: err}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
