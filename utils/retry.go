package utils

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds a retry loop. MaxAttempts counts the first attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether a failed attempt may be repeated.
	// Nil means every error is retryable.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Backoff is the explicit per-attempt state of a retry loop: how many
// attempts have been made and how long to wait before the next one.
type Backoff struct {
	Attempt   int
	NextDelay time.Duration
	max       time.Duration
}

func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return Backoff{NextDelay: base, max: max}
}

// Advance records an attempt and returns the delay to wait before the
// following one. hint overrides the computed delay when positive
// (a server-provided Retry-After); it is still capped at the maximum.
func (b *Backoff) Advance(hint time.Duration) time.Duration {
	b.Attempt++
	wait := b.NextDelay
	if hint > 0 {
		wait = hint
	}
	if wait > b.max {
		wait = b.max
	}
	b.NextDelay *= 2
	if b.NextDelay > b.max {
		b.NextDelay = b.max
	}
	return wait
}

// RetryOutcome reports how a retry loop ended. Exhausted is true when the
// final error came from the last permitted attempt of a retryable failure.
type RetryOutcome struct {
	Attempts  int
	Exhausted bool
	Err       error
}

// RetryAfterHinter is implemented by errors that carry a server-provided delay.
type RetryAfterHinter interface {
	RetryAfter() time.Duration
}

// Retry runs fn until it succeeds, fails with a non-retryable error, the
// context ends, or the policy's attempts are used up. Between attempts it
// waits with exponential backoff:
//
//	attempt 1 fails → wait base
//	attempt 2 fails → wait 2×base
//	attempt 3 fails → wait 4×base ... capped at MaxDelay
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) RetryOutcome {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	backoff := NewBackoff(policy.BaseDelay, policy.MaxDelay)

	for {
		if err := ctx.Err(); err != nil {
			return RetryOutcome{Attempts: backoff.Attempt, Err: err}
		}

		err := fn(ctx, backoff.Attempt+1)

		var hint time.Duration
		var h RetryAfterHinter
		if errors.As(err, &h) {
			hint = h.RetryAfter()
		}
		wait := backoff.Advance(hint)

		if err == nil {
			return RetryOutcome{Attempts: backoff.Attempt}
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return RetryOutcome{Attempts: backoff.Attempt, Err: err}
		}
		if backoff.Attempt >= policy.MaxAttempts {
			return RetryOutcome{Attempts: backoff.Attempt, Exhausted: true, Err: err}
		}

		if policy.OnRetry != nil {
			policy.OnRetry(backoff.Attempt, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return RetryOutcome{Attempts: backoff.Attempt, Err: err}
		}
	}
}
