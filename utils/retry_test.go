package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

type hintedErr struct{ after time.Duration }

func (e hintedErr) Error() string             { return "slow down" }
func (e hintedErr) RetryAfter() time.Duration { return e.after }

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)

	assert.Equal(t, time.Second, b.Advance(0))
	assert.Equal(t, 2*time.Second, b.Advance(0))
	assert.Equal(t, 4*time.Second, b.Advance(0))
	assert.Equal(t, 5*time.Second, b.Advance(0))
	assert.Equal(t, 4, b.Attempt)

	assert.Equal(t, 3*time.Second, b.Advance(3*time.Second), "hint wins")
	assert.Equal(t, 5*time.Second, b.Advance(time.Minute), "hint is capped")
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	out := Retry(context.Background(), fastPolicy(5), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.False(t, out.Exhausted)
}

func TestRetryExhaustsExactlyMaxAttempts(t *testing.T) {
	calls := 0
	var retried []int
	policy := fastPolicy(4)
	policy.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }

	out := Retry(context.Background(), policy, func(context.Context, int) error {
		calls++
		return errFlaky
	})

	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, out.Attempts)
	assert.True(t, out.Exhausted)
	assert.ErrorIs(t, out.Err, errFlaky)
	assert.Equal(t, []int{1, 2, 3}, retried)
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	permanent := errors.New("gone")
	policy := fastPolicy(5)
	policy.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	out := Retry(context.Background(), policy, func(context.Context, int) error {
		calls++
		return permanent
	})

	assert.Equal(t, 1, calls)
	assert.False(t, out.Exhausted)
	assert.ErrorIs(t, out.Err, permanent)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}

	out := Retry(ctx, policy, func(context.Context, int) error {
		cancel()
		return errFlaky
	})

	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Exhausted)
}

func TestRetryUsesHint(t *testing.T) {
	var waits []time.Duration
	policy := fastPolicy(2)
	policy.MaxDelay = 10 * time.Millisecond
	policy.OnRetry = func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) }

	Retry(context.Background(), policy, func(context.Context, int) error {
		return hintedErr{after: 7 * time.Millisecond}
	})

	assert.Equal(t, []time.Duration{7 * time.Millisecond}, waits)
}

func TestJitterBounds(t *testing.T) {
	for range 100 {
		d := Jitter(10*time.Millisecond, 20*time.Millisecond)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
	assert.Equal(t, 5*time.Millisecond, Jitter(5*time.Millisecond, time.Millisecond))
}
