package autoria

import (
	"errors"
	"fmt"
	"time"
)

// TransientFetchError is a failed attempt worth repeating: network error,
// timeout, 5xx or 429.
type TransientFetchError struct {
	URL        string
	StatusCode int
	Err        error
	retryAfter time.Duration
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch error for %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transient fetch error for %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// RetryAfter is the server-requested delay, zero when none was sent.
func (e *TransientFetchError) RetryAfter() time.Duration { return e.retryAfter }

// PermanentFetchError is a non-retryable HTTP status (4xx other than 429).
type PermanentFetchError struct {
	URL        string
	StatusCode int
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("permanent fetch error for %s: http status %d", e.URL, e.StatusCode)
}

// FetchError is the terminal result of FetchPool.Fetch for one URL.
type FetchError struct {
	URL       string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("fetch %s: gave up after %d attempts: %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the content is not recognizable as the expected page type.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

// EnumerationError aborts a run: result page Page could not be fetched or
// parsed. LastPage is the last page processed successfully (-1 if none).
type EnumerationError struct {
	Page     int
	LastPage int
	Err      error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumeration stopped at page %d (last good page %d): %v", e.Page, e.LastPage, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

func isTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

func isParseError(err error) bool {
	var p *ParseError
	return errors.As(err, &p)
}
