package storage

import "fmt"

// PersistenceError is a write that could not be completed after the
// repository's own retries. It aborts an ingestion run.
type PersistenceError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
