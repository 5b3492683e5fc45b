package gitlab

import (
	"errors"
	"fmt"
)

// Fetch error taxonomy. All page-level failures wrap one of these
// sentinels, so callers can classify with errors.Is.
var (
	// ErrRateLimitExceeded means a page kept returning 429 after the retry
	// budget was spent. The run fails; the next tick retries.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrTransientFetch covers timeouts, connection resets, and 5xx
	// responses that persisted past the retry budget.
	ErrTransientFetch = errors.New("transient fetch error")

	// ErrInvalidResponse marks a non-retryable response: an unexpected 4xx
	// or a body that failed validation. Surfaced verbatim for diagnosis.
	ErrInvalidResponse = errors.New("invalid response")
)

// PageError carries the page index and HTTP status of a failed page fetch.
type PageError struct {
	Page   int
	Status int
	Err    error
}

func (e *PageError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("page %d (status %d): %v", e.Page, e.Status, e.Err)
	}
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// pageError wraps cause with the given sentinel and page context.
func pageError(page, status int, sentinel, cause error) *PageError {
	return &PageError{
		Page:   page,
		Status: status,
		Err:    fmt.Errorf("%w: %v", sentinel, cause),
	}
}
