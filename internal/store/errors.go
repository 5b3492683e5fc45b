package store

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks a store operation that failed because the backend
// could not be reached. Errors wrapping it are safe to retry.
var ErrUnavailable = errors.New("store unavailable")

// ErrCheckpointConflict is returned by AdvanceLastSynced when the stored
// checkpoint no longer matches the caller's previously observed value,
// meaning a concurrent run advanced it first. The caller discards its own
// write; the stored value is strictly newer.
var ErrCheckpointConflict = errors.New("checkpoint advanced by concurrent run")

// ValidationError reports a record that cannot be persisted because a
// required field is missing or malformed. It is a caller bug and never
// retryable.
type ValidationError struct {
	Key    Key
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %s: invalid %s: %s", e.Key, e.Field, e.Reason)
}

// IsRetryable reports whether err represents a transient store failure
// worth retrying, as opposed to a validation error or other permanent
// failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// unavailable wraps err so that it matches ErrUnavailable while keeping the
// backend error in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
