package store

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a merge request.
type State string

// Valid merge request states.
const (
	StateOpened State = "opened"
	StateMerged State = "merged"
	StateClosed State = "closed"
)

// ParseState converts a raw API state string into a State, rejecting
// anything outside the known set.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateOpened, StateMerged, StateClosed:
		return State(s), nil
	default:
		return "", fmt.Errorf("unknown merge request state %q", s)
	}
}

// Key is the composite identity of a Record. ProjectID and IID are
// together unique across the store.
type Key struct {
	ProjectID int
	IID       int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.ProjectID, k.IID)
}

// Record is a single merge request as persisted by the syncer.
// Re-ingesting the same Key overwrites attributes rather than duplicating.
type Record struct {
	Key       Key
	Title     string
	State     State
	UpdatedAt time.Time
}

// Validate reports a *ValidationError if a required field is missing or
// malformed. A record that fails validation must never be written.
func (r Record) Validate() error {
	if r.Key.ProjectID <= 0 {
		return &ValidationError{Key: r.Key, Field: "project_id", Reason: "must be positive"}
	}
	if r.Key.IID <= 0 {
		return &ValidationError{Key: r.Key, Field: "iid", Reason: "must be positive"}
	}
	if _, err := ParseState(string(r.State)); err != nil {
		return &ValidationError{Key: r.Key, Field: "state", Reason: err.Error()}
	}
	if r.UpdatedAt.IsZero() {
		return &ValidationError{Key: r.Key, Field: "updated_at", Reason: "must be set"}
	}
	return nil
}

// ExpiringEntry is a stored Record together with its expiry deadline.
// Entries are excluded from reads once the deadline passes, whether or not
// the backend has physically purged them yet.
type ExpiringEntry struct {
	Record
	ExpiresAt time.Time
}

// Expired reports whether the entry's deadline has passed at the given time.
func (e ExpiringEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// BatchResult is the per-key outcome of an UpsertBatch call. Err is nil on
// success.
type BatchResult struct {
	Key Key
	Err error
}
