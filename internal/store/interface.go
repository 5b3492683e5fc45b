// Package store provides the persistence model for the syncer: idempotent
// TTL-bounded record upserts and compare-and-swap checkpoint storage.
package store

import (
	"context"
	"time"
)

// RecordStore persists merge request records keyed by their composite
// identity. Upserts are idempotent: writing the same key twice with the
// same attributes leaves the store in the same state, and writing the same
// key with different attributes overwrites.
type RecordStore interface {
	// Upsert writes a single record with expiry now+ttl. Every upsert
	// refreshes the expiry, including no-op rewrites.
	Upsert(ctx context.Context, rec Record, ttl time.Duration) error

	// UpsertBatch writes a set of records, returning one result per input
	// record in order. A failure on one record never aborts the others.
	UpsertBatch(ctx context.Context, recs []Record, ttl time.Duration) []BatchResult

	// Get returns the stored entry for key, or nil if the key is absent or
	// the entry has expired.
	Get(ctx context.Context, key Key) (*ExpiringEntry, error)

	// Close releases any resources held by the store.
	Close() error
}

// CheckpointStore holds the per-source high-water mark of the last
// successful run.
type CheckpointStore interface {
	// LastSynced returns the checkpoint for source, or a zero time.Time if
	// no run has completed yet.
	LastSynced(ctx context.Context, source string) (time.Time, error)

	// AdvanceLastSynced moves the checkpoint from prev to next with
	// compare-and-swap semantics: the write only succeeds if the stored
	// value still equals prev (a zero prev means "expect absent"). When a
	// concurrent run has advanced the checkpoint in the meantime it returns
	// ErrCheckpointConflict and leaves the stored value untouched.
	AdvanceLastSynced(ctx context.Context, source string, prev, next time.Time) error

	// Close releases any resources held by the store.
	Close() error
}
