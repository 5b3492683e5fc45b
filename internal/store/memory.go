package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory implementation of RecordStore and CheckpointStore,
// used for tests and local runs without a backing table.
type Memory struct {
	mu          sync.RWMutex
	records     map[Key]ExpiringEntry
	checkpoints map[string]time.Time
	clock       func() time.Time
}

// MemoryOption customises a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock used for expiry computation. Defaults to
// time.Now. Useful for controlling time in tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records:     make(map[Key]ExpiringEntry),
		checkpoints: make(map[string]time.Time),
		clock:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Upsert(_ context.Context, rec Record, ttl time.Duration) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = ExpiringEntry{
		Record:    rec,
		ExpiresAt: m.clock().Add(ttl),
	}
	return nil
}

func (m *Memory) UpsertBatch(ctx context.Context, recs []Record, ttl time.Duration) []BatchResult {
	results := make([]BatchResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, BatchResult{
			Key: rec.Key,
			Err: m.Upsert(ctx, rec, ttl),
		})
	}
	return results
}

func (m *Memory) Get(_ context.Context, key Key) (*ExpiringEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	if entry.Expired(m.clock()) {
		delete(m.records, key)
		return nil, nil
	}
	return &entry, nil
}

// Len returns the number of live (unexpired) records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	n := 0
	for key, entry := range m.records {
		if entry.Expired(now) {
			delete(m.records, key)
			continue
		}
		n++
	}
	return n
}

func (m *Memory) LastSynced(_ context.Context, source string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[source], nil
}

func (m *Memory) AdvanceLastSynced(_ context.Context, source string, prev, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.checkpoints[source]
	if !current.Equal(prev) {
		return ErrCheckpointConflict
	}
	m.checkpoints[source] = next
	return nil
}

func (m *Memory) Close() error {
	return nil
}
