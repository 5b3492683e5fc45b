package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/creds"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/observe"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/store"
)

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	recs  []store.Record
	err   error
	since []time.Time
}

func (f *fakeFetcher) FetchUpdatedSince(_ context.Context, since time.Time) ([]store.Record, error) {
	f.since = append(f.since, since)
	return f.recs, f.err
}

// flakyStore wraps Memory and fails Upsert for chosen keys a configurable
// number of times. A count of -1 fails forever.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failures map[store.Key]int
	attempts map[store.Key]int
}

func newFlakyStore(mem *store.Memory) *flakyStore {
	return &flakyStore{
		Memory:   mem,
		failures: make(map[store.Key]int),
		attempts: make(map[store.Key]int),
	}
}

func (f *flakyStore) Upsert(ctx context.Context, rec store.Record, ttl time.Duration) error {
	f.mu.Lock()
	f.attempts[rec.Key]++
	remaining := f.failures[rec.Key]
	if remaining != 0 {
		if remaining > 0 {
			f.failures[rec.Key] = remaining - 1
		}
		f.mu.Unlock()
		return fmt.Errorf("upsert %s: %w", rec.Key, store.ErrUnavailable)
	}
	f.mu.Unlock()
	return f.Memory.Upsert(ctx, rec, ttl)
}

func (f *flakyStore) UpsertBatch(ctx context.Context, recs []store.Record, ttl time.Duration) []store.BatchResult {
	results := make([]store.BatchResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, store.BatchResult{Key: rec.Key, Err: f.Upsert(ctx, rec, ttl)})
	}
	return results
}

func (f *flakyStore) attemptsFor(key store.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key]
}

// failingCheckpoints wraps a CheckpointStore and fails AdvanceLastSynced
// with the injected error.
type failingCheckpoints struct {
	store.CheckpointStore
	advanceErr error
}

func (f *failingCheckpoints) AdvanceLastSynced(ctx context.Context, source string, prev, next time.Time) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	return f.CheckpointStore.AdvanceLastSynced(ctx, source, prev, next)
}

type collectingSink struct {
	mu     sync.Mutex
	events []observe.Event
}

func (s *collectingSink) Emit(_ context.Context, ev observe.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type panickingSink struct{}

func (panickingSink) Emit(context.Context, observe.Event) error { panic("sink exploded") }

type testHarness struct {
	params  Params
	mem     *store.Memory
	flaky   *flakyStore
	fetcher *fakeFetcher
	sink    *collectingSink
	sleeps  *[]time.Duration
}

func newHarness(recs []store.Record) *testHarness {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem := store.NewMemory(store.WithMemoryClock(func() time.Time { return testNow }))
	flaky := newFlakyStore(mem)
	fetcher := &fakeFetcher{recs: recs}
	sink := &collectingSink{}
	sleeps := &[]time.Duration{}

	return &testHarness{
		params: Params{
			Source:      "group/project",
			TokenName:   "GMS_GITLAB_TOKEN",
			TTL:         time.Hour,
			Credentials: creds.Static{"GMS_GITLAB_TOKEN": "secret"},
			NewFetcher:  func(string) (Fetcher, error) { return fetcher, nil },
			Records:     flaky,
			Checkpoints: mem,
			Sink:        sink,
			Logger:      logrus.NewEntry(logger),
			Clock:       func() time.Time { return testNow },
			Sleep: func(_ context.Context, d time.Duration) error {
				*sleeps = append(*sleeps, d)
				return nil
			},
		},
		mem:     mem,
		flaky:   flaky,
		fetcher: fetcher,
		sink:    sink,
		sleeps:  sleeps,
	}
}

func rec(iid int, updated time.Time) store.Record {
	return store.Record{
		Key:       store.Key{ProjectID: 42, IID: iid},
		Title:     fmt.Sprintf("mr %d", iid),
		State:     store.StateOpened,
		UpdatedAt: updated,
	}
}

func TestRunPersistsAndAdvancesCheckpoint(t *testing.T) {
	t.Parallel()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	h := newHarness([]store.Record{rec(1, t1), rec(2, t2)})

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomeSuccess, sum.Outcome)
	assert.Equal(t, 2, sum.Fetched)
	assert.Equal(t, 2, sum.Upserted)
	assert.Equal(t, 0, sum.Failed)
	assert.Equal(t, http.StatusOK, sum.StatusCode())
	assert.True(t, sum.Checkpoint.Equal(t2), "checkpoint must advance to the max updated_at")

	cp, err := h.mem.LastSynced(context.Background(), "group/project")
	require.NoError(t, err)
	assert.True(t, cp.Equal(t2))
	assert.Equal(t, 2, h.mem.Len())
}

func TestRunIsIdempotentOnRefetch(t *testing.T) {
	t.Parallel()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness([]store.Record{rec(1, t1), rec(2, t1)})

	o := New(h.params)
	first := o.Run(context.Background())
	require.Equal(t, OutcomeSuccess, first.Outcome)

	// Second run refetches the same window (the fake fetcher ignores
	// since); nothing duplicates.
	second := o.Run(context.Background())
	assert.Equal(t, 2, second.Upserted)
	assert.Equal(t, 2, h.mem.Len())

	// The second run resumed from the first run's checkpoint.
	require.Len(t, h.fetcher.since, 2)
	assert.True(t, h.fetcher.since[0].IsZero())
	assert.True(t, h.fetcher.since[1].Equal(first.Checkpoint))
}

func TestRunEmptyFetchAdvancesCheckpointToNow(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomeSuccess, sum.Outcome)
	assert.Equal(t, 0, sum.Fetched)
	assert.Equal(t, 0, sum.Upserted)
	assert.Equal(t, 0, sum.Failed)
	assert.True(t, sum.Checkpoint.Equal(testNow), "empty fetch advances the checkpoint to now")

	cp, err := h.mem.LastSynced(context.Background(), "group/project")
	require.NoError(t, err)
	assert.True(t, cp.Equal(testNow))
}

func TestRunPartialFailureHoldsCheckpoint(t *testing.T) {
	t.Parallel()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness([]store.Record{rec(1, t1), rec(2, t1), rec(3, t1)})
	h.flaky.failures[store.Key{ProjectID: 42, IID: 2}] = -1 // fails forever

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomePartial, sum.Outcome)
	assert.Equal(t, 3, sum.Fetched)
	assert.Equal(t, 2, sum.Upserted)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, http.StatusMultiStatus, sum.StatusCode())

	// One record failing must not block the others.
	assert.Equal(t, 2, h.mem.Len())

	// Checkpoint held so the next tick refetches the window.
	cp, err := h.mem.LastSynced(context.Background(), "group/project")
	require.NoError(t, err)
	assert.True(t, cp.IsZero())
}

func TestRunRetriesRecordExactlyThreeTimes(t *testing.T) {
	t.Parallel()
	key := store.Key{ProjectID: 42, IID: 1}
	h := newHarness([]store.Record{rec(1, testNow)})
	h.flaky.failures[key] = -1

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomePartial, sum.Outcome)
	assert.Equal(t, 3, h.flaky.attemptsFor(key), "batch write plus two retries")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *h.sleeps, "linear backoff between attempts")
}

func TestRunRetrySucceedsWithinBudget(t *testing.T) {
	t.Parallel()
	key := store.Key{ProjectID: 42, IID: 1}
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness([]store.Record{rec(1, t1)})
	h.flaky.failures[key] = 2 // batch write and first retry fail

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomeSuccess, sum.Outcome)
	assert.Equal(t, 1, sum.Upserted)
	assert.Equal(t, 3, h.flaky.attemptsFor(key))
	assert.True(t, sum.Checkpoint.Equal(t1))
}

func TestRunInvalidRecordIsNotRetried(t *testing.T) {
	t.Parallel()
	bad := store.Record{
		Key:       store.Key{ProjectID: 42, IID: 1},
		Title:     "mr 1",
		State:     store.State("bogus"),
		UpdatedAt: testNow,
	}
	h := newHarness([]store.Record{bad, rec(2, testNow)})

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomePartial, sum.Outcome)
	assert.Equal(t, 1, sum.Failed)
	assert.Empty(t, *h.sleeps, "validation failures are permanent, no retry")
	assert.Equal(t, 1, h.mem.Len())
}

func TestRunCredentialFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(nil)
	h.params.Credentials = creds.Static{} // token absent

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomeFailed, sum.Outcome)
	assert.Equal(t, http.StatusInternalServerError, sum.StatusCode())
	assert.Error(t, sum.Err)
	assert.Empty(t, h.fetcher.since, "fetch must not run without credentials")
}

func TestRunFetchFailureCommitsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness([]store.Record{rec(1, testNow), rec(2, testNow)})
	h.fetcher.err = errors.New("page 3 (status 429): rate limit exceeded")

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomeFailed, sum.Outcome)
	assert.Equal(t, 2, sum.Fetched, "partial fetch counts are reported")
	assert.Equal(t, 0, sum.Upserted)
	assert.Equal(t, 0, h.mem.Len(), "nothing persists from a failed fetch")

	cp, err := h.mem.LastSynced(context.Background(), "group/project")
	require.NoError(t, err)
	assert.True(t, cp.IsZero(), "checkpoint must hold on fetch failure")
}

func TestRunCheckpointConflictIsSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness([]store.Record{rec(1, testNow)})
	h.params.Checkpoints = &failingCheckpoints{
		CheckpointStore: h.mem,
		advanceErr:      store.ErrCheckpointConflict,
	}

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomeSuccess, sum.Outcome, "losing the checkpoint race is not a failure")
	assert.True(t, sum.Checkpoint.IsZero(), "the discarded checkpoint is not reported")
	assert.Equal(t, 1, h.mem.Len())
}

func TestRunCheckpointWriteFailureIsPartial(t *testing.T) {
	t.Parallel()
	h := newHarness([]store.Record{rec(1, testNow)})
	h.params.Checkpoints = &failingCheckpoints{
		CheckpointStore: h.mem,
		advanceErr:      fmt.Errorf("advance: %w", store.ErrUnavailable),
	}

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomePartial, sum.Outcome)
	assert.Equal(t, 1, sum.Upserted, "records stay persisted even when the checkpoint write fails")
}

func TestRunEmitsSummaryEvent(t *testing.T) {
	t.Parallel()
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness([]store.Record{rec(1, t1)})

	New(h.params).Run(context.Background())

	require.Len(t, h.sink.events, 1)
	ev := h.sink.events[0]
	assert.Equal(t, "run_summary", ev.Kind)
	assert.Equal(t, "success", ev.Fields["outcome"])
	assert.Equal(t, 1, ev.Fields["fetched"])
	assert.Equal(t, 1, ev.Fields["upserted"])
	assert.Equal(t, t1.Unix(), ev.Fields["checkpoint_epoch"])
	assert.NotEmpty(t, ev.Fields["run_id"])
}

func TestRunSurvivesPanickingSink(t *testing.T) {
	t.Parallel()
	h := newHarness([]store.Record{rec(1, testNow)})
	h.params.Sink = panickingSink{}

	sum := New(h.params).Run(context.Background())

	assert.Equal(t, OutcomeSuccess, sum.Outcome, "a broken sink must never affect the run")
	assert.Equal(t, 1, h.mem.Len())
}
