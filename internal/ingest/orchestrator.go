// Package ingest drives one ingestion run end to end: checkpoint read,
// authentication, full fetch, idempotent persistence, compare-and-swap
// checkpoint advance, summary emission.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/creds"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/observe"
	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/store"
)

// storeAttempts is the total number of attempts per record, counting the
// initial batch write.
const storeAttempts = 3

// Fetcher returns every record updated strictly after since. On error it
// may return the records gathered from earlier pages for reporting.
type Fetcher interface {
	FetchUpdatedSince(ctx context.Context, since time.Time) ([]store.Record, error)
}

// Params collects the collaborators of an Orchestrator.
type Params struct {
	// Source is the checkpoint key, typically the project path.
	Source string
	// TokenName is the credential looked up per run.
	TokenName string
	// TTL is applied to every upserted record.
	TTL time.Duration

	Credentials creds.Provider
	// NewFetcher builds a fetcher with the freshly obtained token.
	NewFetcher  func(token string) (Fetcher, error)
	Records     store.RecordStore
	Checkpoints store.CheckpointStore
	Sink        observe.Sink
	Logger      *logrus.Entry

	// Clock and Sleep default to the real thing; tests override them.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator runs the ingestion state machine. It holds no mutable state
// between runs, so overlapping invocations are safe: persistence is
// idempotent and the checkpoint advance is compare-and-swap protected.
type Orchestrator struct {
	p Params
}

// New creates an Orchestrator from the given params.
func New(p Params) *Orchestrator {
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.Sleep == nil {
		p.Sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return &Orchestrator{p: p}
}

// Run executes a single ingestion run. All failures are converted into the
// returned Summary; nothing propagates as a fault. The checkpoint only
// advances when every fetched record persisted.
func (o *Orchestrator) Run(ctx context.Context) Summary {
	start := o.p.Clock()
	sum := Summary{
		RunID:  uuid.NewString(),
		Source: o.p.Source,
	}
	log := o.p.Logger.WithField("run_id", sum.RunID)

	finish := func(outcome Outcome, err error) Summary {
		sum.Outcome = outcome
		sum.Err = err
		sum.Duration = o.p.Clock().Sub(start)
		if err != nil {
			log.WithError(err).WithField("outcome", outcome).Warn("run did not fully succeed")
		}
		o.emit(ctx, sum)
		return sum
	}

	// Checkpoint read; a zero time means no run has completed yet.
	prev, err := o.p.Checkpoints.LastSynced(ctx, o.p.Source)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("reading checkpoint: %w", err))
	}

	// Authenticate.
	token, err := o.p.Credentials.Get(ctx, o.p.TokenName)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("obtaining credentials: %w", err))
	}
	fetcher, err := o.p.NewFetcher(token)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("building fetcher: %w", err))
	}

	// Fetch all pages before persisting anything, so a half-fetched run
	// commits nothing and the next tick can simply refetch.
	recs, err := fetcher.FetchUpdatedSince(ctx, prev)
	sum.Fetched = len(recs)
	if err != nil {
		return finish(OutcomeFailed, fmt.Errorf("fetching since %s: %w", prev.Format(time.RFC3339), err))
	}

	sum.Failed = o.persist(ctx, log, recs)
	sum.Upserted = sum.Fetched - sum.Failed

	if sum.Failed > 0 {
		// Hold the checkpoint so the failed window is retried next tick.
		// Idempotent upserts make refetching the succeeded records safe.
		return finish(OutcomePartial, nil)
	}

	next := maxUpdatedAt(recs)
	if next.IsZero() {
		// Empty fetch: advance to now so a quiet window is not rescanned
		// indefinitely.
		next = o.p.Clock()
	}
	sum.Checkpoint = next

	switch err := o.p.Checkpoints.AdvanceLastSynced(ctx, o.p.Source, prev, next); {
	case err == nil:
	case errors.Is(err, store.ErrCheckpointConflict):
		// A concurrent run advanced the checkpoint first; its value is
		// strictly newer, ours is discarded. Our records are persisted
		// either way.
		log.Info("checkpoint advanced by concurrent run, discarding ours")
		sum.Checkpoint = time.Time{}
	default:
		return finish(OutcomePartial, fmt.Errorf("advancing checkpoint: %w", err))
	}

	return finish(OutcomeSuccess, nil)
}

// persist writes the batch and retries individually failed records within
// the per-record attempt budget. Returns the count of records that failed
// persistently.
func (o *Orchestrator) persist(ctx context.Context, log *logrus.Entry, recs []store.Record) int {
	if len(recs) == 0 {
		return 0
	}

	failed := 0
	for i, res := range o.p.Records.UpsertBatch(ctx, recs, o.p.TTL) {
		if res.Err == nil {
			continue
		}
		if !store.IsRetryable(res.Err) {
			log.WithError(res.Err).WithField("record", res.Key).Warn("record rejected, skipping")
			failed++
			continue
		}
		if !o.retryUpsert(ctx, log, recs[i]) {
			failed++
		}
	}
	return failed
}

// retryUpsert retries one record with linear backoff. The batch write
// already spent the first attempt.
func (o *Orchestrator) retryUpsert(ctx context.Context, log *logrus.Entry, rec store.Record) bool {
	for attempt := 2; attempt <= storeAttempts; attempt++ {
		if err := o.p.Sleep(ctx, time.Duration(attempt-1)*time.Second); err != nil {
			return false
		}
		err := o.p.Records.Upsert(ctx, rec, o.p.TTL)
		if err == nil {
			return true
		}
		if !store.IsRetryable(err) {
			log.WithError(err).WithField("record", rec.Key).Warn("record rejected during retry")
			return false
		}
		log.WithError(err).WithFields(logrus.Fields{
			"record":  rec.Key,
			"attempt": attempt,
		}).Warn("store unavailable, will retry record")
	}
	log.WithField("record", rec.Key).Error("record failed after all store attempts")
	return false
}

// emit pushes the summary to the sink, best-effort. A slow, failing, or
// panicking sink never affects the run result.
func (o *Orchestrator) emit(ctx context.Context, sum Summary) {
	defer func() {
		if r := recover(); r != nil {
			o.p.Logger.WithField("panic", r).Warn("observability sink panicked")
		}
	}()

	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := o.p.Sink.Emit(emitCtx, sum.event()); err != nil {
		o.p.Logger.WithError(err).Warn("failed to emit run summary")
	}
}

func maxUpdatedAt(recs []store.Record) time.Time {
	var max time.Time
	for _, rec := range recs {
		if rec.UpdatedAt.After(max) {
			max = rec.UpdatedAt
		}
	}
	return max
}
