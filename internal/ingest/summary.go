package ingest

import (
	"net/http"
	"time"

	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/observe"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeSuccess: every fetched record persisted, checkpoint advanced.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial: some records failed persistently (or the checkpoint
	// write itself failed); the checkpoint was held so the next tick
	// refetches the window.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed: the run aborted before any useful work could be
	// committed (credentials or fetch failed).
	OutcomeFailed Outcome = "failed"
)

// Summary is the structured result of one ingestion run.
type Summary struct {
	RunID      string
	Source     string
	Outcome    Outcome
	Fetched    int
	Upserted   int
	Failed     int
	Checkpoint time.Time
	Duration   time.Duration
	Err        error
}

// StatusCode maps the outcome to the invocation status code: 200 success,
// 207 partial, 500 failure.
func (s Summary) StatusCode() int {
	switch s.Outcome {
	case OutcomeSuccess:
		return http.StatusOK
	case OutcomePartial:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

func (s Summary) event() observe.Event {
	fields := map[string]interface{}{
		"run_id":           s.RunID,
		"source":           s.Source,
		"outcome":          string(s.Outcome),
		"fetched":          s.Fetched,
		"upserted":         s.Upserted,
		"failed":           s.Failed,
		"duration_seconds": s.Duration.Seconds(),
	}
	if !s.Checkpoint.IsZero() {
		fields["checkpoint_epoch"] = s.Checkpoint.Unix()
	}
	if s.Err != nil {
		fields["error"] = s.Err.Error()
	}
	return observe.Event{Kind: "run_summary", Fields: fields}
}
