package observe

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink translates run summaries into Prometheus metrics.
type PromSink struct {
	runsTotal           *prometheus.CounterVec
	recordsFetched      prometheus.Counter
	recordsUpserted     prometheus.Counter
	recordsFailed       prometheus.Counter
	runDuration         prometheus.Histogram
	checkpointTimestamp prometheus.Gauge
}

// NewPromSink creates the sink and registers its metrics with reg.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	s := &PromSink{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gms_runs_total",
			Help: "Total ingestion runs by outcome.",
		}, []string{"outcome"}),
		recordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gms_records_fetched_total",
			Help: "Total merge requests fetched from GitLab.",
		}),
		recordsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gms_records_upserted_total",
			Help: "Total records upserted into the store.",
		}),
		recordsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gms_records_failed_total",
			Help: "Total records that failed persistence after retries.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gms_run_duration_seconds",
			Help:    "Duration of ingestion runs.",
			Buckets: prometheus.DefBuckets,
		}),
		checkpointTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gms_checkpoint_timestamp_seconds",
			Help: "Current checkpoint watermark as a Unix timestamp.",
		}),
	}

	reg.MustRegister(
		s.runsTotal,
		s.recordsFetched,
		s.recordsUpserted,
		s.recordsFailed,
		s.runDuration,
		s.checkpointTimestamp,
	)
	return s
}

func (s *PromSink) Emit(_ context.Context, ev Event) error {
	if ev.Kind != "run_summary" {
		return nil
	}

	if outcome, ok := ev.Fields["outcome"].(string); ok {
		s.runsTotal.WithLabelValues(outcome).Inc()
	}
	if n, ok := ev.Fields["fetched"].(int); ok {
		s.recordsFetched.Add(float64(n))
	}
	if n, ok := ev.Fields["upserted"].(int); ok {
		s.recordsUpserted.Add(float64(n))
	}
	if n, ok := ev.Fields["failed"].(int); ok {
		s.recordsFailed.Add(float64(n))
	}
	if d, ok := ev.Fields["duration_seconds"].(float64); ok {
		s.runDuration.Observe(d)
	}
	if ts, ok := ev.Fields["checkpoint_epoch"].(int64); ok && ts > 0 {
		s.checkpointTimestamp.Set(float64(ts))
	}
	return nil
}
