// Package observe receives structured run summaries. Sinks are best-effort:
// a broken sink must never fail or block an ingestion run.
package observe

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Event is a structured observability event.
type Event struct {
	Kind   string
	Fields map[string]interface{}
}

// Sink receives events. Implementations should return quickly; the caller
// swallows errors.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// LogSink writes events through logrus.
type LogSink struct {
	logger *logrus.Entry
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *logrus.Entry) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	s.logger.WithFields(logrus.Fields(ev.Fields)).Info(ev.Kind)
	return nil
}

// Multi fans an event out to several sinks. Individual sink failures are
// logged and do not stop the fan-out.
type Multi struct {
	sinks  []Sink
	logger *logrus.Entry
}

// NewMulti creates a fan-out sink.
func NewMulti(logger *logrus.Entry, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, logger: logger}
}

func (m *Multi) Emit(ctx context.Context, ev Event) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			m.logger.WithError(err).WithField("kind", ev.Kind).Warn("sink emit failed")
		}
	}
	return nil
}
