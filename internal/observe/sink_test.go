package observe

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return logrus.NewEntry(logger), hook
}

type erroringSink struct{}

func (erroringSink) Emit(context.Context, Event) error { return errors.New("sink down") }

func TestLogSinkWritesEventFields(t *testing.T) {
	t.Parallel()
	logger, hook := testLogger()
	sink := NewLogSink(logger)

	ev := Event{
		Kind: "run_summary",
		Fields: map[string]interface{}{
			"outcome": "success",
			"fetched": 3,
		},
	}
	require.NoError(t, sink.Emit(context.Background(), ev))

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, "run_summary", entry.Message)
	assert.Equal(t, "success", entry.Data["outcome"])
	assert.Equal(t, 3, entry.Data["fetched"])
}

func TestMultiContinuesPastFailingSink(t *testing.T) {
	t.Parallel()
	logger, hook := testLogger()

	var received []Event
	collector := sinkFunc(func(_ context.Context, ev Event) error {
		received = append(received, ev)
		return nil
	})

	multi := NewMulti(logger, erroringSink{}, collector)
	require.NoError(t, multi.Emit(context.Background(), Event{Kind: "run_summary"}))

	assert.Len(t, received, 1, "later sinks still receive the event")
	require.NotEmpty(t, hook.Entries, "the failure is logged")
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

// sinkFunc adapts a function to the Sink interface.
type sinkFunc func(ctx context.Context, ev Event) error

func (f sinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }
