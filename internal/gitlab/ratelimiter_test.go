package gitlab

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterRemaining(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0, 0, testLogger())
	assert.Equal(t, -1, rl.Remaining(), "unknown before any headers arrive")

	h := http.Header{}
	h.Set("RateLimit-Remaining", "42")
	rl.UpdateFromHeaders(h)
	assert.Equal(t, 42, rl.Remaining())
}

func TestRateLimiterWaitWithoutBackoff(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0, 0, testLogger())
	require.NoError(t, rl.Wait(context.Background()))
}

func TestRateLimiterHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0, 0, testLogger())

	h := http.Header{}
	h.Set("Retry-After", "2")
	rl.UpdateFromHeaders(h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "Wait must block for the server backoff window")
}

func TestRateLimiterIgnoresUnparsableRetryAfter(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(0, 0, testLogger())

	h := http.Header{}
	h.Set("Retry-After", "soon")
	rl.UpdateFromHeaders(h)

	require.NoError(t, rl.Wait(context.Background()))
}
