package gitlab

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests with a local token bucket and backs
// off further when GitLab's RateLimit-Remaining / RateLimit-Reset /
// Retry-After response headers indicate the remote window is close to
// exhaustion. Safe for concurrent use.
type RateLimiter struct {
	mu sync.Mutex

	local *rate.Limiter

	// headerReset and headerRemaining mirror the last observed remote
	// window state.
	headerReset     time.Time
	headerRemaining int

	// backoffUntil delays the next request while the remote limit drains.
	backoffUntil time.Time

	logger *logrus.Entry
}

// NewRateLimiter creates a RateLimiter with the given requests-per-second
// and burst. A zero or negative rps disables local pacing.
func NewRateLimiter(rps, burst int, logger *logrus.Entry) *RateLimiter {
	var limiter *rate.Limiter
	if rps <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimiter{
		local:           limiter,
		headerRemaining: -1, // unknown
		logger:          logger,
	}
}

// Wait blocks until the limiter allows one more request, honouring any
// header-derived backoff first. Returns ctx.Err() if the context expires
// while waiting.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	backoff := rl.backoffUntil
	rl.mu.Unlock()

	if !backoff.IsZero() && time.Now().Before(backoff) {
		delay := time.Until(backoff)
		rl.logger.WithField("delay", delay.Round(time.Millisecond)).
			Debug("rate limiter: waiting for header-based backoff")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return rl.local.Wait(ctx)
}

// UpdateFromHeaders inspects response headers and adjusts the backoff
// state. Retry-After (sent on 429) takes priority; otherwise the remaining
// requests are spread over the time left in the remote window once fewer
// than ten remain.
func (rl *RateLimiter) UpdateFromHeaders(headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if ra := headers.Get("Retry-After"); ra != "" {
		if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
			until := time.Now().Add(time.Duration(sec) * time.Second)
			if until.After(rl.backoffUntil) {
				rl.backoffUntil = until
				rl.logger.WithField("retry_after_sec", sec).
					Warn("rate limiter: 429 received, backing off")
			}
			return
		}
	}

	remainStr := headers.Get("RateLimit-Remaining")
	if remainStr == "" {
		return
	}
	remaining, err := strconv.Atoi(remainStr)
	if err != nil {
		return
	}
	rl.headerRemaining = remaining

	resetStr := headers.Get("RateLimit-Reset")
	if resetStr == "" {
		return
	}
	resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return
	}
	rl.headerReset = time.Unix(resetEpoch, 0)

	if remaining <= 0 {
		if rl.headerReset.After(rl.backoffUntil) {
			rl.backoffUntil = rl.headerReset
			rl.logger.Warn("rate limiter: remote limit exhausted, backing off until reset")
		}
	} else if remaining < 10 {
		untilReset := time.Until(rl.headerReset)
		if untilReset > 0 {
			perRequest := time.Duration(math.Ceil(float64(untilReset) / float64(remaining+1)))
			until := time.Now().Add(perRequest)
			if until.After(rl.backoffUntil) {
				rl.backoffUntil = until
				rl.logger.WithFields(logrus.Fields{
					"remaining": remaining,
					"delay":     perRequest.Round(time.Millisecond),
				}).Debug("rate limiter: throttling near exhaustion")
			}
		}
	}
}

// Remaining returns the last observed RateLimit-Remaining value, or -1 if
// no header has been seen yet.
func (rl *RateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.headerRemaining
}
