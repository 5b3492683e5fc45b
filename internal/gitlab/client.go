// Package gitlab wraps the GitLab API behind the syncer's fetch contract:
// paged merge request reads with rate-limit backoff and typed validation.
package gitlab

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	goGitlab "gitlab.com/gitlab-org/api/client-go"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the GitLab instance URL, e.g. https://gitlab.com.
	BaseURL string
	// Token authenticates API requests.
	Token string
	// Project identifies the project to sync: a numeric ID or a full path
	// such as "group/project".
	Project string
	// MaxRPS and Burst control the local token-bucket rate limiter.
	// A zero or negative MaxRPS disables local pacing.
	MaxRPS int
	Burst  int
	// PageSize is the number of merge requests requested per page.
	PageSize int
	// PageTimeout bounds each page request. Exceeding it counts as a
	// transient error.
	PageTimeout time.Duration
	// UseGraphQL switches the fetch path to the GraphQL API.
	UseGraphQL bool
}

// Client fetches merge requests from a single GitLab project. It combines
// the go-gitlab REST client with a rate limiter and a bounded per-page
// retry policy; an optional GraphQL transport covers instances where the
// REST list endpoint is restricted.
type Client struct {
	rest        *goGitlab.Client
	rateLimiter *RateLimiter
	logger      *logrus.Entry
	opts        Options

	// sleep and newBackoff are swappable for tests.
	sleep      func(ctx context.Context, d time.Duration) error
	newBackoff func() backoff.BackOff
}

// New creates a Client for the project named in opts.
func New(opts Options, logger *logrus.Entry) (*Client, error) {
	if opts.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 10 * time.Second
	}

	// fetchPage owns the retry policy, so the library's built-in
	// retryablehttp retries are disabled.
	rest, err := goGitlab.NewClient(opts.Token,
		goGitlab.WithBaseURL(opts.BaseURL),
		goGitlab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab REST client: %w", err)
	}

	return &Client{
		rest:        rest,
		rateLimiter: NewRateLimiter(opts.MaxRPS, opts.Burst, logger.WithField("component", "rate_limiter")),
		logger:      logger,
		opts:        opts,
		sleep:       sleepContext,
		newBackoff:  newFetchBackoff,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newFetchBackoff builds the exponential backoff used between page retry
// attempts when the server gives no Retry-After hint: 1s initial, 60s cap.
func newFetchBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
