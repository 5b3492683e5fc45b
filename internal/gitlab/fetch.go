package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	goGitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/store"
)

// Per-page retry budgets. A 429 gets more headroom than a network failure
// because the server tells us when to come back.
const (
	maxRateLimitAttempts = 5
	maxTransientAttempts = 3
)

// FetchUpdatedSince returns every merge request of the configured project
// updated strictly after since, ordered by update time. A zero since
// fetches without a lower bound (first run). Pagination follows the API's
// next-page links until exhausted.
//
// On failure the records fetched from earlier pages are returned alongside
// the error so the caller can report partial counts; none of them have been
// persisted yet.
func (c *Client) FetchUpdatedSince(ctx context.Context, since time.Time) ([]store.Record, error) {
	if c.opts.UseGraphQL {
		return c.fetchUpdatedSinceGraphQL(ctx, since)
	}

	opts := &goGitlab.ListProjectMergeRequestsOptions{
		State:       goGitlab.Ptr("all"),
		OrderBy:     goGitlab.Ptr("updated_at"),
		Sort:        goGitlab.Ptr("asc"),
		ListOptions: goGitlab.ListOptions{PerPage: c.opts.PageSize, Page: 1},
	}
	if !since.IsZero() {
		opts.UpdatedAfter = goGitlab.Ptr(since)
	}

	var all []store.Record
	page := 1
	for {
		opts.Page = page

		mrs, resp, err := c.fetchPage(ctx, page, opts)
		if err != nil {
			return all, err
		}

		for _, mr := range mrs {
			rec, err := mapMergeRequest(mr)
			if err != nil {
				return all, pageError(page, http.StatusOK, ErrInvalidResponse, err)
			}
			all = append(all, rec)
		}

		if resp == nil || resp.NextPage == 0 {
			c.logger.WithFields(map[string]interface{}{
				"records":              len(all),
				"pages":                page,
				"rate_limit_remaining": c.rateLimiter.Remaining(),
			}).Debug("fetch complete")
			return all, nil
		}
		page = resp.NextPage
	}
}

// fetchPage requests a single page through the shared retry policy.
func (c *Client) fetchPage(ctx context.Context, page int, opts *goGitlab.ListProjectMergeRequestsOptions) ([]*goGitlab.MergeRequest, *goGitlab.Response, error) {
	var mrs []*goGitlab.MergeRequest
	var resp *goGitlab.Response

	err := c.doPage(ctx, page, func(ctx context.Context) (int, time.Duration, error) {
		pageCtx, cancel := context.WithTimeout(ctx, c.opts.PageTimeout)
		defer cancel()

		var err error
		mrs, resp, err = c.rest.MergeRequests.ListProjectMergeRequests(c.opts.Project, opts, goGitlab.WithContext(pageCtx))
		if resp == nil {
			return 0, -1, err
		}
		c.rateLimiter.UpdateFromHeaders(resp.Header)
		return resp.StatusCode, retryAfter(resp), err
	})
	if err != nil {
		return nil, nil, err
	}
	return mrs, resp, nil
}

// doPage runs one page request under the retry policy shared by the REST
// and GraphQL transports: rate-limit and transient failures retry within
// their budgets, everything else fails the page immediately. attempt
// performs a single request and reports the observed HTTP status (0 when
// no response arrived) and the server-specified retry delay (-1 when
// absent).
func (c *Client) doPage(ctx context.Context, page int, attempt func(ctx context.Context) (int, time.Duration, error)) error {
	bo := c.newBackoff()
	rateLimited, transient := 0, 0

	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return pageError(page, 0, ErrTransientFetch, err)
		}

		status, serverDelay, err := attempt(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return pageError(page, 0, ErrTransientFetch, ctx.Err())
		}

		switch classifyFetchError(status, err) {
		case fetchRateLimited:
			rateLimited++
			if rateLimited >= maxRateLimitAttempts {
				return pageError(page, status, ErrRateLimitExceeded,
					fmt.Errorf("%d attempts: %v", rateLimited, err))
			}
			delay := serverDelay
			if delay < 0 {
				delay = bo.NextBackOff()
			}
			c.logger.WithFields(map[string]interface{}{
				"page":  page,
				"delay": delay,
			}).Warn("rate limited, retrying page")
			if serr := c.sleep(ctx, delay); serr != nil {
				return pageError(page, status, ErrTransientFetch, serr)
			}

		case fetchTransient:
			transient++
			if transient >= maxTransientAttempts {
				return pageError(page, status, ErrTransientFetch,
					fmt.Errorf("%d attempts: %v", transient, err))
			}
			delay := bo.NextBackOff()
			c.logger.WithFields(map[string]interface{}{
				"page":  page,
				"delay": delay,
			}).Warn("transient fetch error, retrying page")
			if serr := c.sleep(ctx, delay); serr != nil {
				return pageError(page, status, ErrTransientFetch, serr)
			}

		default:
			return pageError(page, status, ErrInvalidResponse, err)
		}
	}
}

type fetchErrorKind int

const (
	fetchTransient fetchErrorKind = iota
	fetchRateLimited
	fetchInvalid
)

func classifyFetchError(status int, err error) fetchErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return fetchRateLimited
	case status == 0, status >= http.StatusInternalServerError:
		// No response at all (network failure, timeout) or a server error.
		return fetchTransient
	case errors.Is(err, context.DeadlineExceeded):
		return fetchTransient
	default:
		return fetchInvalid
	}
}

// retryAfter returns the server-specified delay, or -1 when the header is
// absent or unparsable.
func retryAfter(resp *goGitlab.Response) time.Duration {
	if resp == nil {
		return -1
	}
	return headerRetryAfter(resp.Header)
}

func headerRetryAfter(h http.Header) time.Duration {
	sec, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || sec < 0 {
		return -1
	}
	return time.Duration(sec) * time.Second
}

// mapMergeRequest converts an API merge request into a Record, validating
// every field the store relies on. Nothing downstream touches raw API
// shapes.
func mapMergeRequest(mr *goGitlab.MergeRequest) (store.Record, error) {
	if mr == nil {
		return store.Record{}, fmt.Errorf("nil merge request in response")
	}
	if mr.ProjectID <= 0 || mr.IID <= 0 {
		return store.Record{}, fmt.Errorf("merge request missing id fields (project_id=%d, iid=%d)", mr.ProjectID, mr.IID)
	}
	state, err := store.ParseState(mr.State)
	if err != nil {
		return store.Record{}, fmt.Errorf("merge request %d/%d: %w", mr.ProjectID, mr.IID, err)
	}
	if mr.UpdatedAt == nil {
		return store.Record{}, fmt.Errorf("merge request %d/%d has no updated_at", mr.ProjectID, mr.IID)
	}

	return store.Record{
		Key:       store.Key{ProjectID: mr.ProjectID, IID: mr.IID},
		Title:     mr.Title,
		State:     state,
		UpdatedAt: mr.UpdatedAt.UTC(),
	}, nil
}
