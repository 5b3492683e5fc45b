package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/gitlab-mr-syncer/gitlab-mr-syncer/internal/store"
)

// graphqlTransport adds the PRIVATE-TOKEN header and records the status
// and Retry-After of the last response. The GraphQL client folds HTTP
// failures into opaque error values, so the retry policy reads them from
// here instead.
type graphqlTransport struct {
	token   string
	base    http.RoundTripper
	limiter *RateLimiter

	mu             sync.Mutex
	lastStatus     int
	lastRetryAfter time.Duration
}

func (t *graphqlTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("PRIVATE-TOKEN", t.token)

	resp, err := t.base.RoundTrip(req)

	t.mu.Lock()
	if resp != nil {
		t.lastStatus = resp.StatusCode
		t.lastRetryAfter = headerRetryAfter(resp.Header)
		t.limiter.UpdateFromHeaders(resp.Header)
	} else {
		t.lastStatus = 0
		t.lastRetryAfter = -1
	}
	t.mu.Unlock()

	return resp, err
}

func (t *graphqlTransport) last() (status int, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStatus, t.lastRetryAfter
}

func (c *Client) graphQLClient() (*graphql.Client, *graphqlTransport) {
	transport := &graphqlTransport{
		token:          c.opts.Token,
		base:           http.DefaultTransport,
		limiter:        c.rateLimiter,
		lastRetryAfter: -1,
	}
	httpClient := &http.Client{Transport: transport}
	return graphql.NewClient(c.opts.BaseURL+"/api/graphql", httpClient), transport
}

// gqlTime is an RFC 3339 timestamp typed as the GitLab GraphQL Time scalar.
type gqlTime string

// GetGraphQLType names the scalar in the generated query document.
func (gqlTime) GetGraphQLType() string { return "Time" }

// mergeRequestNode is the GraphQL representation of a merge request,
// limited to the fields the store persists.
type mergeRequestNode struct {
	IID       string `graphql:"iid"`
	ProjectID int    `graphql:"projectId"`
	Title     string `graphql:"title"`
	State     string `graphql:"state"`
	UpdatedAt string `graphql:"updatedAt"`
}

// fetchUpdatedSinceGraphQL is the GraphQL fetch path, paginating with the
// mergeRequests connection cursor. Each page goes through the same retry
// policy as the REST path. The project must be configured as a full path;
// numeric IDs only work against REST.
func (c *Client) fetchUpdatedSinceGraphQL(ctx context.Context, since time.Time) ([]store.Record, error) {
	gql, transport := c.graphQLClient()

	// The Time scalar has no "unbounded" value, so a first run starts at
	// the epoch.
	if since.IsZero() {
		since = time.Unix(0, 0)
	}

	var all []store.Record
	var after *graphql.String
	page := 1

	for {
		var query struct {
			Project struct {
				MergeRequests struct {
					Nodes    []mergeRequestNode `graphql:"nodes"`
					PageInfo struct {
						HasNextPage bool   `graphql:"hasNextPage"`
						EndCursor   string `graphql:"endCursor"`
					} `graphql:"pageInfo"`
				} `graphql:"mergeRequests(first: $first, after: $after, updatedAfter: $updatedAfter, sort: UPDATED_ASC)"`
			} `graphql:"project(fullPath: $path)"`
		}

		variables := map[string]interface{}{
			"path":         graphql.ID(c.opts.Project),
			"first":        graphql.Int(c.opts.PageSize),
			"after":        after,
			"updatedAfter": gqlTime(since.UTC().Format(time.RFC3339)),
		}

		err := c.doPage(ctx, page, func(ctx context.Context) (int, time.Duration, error) {
			pageCtx, cancel := context.WithTimeout(ctx, c.opts.PageTimeout)
			defer cancel()

			if err := gql.Query(pageCtx, &query, variables); err != nil {
				status, delay := transport.last()
				return status, delay, err
			}
			return http.StatusOK, -1, nil
		})
		if err != nil {
			return all, err
		}

		for _, node := range query.Project.MergeRequests.Nodes {
			rec, err := mapMergeRequestNode(node)
			if err != nil {
				return all, pageError(page, http.StatusOK, ErrInvalidResponse, err)
			}
			all = append(all, rec)
		}

		info := query.Project.MergeRequests.PageInfo
		if !info.HasNextPage {
			c.logger.WithFields(map[string]interface{}{
				"records":              len(all),
				"pages":                page,
				"rate_limit_remaining": c.rateLimiter.Remaining(),
			}).Debug("fetch complete")
			return all, nil
		}
		cursor := graphql.String(info.EndCursor)
		after = &cursor
		page++
	}
}

func mapMergeRequestNode(node mergeRequestNode) (store.Record, error) {
	iid, err := strconv.Atoi(node.IID)
	if err != nil || iid <= 0 {
		return store.Record{}, fmt.Errorf("merge request has invalid iid %q", node.IID)
	}
	if node.ProjectID <= 0 {
		return store.Record{}, fmt.Errorf("merge request %d has invalid project id %d", iid, node.ProjectID)
	}
	state, err := store.ParseState(node.State)
	if err != nil {
		return store.Record{}, fmt.Errorf("merge request %d: %w", iid, err)
	}
	updatedAt, err := time.Parse(time.RFC3339, node.UpdatedAt)
	if err != nil {
		return store.Record{}, fmt.Errorf("merge request %d: parsing updatedAt: %w", iid, err)
	}

	return store.Record{
		Key:       store.Key{ProjectID: node.ProjectID, IID: iid},
		Title:     node.Title,
		State:     state,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}
