// Copyright 2025 James Ross
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flyingrobots/etl-sync-pipeline/internal/etlerr"
)

// githubClient issues GraphQL queries against a GitHub-style code hosting
// API, bearer-token authenticated, with nested-connection pagination.
type githubClient struct {
	endpoint string
	token    string
	http     *http.Client
}

func newGitHubClient(endpoint, token string, timeout time.Duration) *githubClient {
	return &githubClient{endpoint: endpoint, token: token, http: &http.Client{Timeout: timeout}}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Extra   map[string]any `json:"extensions,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

// query runs one GraphQL request and decodes Data into out. A RATE_LIMITED
// error in the response is surfaced as an *etlerr.RateLimitError so callers
// can fail the job with a resume-after timestamp instead of retrying blindly.
func (c *githubClient) query(ctx context.Context, q string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: q, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return etlerr.AsTransient(fmt.Errorf("github graphql request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		reset := parseResetAt(resp.Header.Get("X-RateLimit-Reset"))
		return &etlerr.RateLimitError{Provider: "github", Message: resp.Status, After: reset}
	}
	if err := statusError("github", resp); err != nil {
		return err
	}

	var gr graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return fmt.Errorf("decode github graphql response: %w", err)
	}
	for _, e := range gr.Errors {
		if e.Type == "RATE_LIMITED" {
			return &etlerr.RateLimitError{Provider: "github", Message: e.Message, After: time.Now().Add(time.Hour)}
		}
	}
	if len(gr.Errors) > 0 {
		return etlerr.AsFatal(fmt.Errorf("github graphql error: %s", gr.Errors[0].Message))
	}
	if out != nil && len(gr.Data) > 0 {
		if err := json.Unmarshal(gr.Data, out); err != nil {
			return fmt.Errorf("decode github graphql data: %w", err)
		}
	}
	return nil
}

func parseResetAt(header string) time.Time {
	if header == "" {
		return time.Now().Add(time.Hour)
	}
	var epoch int64
	if _, err := fmt.Sscanf(header, "%d", &epoch); err != nil {
		return time.Now().Add(time.Hour)
	}
	return time.Unix(epoch, 0)
}

// connection mirrors a GraphQL relay-style paginated connection.
type connection struct {
	Nodes    []map[string]any `json:"nodes"`
	PageInfo struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
}

type prNode struct {
	ID            string     `json:"id"`
	Number        int        `json:"number"`
	Title         string     `json:"title"`
	UpdatedAt     string     `json:"updatedAt"`
	Commits       connection `json:"commits"`
	Reviews       connection `json:"reviews"`
	Comments      connection `json:"comments"`
	ReviewThreads connection `json:"reviewThreads"`
}

type prPageResult struct {
	Repository struct {
		PullRequests struct {
			Nodes    []prNode `json:"nodes"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"pullRequests"`
	} `json:"repository"`
	RateLimit struct {
		Remaining int    `json:"remaining"`
		ResetAt   string `json:"resetAt"`
	} `json:"rateLimit"`
}

const prPageQuery = `
query($owner: String!, $repo: String!, $after: String, $pageSize: Int!, $childPageSize: Int!) {
  rateLimit { remaining resetAt }
  repository(owner: $owner, name: $repo) {
    pullRequests(first: $pageSize, after: $after, orderBy: {field: UPDATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        id number title updatedAt
        commits(first: $childPageSize) { pageInfo { hasNextPage endCursor } nodes { oid } }
        reviews(first: $childPageSize) { pageInfo { hasNextPage endCursor } nodes { id } }
        comments(first: $childPageSize) { pageInfo { hasNextPage endCursor } nodes { id } }
        reviewThreads(first: $childPageSize) { pageInfo { hasNextPage endCursor } nodes { id } }
      }
    }
  }
}`

func (c *githubClient) fetchPRPage(ctx context.Context, owner, repo, after string, pageSize, childPageSize int) (prPageResult, error) {
	vars := map[string]any{
		"owner": owner, "repo": repo, "pageSize": pageSize, "childPageSize": childPageSize,
	}
	if after != "" {
		vars["after"] = after
	}
	var out prPageResult
	if err := c.query(ctx, prPageQuery, vars, &out); err != nil {
		return prPageResult{}, err
	}
	return out, nil
}

const nestedPageQueryTemplate = `
query($id: ID!, $after: String, $pageSize: Int!) {
  node(id: $id) {
    ... on PullRequest {
      %s(first: $pageSize, after: $after) {
        pageInfo { hasNextPage endCursor }
        nodes { id }
      }
    }
  }
}`

// fetchNestedPage retrieves the next page of one child connection
// (commits/reviews/comments/reviewThreads) on a single PR node.
func (c *githubClient) fetchNestedPage(ctx context.Context, prNodeID, childKind, after string, pageSize int) (connection, error) {
	q := fmt.Sprintf(nestedPageQueryTemplate, childKind)
	vars := map[string]any{"id": prNodeID, "pageSize": pageSize}
	if after != "" {
		vars["after"] = after
	}
	var raw struct {
		Node map[string]json.RawMessage `json:"node"`
	}
	if err := c.query(ctx, q, vars, &raw); err != nil {
		return connection{}, err
	}
	body, ok := raw.Node[childKind]
	if !ok {
		return connection{}, etlerr.AsFatal(fmt.Errorf("github nested page: missing %s in response", childKind))
	}
	var conn connection
	if err := json.Unmarshal(body, &conn); err != nil {
		return connection{}, fmt.Errorf("decode github nested page %s: %w", childKind, err)
	}
	return conn, nil
}
