// Copyright 2025 James Ross
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// jiraClient wraps the paginated REST API of a Jira-style issue tracker.
// Auth is HTTP Basic with an email and API token, matching the integration
// credential shape the rest of the system stores.
type jiraClient struct {
	baseURL string
	email   string
	token   string
	http    *http.Client
}

func newJiraClient(baseURL, email, token string, timeout time.Duration) *jiraClient {
	return &jiraClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   email,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type jiraPage struct {
	Values     []map[string]any `json:"values"`
	Total      int              `json:"total"`
	StartAt    int              `json:"startAt"`
	MaxResults int              `json:"maxResults"`
}

func (c *jiraClient) do(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

func (c *jiraClient) getPage(ctx context.Context, path string, query url.Values) (jiraPage, error) {
	resp, err := c.do(ctx, path, query)
	if err != nil {
		return jiraPage{}, fmt.Errorf("jira request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := statusError("jira", resp); err != nil {
		return jiraPage{}, err
	}
	var page jiraPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return jiraPage{}, fmt.Errorf("decode jira page from %s: %w", path, err)
	}
	return page, nil
}

// searchIssues runs a JQL search paginated by startAt/maxResults.
func (c *jiraClient) searchIssues(ctx context.Context, jql string, startAt, maxResults int) (jiraPage, error) {
	q := url.Values{
		"jql":        {jql},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	page, err := c.getPage(ctx, "/rest/api/3/search", q)
	if err != nil {
		return jiraPage{}, err
	}
	page.StartAt = startAt
	return page, nil
}

// getProjects fetches one page of the project/search endpoint.
func (c *jiraClient) getProjects(ctx context.Context, startAt, maxResults int) (jiraPage, error) {
	q := url.Values{
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(maxResults)},
	}
	page, err := c.getPage(ctx, "/rest/api/3/project/search", q)
	if err != nil {
		return jiraPage{}, err
	}
	page.StartAt = startAt
	return page, nil
}

// getProjectStatuses returns the issue-type/status list for a single project.
func (c *jiraClient) getProjectStatuses(ctx context.Context, projectKey string) ([]map[string]any, error) {
	resp, err := c.do(ctx, fmt.Sprintf("/rest/api/3/project/%s/statuses", url.PathEscape(projectKey)), nil)
	if err != nil {
		return nil, fmt.Errorf("jira project statuses %s: %w", projectKey, err)
	}
	defer resp.Body.Close()
	if err := statusError("jira", resp); err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode jira statuses for %s: %w", projectKey, err)
	}
	return out, nil
}

// getCreateMeta fetches issue create metadata (and its nested custom field
// descriptors) for the given project keys.
func (c *jiraClient) getCreateMeta(ctx context.Context, projectKeys []string) (map[string]any, error) {
	q := url.Values{
		"projectKeys": {strings.Join(projectKeys, ",")},
		"expand":      {"projects.issuetypes.fields"},
	}
	resp, err := c.do(ctx, "/rest/api/3/issue/createmeta", q)
	if err != nil {
		return nil, fmt.Errorf("jira createmeta: %w", err)
	}
	defer resp.Body.Close()
	if err := statusError("jira", resp); err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode jira createmeta: %w", err)
	}
	return out, nil
}
