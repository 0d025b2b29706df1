package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	gh "github.com/google/go-github/v80/github"

	"github.com/Sternrassler/ghscrape/pkg/ratelimit"
)

// API paths.
const (
	PathSearchRepositories = "/search/repositories"
	PathRateLimit          = "/rate_limit"
	PathUser               = "/user"
)

// RepositoryPath returns /repos/{owner}/{repo}.
func RepositoryPath(owner, repo string) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
}

// CheckRunsPath returns /repos/{owner}/{repo}/check-runs.
func CheckRunsPath(owner, repo string) string {
	return RepositoryPath(owner, repo) + "/check-runs"
}

// UserReposPath returns /users/{user}/repos.
func UserReposPath(user string) string {
	return fmt.Sprintf("/users/%s/repos", url.PathEscape(user))
}

// GetRepository fetches a single repository. The raw body is returned with
// the typed view so callers can keep every API field.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (json.RawMessage, *gh.Repository, error) {
	resp, err := c.Get(ctx, RepositoryPath(owner, repo))
	if err != nil {
		return nil, nil, fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}

	var r gh.Repository
	if err := resp.Decode(&r); err != nil {
		return nil, nil, fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}
	if r.ID == nil {
		return nil, nil, fmt.Errorf("get repository %s/%s: response has no id", owner, repo)
	}
	return json.RawMessage(resp.Body), &r, nil
}

// ListCheckRuns fetches the check runs of a repository.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo string) (*gh.ListCheckRunsResults, error) {
	resp, err := c.Get(ctx, CheckRunsPath(owner, repo))
	if err != nil {
		return nil, fmt.Errorf("list check runs %s/%s: %w", owner, repo, err)
	}

	var runs gh.ListCheckRunsResults
	if err := resp.Decode(&runs); err != nil {
		return nil, fmt.Errorf("list check runs %s/%s: %w", owner, repo, err)
	}
	if runs.CheckRuns == nil {
		c.logger.Warn().
			Str("repository", owner+"/"+repo).
			Msg("No valid 'check_runs' found in response")
		return nil, fmt.Errorf("list check runs %s/%s: response has no check_runs", owner, repo)
	}
	return &runs, nil
}

// SearchCount runs a search and returns only its total_count.
func (c *Client) SearchCount(ctx context.Context, query string) (int, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("per_page", "1")

	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: c.URL(PathSearchRepositories, q)})
	if err != nil {
		return 0, fmt.Errorf("search %q: %w", query, err)
	}

	var result gh.RepositoriesSearchResult
	if err := resp.Decode(&result); err != nil {
		return 0, fmt.Errorf("search %q: %w", query, err)
	}
	return result.GetTotal(), nil
}

// RateLimit fetches the rate limit windows of one credential.
func (c *Client) RateLimit(ctx context.Context, cred *ratelimit.Credential) (ratelimit.Snapshot, error) {
	resp, err := c.DoWith(ctx, Request{Method: http.MethodGet, URL: c.URL(PathRateLimit, nil)}, cred)
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	snap, err := ratelimit.ParseRateLimitBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	return snap, nil
}

// ValidateToken probes GET /user with one credential and returns the
// authenticated user. A revoked token fails with an unauthorized APIError.
func (c *Client) ValidateToken(ctx context.Context, cred *ratelimit.Credential) (*gh.User, error) {
	resp, err := c.DoWith(ctx, Request{Method: http.MethodGet, URL: c.URL(PathUser, nil)}, cred)
	if err != nil {
		return nil, fmt.Errorf("validate token %s: %w", cred.Suffix(), err)
	}

	var user gh.User
	if err := resp.Decode(&user); err != nil {
		return nil, fmt.Errorf("validate token %s: %w", cred.Suffix(), err)
	}
	return &user, nil
}
