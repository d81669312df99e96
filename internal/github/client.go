// internal/github/client.go
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"commit-notifier/internal/model"
)

// maxPerPage is the GitHub API ceiling for per_page on list endpoints.
const maxPerPage = 100

// Client is a wrapper around the go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
// An empty token yields an unauthenticated client.
// A non-empty baseURL points the client at a GitHub Enterprise (or test) API.
func NewClient(token, baseURL string, logger *slog.Logger) (*Client, error) {
	var tc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc = oauth2.NewClient(context.Background(), ts)
	}

	gh := github.NewClient(tc)
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configure github base url: %w", err)
		}
	}

	return &Client{
		gh:     gh,
		logger: logger,
	}, nil
}

// FetchCommitsSince returns at most maxCount commits of repoString newer than since,
// newest first. A nil since fetches from the beginning of history.
func (c *Client) FetchCommitsSince(ctx context.Context, repoString string, since *time.Time, maxCount int) ([]model.Commit, error) {
	ref, err := ParseRepoString(repoString)
	if err != nil {
		return nil, err
	}

	opts := &github.CommitsListOptions{
		SHA:         ref.Branch,
		ListOptions: github.ListOptions{PerPage: clampPerPage(maxCount)},
	}
	if since != nil {
		opts.Since = *since
	}

	c.logger.Debug("Fetching commits", "repo", repoString, "since", since, "max", opts.PerPage)
	return c.listCommits(ctx, ref, opts)
}

// FetchLatestCommits returns the newest count commits of repoString.
func (c *Client) FetchLatestCommits(ctx context.Context, repoString string, count int) ([]model.Commit, error) {
	ref, err := ParseRepoString(repoString)
	if err != nil {
		return nil, err
	}

	opts := &github.CommitsListOptions{
		SHA:         ref.Branch,
		ListOptions: github.ListOptions{PerPage: clampPerPage(count)},
	}
	return c.listCommits(ctx, ref, opts)
}

// CheckQuota reports the core API rate limit for the configured token.
func (c *Client) CheckQuota(ctx context.Context) (model.Quota, error) {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return model.Quota{}, fmt.Errorf("get rate limit: %w", err)
	}
	core := limits.GetCore()
	if core == nil {
		return model.Quota{}, fmt.Errorf("get rate limit: core resource missing from response")
	}
	return model.Quota{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		Reset:     core.Reset.Time,
	}, nil
}

// listCommits fetches a single page. Callers bound the batch with PerPage instead of paginating.
func (c *Client) listCommits(ctx context.Context, ref RepoRef, opts *github.CommitsListOptions) ([]model.Commit, error) {
	commits, _, err := c.gh.Repositories.ListCommits(ctx, ref.Owner, ref.Name, opts)
	if err != nil {
		return nil, fmt.Errorf("list commits for %s: %w", ref, err)
	}

	result := make([]model.Commit, 0, len(commits))
	for _, commit := range commits {
		result = append(result, toInternalCommit(commit))
	}
	c.logger.Debug("Fetched commits", "repo", ref.String(), "count", len(result))
	return result, nil
}

func clampPerPage(n int) int {
	if n <= 0 || n > maxPerPage {
		return maxPerPage
	}
	return n
}

// toInternalCommit translates a github.RepositoryCommit object to our internal model.Commit.
func toInternalCommit(c *github.RepositoryCommit) model.Commit {
	return model.Commit{
		SHA:         c.GetSHA(),
		AuthorName:  c.GetCommit().GetAuthor().GetName(),
		AuthorEmail: c.GetCommit().GetAuthor().GetEmail(),
		Message:     c.GetCommit().GetMessage(),
		URL:         c.GetHTMLURL(),
		CommitDate:  c.GetCommit().GetAuthor().GetDate().Time,
	}
}
