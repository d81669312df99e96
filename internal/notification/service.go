// internal/notification/service.go
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	custom_errors "commit-notifier/internal/errors"
	"commit-notifier/internal/formatter"
	"commit-notifier/internal/model"
	"commit-notifier/internal/retry"
)

const (
	// DefaultCommitCount is how many of the newest commits a test run sends per repository.
	DefaultCommitCount = 5

	// Number of repositories fetched from GitHub in parallel
	fetchConcurrency = 5
)

// SendRetryPolicy bounds the attempts for one Telegram message.
var SendRetryPolicy = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    8 * time.Second,
}

// RepositoryReader is the read side of the repository store.
type RepositoryReader interface {
	ListRepositories(ctx context.Context) ([]model.Repository, error)
	GetRepository(ctx context.Context, id int64) (model.Repository, error)
}

// CommitFetcher returns the newest commits of a repository.
type CommitFetcher interface {
	FetchLatestCommits(ctx context.Context, repoString string, count int) ([]model.Commit, error)
}

// Sink delivers a formatted notification.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Report is the outcome of a test-notification run.
type Report struct {
	ReposProcessed int                     `json:"reposProcessed"`
	MessagesSent   int                     `json:"messagesSent"`
	Errors         []formatter.RepoFailure `json:"errors"`
}

// Service sends notifications on demand, outside the scheduler. Nothing it does
// touches the schedule or the commit ledger.
type Service struct {
	repos       RepositoryReader
	fetcher     CommitFetcher
	sink        Sink
	commitCount int
	format      formatter.Options
	sendRetry   retry.Policy
	logger      *slog.Logger
}

// NewService creates a Service. A nil sink makes every send fail with ErrNotConfigured.
func NewService(repos RepositoryReader, fetcher CommitFetcher, sink Sink, commitCount int, format formatter.Options, logger *slog.Logger) *Service {
	if commitCount <= 0 {
		commitCount = DefaultCommitCount
	}
	return &Service{
		repos:       repos,
		fetcher:     fetcher,
		sink:        sink,
		commitCount: commitCount,
		format:      format,
		sendRetry:   SendRetryPolicy,
		logger:      logger.With("component", "notification"),
	}
}

type fetchResult struct {
	commits []model.Commit
	err     error
}

// TestNotifications runs fetch, format and send once for every registered repository,
// regardless of due time, then posts a summary of the run. A failing repository is
// reported and the run continues.
func (s *Service) TestNotifications(ctx context.Context) (Report, error) {
	report := Report{Errors: []formatter.RepoFailure{}}
	if s.sink == nil {
		return report, custom_errors.ErrNotConfigured
	}

	repos, err := s.repos.ListRepositories(ctx)
	if err != nil {
		return report, fmt.Errorf("list repositories: %w", err)
	}
	if len(repos) == 0 {
		return report, nil
	}
	s.logger.Info("Starting test notifications", "repositories", len(repos), "commits_per_repo", s.commitCount)

	// Fetches run concurrently; sends stay in repository order.
	results := make([]fetchResult, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, repo := range repos {
		g.Go(func() error {
			commits, err := s.fetcher.FetchLatestCommits(gctx, repo.RepoString, s.commitCount)
			results[i] = fetchResult{commits: commits, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, repo := range repos {
		logger := s.logger.With("repo", repo.RepoString)
		sent, err := s.deliver(ctx, repo.RepoString, results[i].commits, results[i].err)
		report.MessagesSent += sent
		if err != nil {
			logger.Error("Test notification failed", "error", err)
			report.Errors = append(report.Errors, formatter.RepoFailure{Repo: repo.RepoString, Error: err.Error()})
			continue
		}
		report.ReposProcessed++
	}

	s.logger.Info("Test notifications finished",
		"repos_processed", report.ReposProcessed,
		"messages_sent", report.MessagesSent,
		"errors", len(report.Errors),
	)

	// The closing report goes to the same chat and is not counted as a notification.
	if err := s.send(ctx, formatter.TestReport(report.ReposProcessed, report.MessagesSent, report.Errors)); err != nil {
		s.logger.Warn("Failed to send test notification report", "error", err)
	}
	return report, nil
}

// SendCommitsForRepo sends the newest limit commits of one repository.
// It returns the number of messages delivered.
func (s *Service) SendCommitsForRepo(ctx context.Context, id int64, limit int) (int, error) {
	if s.sink == nil {
		return 0, custom_errors.ErrNotConfigured
	}
	if limit <= 0 {
		limit = s.commitCount
	}

	repo, err := s.repos.GetRepository(ctx, id)
	if err != nil {
		return 0, err
	}
	commits, fetchErr := s.fetcher.FetchLatestCommits(ctx, repo.RepoString, limit)
	sent, err := s.deliver(ctx, repo.RepoString, commits, fetchErr)
	if err != nil {
		return sent, err
	}
	s.logger.Info("Sent commits for repository", "repo", repo.RepoString, "messages", sent)
	return sent, nil
}

func (s *Service) deliver(ctx context.Context, repoString string, commits []model.Commit, fetchErr error) (int, error) {
	if fetchErr != nil {
		return 0, fmt.Errorf("fetch commits: %w", fetchErr)
	}
	sent := 0
	for _, msg := range formatter.ForRepo(commits, repoString, s.format) {
		if err := s.send(ctx, msg.Text); err != nil {
			return sent, fmt.Errorf("send notification: %w", err)
		}
		sent++
	}
	return sent, nil
}

func (s *Service) send(ctx context.Context, text string) error {
	return retry.Do(ctx, s.sendRetry, func(ctx context.Context, _ int) error {
		return s.sink.Send(ctx, text)
	}, func(attempt int, err error, delay time.Duration) {
		if delay > 0 {
			s.logger.Warn("Telegram send failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
		}
	})
}
