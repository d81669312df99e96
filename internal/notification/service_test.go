// internal/notification/service_test.go
package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	custom_errors "commit-notifier/internal/errors"
	"commit-notifier/internal/formatter"
	"commit-notifier/internal/model"
	"commit-notifier/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type MockRepositories struct {
	mock.Mock
}

func (m *MockRepositories) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Repository), args.Error(1)
}
func (m *MockRepositories) GetRepository(ctx context.Context, id int64) (model.Repository, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Repository), args.Error(1)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchLatestCommits(ctx context.Context, repoString string, count int) ([]model.Commit, error) {
	args := m.Called(ctx, repoString, count)
	return args.Get(0).([]model.Commit), args.Error(1)
}

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Send(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func commits(n int) []model.Commit {
	out := make([]model.Commit, n)
	for i := range out {
		out[i] = model.Commit{
			SHA:        strings.Repeat(string(rune('a'+i)), 40),
			AuthorName: "dev",
			Message:    "change",
			CommitDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func isReport(want bool) func(string) bool {
	return func(s string) bool {
		return strings.Contains(s, "Test notifications finished") == want
	}
}

func TestService_TestNotifications(t *testing.T) {
	ctx := context.Background()
	repos := []model.Repository{
		{ID: 1, RepoString: "octo/one"},
		{ID: 2, RepoString: "octo/two:dev"},
		{ID: 3, RepoString: "octo/empty"},
	}

	t.Run("reports per repository and keeps going after a failure", func(t *testing.T) {
		store := new(MockRepositories)
		fetcher := new(MockFetcher)
		sink := new(MockSink)
		svc := NewService(store, fetcher, sink, 0, formatter.Options{}, discardLogger())

		store.On("ListRepositories", ctx).Return(repos, nil).Once()
		fetcher.On("FetchLatestCommits", mock.Anything, "octo/one", DefaultCommitCount).Return(commits(5), nil).Once()
		fetcher.On("FetchLatestCommits", mock.Anything, "octo/two:dev", DefaultCommitCount).Return([]model.Commit{}, errors.New("404 Not Found")).Once()
		fetcher.On("FetchLatestCommits", mock.Anything, "octo/empty", DefaultCommitCount).Return([]model.Commit{}, nil).Once()
		sink.On("Send", ctx, mock.MatchedBy(func(s string) bool { return strings.Contains(s, "showing 1-5/5") })).Return(nil).Once()
		sink.On("Send", ctx, mock.MatchedBy(func(s string) bool {
			return strings.Contains(s, "Test notifications finished") && strings.Contains(s, "octo/two:dev")
		})).Return(nil).Once()

		report, err := svc.TestNotifications(ctx)

		require.NoError(t, err)
		assert.Equal(t, 2, report.ReposProcessed)
		assert.Equal(t, 1, report.MessagesSent)
		require.Len(t, report.Errors, 1)
		assert.Equal(t, "octo/two:dev", report.Errors[0].Repo)
		assert.Contains(t, report.Errors[0].Error, "404")
		fetcher.AssertExpectations(t)
		sink.AssertExpectations(t)
	})

	t.Run("a send failing every attempt is reported for that repository", func(t *testing.T) {
		store := new(MockRepositories)
		fetcher := new(MockFetcher)
		sink := new(MockSink)
		svc := NewService(store, fetcher, sink, 1, formatter.Options{}, discardLogger())
		svc.sendRetry = fastRetry

		store.On("ListRepositories", ctx).Return(repos[:1], nil).Once()
		fetcher.On("FetchLatestCommits", mock.Anything, "octo/one", 1).Return(commits(1), nil).Once()
		sink.On("Send", ctx, mock.MatchedBy(isReport(false))).Return(errors.New("chat not found")).Times(3)
		sink.On("Send", ctx, mock.MatchedBy(isReport(true))).Return(nil).Once()

		report, err := svc.TestNotifications(ctx)

		require.NoError(t, err)
		sink.AssertExpectations(t)
		assert.Equal(t, 0, report.ReposProcessed)
		assert.Equal(t, 0, report.MessagesSent)
		assert.Equal(t, []formatter.RepoFailure{{Repo: "octo/one", Error: "send notification: all 3 attempts failed: chat not found"}}, report.Errors)
	})

	t.Run("a transient send failure is retried", func(t *testing.T) {
		store := new(MockRepositories)
		fetcher := new(MockFetcher)
		sink := new(MockSink)
		svc := NewService(store, fetcher, sink, 1, formatter.Options{}, discardLogger())
		svc.sendRetry = fastRetry

		store.On("ListRepositories", ctx).Return(repos[:1], nil).Once()
		fetcher.On("FetchLatestCommits", mock.Anything, "octo/one", 1).Return(commits(1), nil).Once()
		sink.On("Send", ctx, mock.MatchedBy(isReport(false))).Return(errors.New("Too Many Requests: retry after 1")).Once()
		sink.On("Send", ctx, mock.MatchedBy(isReport(false))).Return(nil).Once()
		sink.On("Send", ctx, mock.MatchedBy(isReport(true))).Return(nil).Once()

		report, err := svc.TestNotifications(ctx)

		require.NoError(t, err)
		sink.AssertExpectations(t)
		assert.Equal(t, 1, report.ReposProcessed)
		assert.Equal(t, 1, report.MessagesSent)
		assert.Empty(t, report.Errors)
	})

	t.Run("no repositories is an empty report", func(t *testing.T) {
		store := new(MockRepositories)
		svc := NewService(store, new(MockFetcher), new(MockSink), 5, formatter.Options{}, discardLogger())
		store.On("ListRepositories", ctx).Return([]model.Repository{}, nil).Once()

		report, err := svc.TestNotifications(ctx)

		require.NoError(t, err)
		assert.Equal(t, Report{Errors: []formatter.RepoFailure{}}, report)
	})

	t.Run("fails when the repository list cannot be read", func(t *testing.T) {
		store := new(MockRepositories)
		svc := NewService(store, new(MockFetcher), new(MockSink), 5, formatter.Options{}, discardLogger())
		store.On("ListRepositories", ctx).Return([]model.Repository{}, errors.New("db down")).Once()

		_, err := svc.TestNotifications(ctx)
		assert.ErrorContains(t, err, "db down")
	})

	t.Run("requires a sink", func(t *testing.T) {
		svc := NewService(new(MockRepositories), new(MockFetcher), nil, 5, formatter.Options{}, discardLogger())

		_, err := svc.TestNotifications(ctx)
		assert.ErrorIs(t, err, custom_errors.ErrNotConfigured)
	})
}

func TestService_SendCommitsForRepo(t *testing.T) {
	ctx := context.Background()
	repo := model.Repository{ID: 7, RepoString: "octo/seven"}

	t.Run("sends one message per page", func(t *testing.T) {
		store := new(MockRepositories)
		fetcher := new(MockFetcher)
		sink := new(MockSink)
		svc := NewService(store, fetcher, sink, 5, formatter.Options{PageSize: 5}, discardLogger())

		store.On("GetRepository", ctx, int64(7)).Return(repo, nil).Once()
		fetcher.On("FetchLatestCommits", ctx, "octo/seven", 10).Return(commits(10), nil).Once()
		sink.On("Send", ctx, mock.Anything).Return(nil).Twice()

		sent, err := svc.SendCommitsForRepo(ctx, 7, 10)

		require.NoError(t, err)
		assert.Equal(t, 2, sent)
		sink.AssertExpectations(t)
	})

	t.Run("uses the default count when no limit is given", func(t *testing.T) {
		store := new(MockRepositories)
		fetcher := new(MockFetcher)
		sink := new(MockSink)
		svc := NewService(store, fetcher, sink, 3, formatter.Options{}, discardLogger())

		store.On("GetRepository", ctx, int64(7)).Return(repo, nil).Once()
		fetcher.On("FetchLatestCommits", ctx, "octo/seven", 3).Return([]model.Commit{}, nil).Once()

		sent, err := svc.SendCommitsForRepo(ctx, 7, 0)

		require.NoError(t, err)
		assert.Zero(t, sent)
		sink.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("passes through a missing repository", func(t *testing.T) {
		store := new(MockRepositories)
		svc := NewService(store, new(MockFetcher), new(MockSink), 5, formatter.Options{}, discardLogger())
		store.On("GetRepository", ctx, int64(99)).Return(model.Repository{}, custom_errors.ErrNotFound).Once()

		_, err := svc.SendCommitsForRepo(ctx, 99, 5)
		assert.ErrorIs(t, err, custom_errors.ErrNotFound)
	})
}
