//go:build integration

// cmd/service/integration_test.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commit-notifier/internal/api"
	"commit-notifier/internal/database"
	"commit-notifier/internal/database/dbtest"
	"commit-notifier/internal/formatter"
	"commit-notifier/internal/github"
	"commit-notifier/internal/metrics"
	"commit-notifier/internal/notification"
	"commit-notifier/internal/retry"
	"commit-notifier/internal/scheduler"
	"commit-notifier/internal/telegram"
)

const commitsPayload = `[
	{"sha": "aaa1111111", "html_url": "https://github.com/octo/app/commit/aaa1111111",
	 "commit": {"author": {"name": "tester", "email": "t@t.com", "date": "2024-01-02T12:00:00Z"}, "message": "fix: a bug"}},
	{"sha": "bbb2222222", "html_url": "https://github.com/octo/app/commit/bbb2222222",
	 "commit": {"author": {"name": "tester", "email": "t@t.com", "date": "2024-01-01T12:00:00Z"}, "message": "feat: new feature"}}
]`

// fakeTelegram records every sendMessage call.
type fakeTelegram struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var payload struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(raw, &payload)

	f.mu.Lock()
	f.texts = append(f.texts, payload.Text)
	id := len(f.texts)
	f.mu.Unlock()

	fmt.Fprintf(w, `{"ok": true, "result": {"message_id": %d, "date": 1700000000, "chat": {"id": -100123, "type": "supergroup"}, "text": "ok"}}`, id)
}

func (f *fakeTelegram) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func TestNotificationPipeline_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	dbpool, teardown := dbtest.StartPostgres(ctx, t, "file://../../migrations")
	defer teardown()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Setup a mock GitHub API server
	ghServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/repos/octo/app/commits":
			fmt.Fprintln(w, commitsPayload)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"message": "Not Found"}`)
		}
	}))
	defer ghServer.Close()
	ghClient, err := github.NewClient("", ghServer.URL+"/", logger)
	require.NoError(t, err)

	tg := &fakeTelegram{}
	tgServer := httptest.NewServer(tg)
	defer tgServer.Close()
	sink, err := telegram.New(telegram.Config{Token: "123:abc", ChatID: "-100123", APIURL: tgServer.URL, RatePerSec: 100}, logger)
	require.NoError(t, err)

	store := database.NewStore(dbpool)
	m := metrics.New(prometheus.NewRegistry())
	newScheduler := func() *scheduler.Scheduler {
		return scheduler.New(scheduler.Config{
			Enabled:     true,
			Credentials: scheduler.Credentials{GithubToken: "gh", TelegramBotToken: "123:abc", TelegramChatID: "-100123"},
			Retry:       retry.Policy{MaxAttempts: 2, BaseDelay: 10 * time.Millisecond},
		}, scheduler.Deps{
			Store:  store,
			Locker: database.NewAdvisoryLock(dbpool, database.SchedulerLockName),
			Source: ghClient,
			Sink:   sink,
		}, logger, m)
	}
	sched := newScheduler()

	repo, err := store.CreateRepository(ctx, database.CreateRepositoryParams{
		RepoString: "octo/app", Owner: "octo", Name: "app", NotificationInterval: 1,
	})
	require.NoError(t, err)
	missing, err := store.CreateRepository(ctx, database.CreateRepositoryParams{
		RepoString: "octo/missing", Owner: "octo", Name: "missing", NotificationInterval: 1,
	})
	require.NoError(t, err)

	makeDue := func(id int64) {
		_, err := dbpool.Exec(ctx, `UPDATE repositories SET next_check_time = NOW() - INTERVAL '1 minute' WHERE id = $1`, id)
		require.NoError(t, err)
	}
	ledgerSize := func() int {
		var n int
		require.NoError(t, dbpool.QueryRow(ctx, `SELECT COUNT(*) FROM commits`).Scan(&n))
		return n
	}

	t.Run("a due repository is notified once and rescheduled", func(t *testing.T) {
		makeDue(repo.ID)
		makeDue(missing.ID)

		sched.RunCycle(ctx)

		require.Equal(t, 1, tg.count())
		assert.Contains(t, tg.texts[0], "2 commits")
		assert.Contains(t, tg.texts[0], "fix: a bug")
		assert.Equal(t, 2, ledgerSize())

		updated, err := store.GetRepository(ctx, repo.ID)
		require.NoError(t, err)
		require.NotNil(t, updated.LastCheckTime)
		assert.True(t, updated.NextCheckTime.After(time.Now().Add(50*time.Minute)))

		// the 404 repository exhausted its attempts and stays due
		stillDue, err := store.GetRepository(ctx, missing.ID)
		require.NoError(t, err)
		assert.Nil(t, stillDue.LastCheckTime)
		assert.True(t, stillDue.NextCheckTime.Before(time.Now()))

		stats := sched.Stats()
		assert.Equal(t, int64(1), stats.TotalReposProcessed)
		assert.Equal(t, int64(1), stats.TotalNotificationsSent)
		assert.Equal(t, int64(1), stats.TotalErrors)
	})

	t.Run("already notified commits are not sent again", func(t *testing.T) {
		makeDue(repo.ID)
		_, err := dbpool.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, missing.ID)
		require.NoError(t, err)

		sched.RunCycle(ctx)

		assert.Equal(t, 1, tg.count())
		assert.Equal(t, 2, ledgerSize())
		updated, err := store.GetRepository(ctx, repo.ID)
		require.NoError(t, err)
		assert.True(t, updated.NextCheckTime.After(time.Now()))
	})

	t.Run("a cycle is skipped while another instance holds the lock", func(t *testing.T) {
		_, err := dbpool.Exec(ctx, `DELETE FROM commits`)
		require.NoError(t, err)
		makeDue(repo.ID)

		other := database.NewAdvisoryLock(dbpool, database.SchedulerLockName)
		acquired, err := other.TryAcquire(ctx)
		require.NoError(t, err)
		require.True(t, acquired)

		sched.RunCycle(ctx)
		assert.Equal(t, 1, tg.count())

		require.NoError(t, other.Release(ctx))
		sched.RunCycle(ctx)
		assert.Equal(t, 2, tg.count())
	})

	t.Run("two instances racing deliver once", func(t *testing.T) {
		_, err := dbpool.Exec(ctx, `DELETE FROM commits`)
		require.NoError(t, err)
		makeDue(repo.ID)
		before := tg.count()

		a, b := newScheduler(), newScheduler()
		var wg sync.WaitGroup
		for _, s := range []*scheduler.Scheduler{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.RunCycle(ctx)
			}()
		}
		wg.Wait()

		assert.Equal(t, before+1, tg.count())
		assert.Equal(t, 2, ledgerSize())
	})

	t.Run("test notifications leave the schedule and ledger untouched", func(t *testing.T) {
		beforeRepo, err := store.GetRepository(ctx, repo.ID)
		require.NoError(t, err)
		beforeLedger := ledgerSize()
		beforeSent := tg.count()

		router := api.NewRouter(api.Deps{
			Store:     store,
			Scheduler: sched,
			Quota:     ghClient,
			Notifier:  notification.NewService(store, ghClient, sink, 5, formatter.Options{}, logger),
		}, logger)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/repositories/test-notifications", nil))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"reposProcessed":1,"messagesSent":1,"errors":[]}`, rec.Body.String())
		// one notification plus the run report
		assert.Equal(t, beforeSent+2, tg.count())
		assert.Equal(t, beforeLedger, ledgerSize())

		afterRepo, err := store.GetRepository(ctx, repo.ID)
		require.NoError(t, err)
		assert.True(t, beforeRepo.NextCheckTime.Equal(afterRepo.NextCheckTime))
	})
}
