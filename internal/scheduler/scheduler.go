// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"commit-notifier/internal/events"
	"commit-notifier/internal/formatter"
	"commit-notifier/internal/metrics"
	"commit-notifier/internal/model"
	"commit-notifier/internal/retry"
)

// Store is the persistence the scheduler needs: the due-repository schedule and the commit ledger.
type Store interface {
	GetDueRepositories(ctx context.Context) ([]model.Repository, error)
	AdvanceSchedule(ctx context.Context, id int64) error
	GetNotifiedSHAs(ctx context.Context, shas []string) (map[string]struct{}, error)
	RecordNotifiedCommits(ctx context.Context, repositoryID int64, commits []model.Commit) (int64, error)
}

// Locker is a cluster-wide mutual exclusion primitive.
type Locker interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// CommitSource fetches commits from GitHub.
type CommitSource interface {
	FetchCommitsSince(ctx context.Context, repoString string, since *time.Time, maxCount int) ([]model.Commit, error)
}

// Sink delivers a formatted notification.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Credentials are checked for presence before the scheduler activates.
type Credentials struct {
	GithubToken      string
	TelegramBotToken string
	TelegramChatID   string
}

// Missing names the credentials that are empty.
func (c Credentials) Missing() []string {
	var missing []string
	if c.GithubToken == "" {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if c.TelegramBotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.TelegramChatID == "" {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}
	return missing
}

type Config struct {
	Enabled          bool
	Credentials      Credentials
	PollingInterval  time.Duration
	StopTimeout      time.Duration
	StopPollInterval time.Duration
	MaxCommits       int
	Retry            retry.Policy
	Format           formatter.Options
	NotifyOnFailure  bool
}

func (c *Config) applyDefaults() {
	if c.PollingInterval <= 0 {
		c.PollingInterval = 5 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.StopPollInterval <= 0 {
		c.StopPollInterval = 100 * time.Millisecond
	}
	if c.MaxCommits <= 0 {
		c.MaxCommits = 100
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy
	}
}

// Deps are the collaborators of a Scheduler. Publisher may be nil.
type Deps struct {
	Store     Store
	Locker    Locker
	Source    CommitSource
	Sink      Sink
	Publisher events.Publisher
}

// Stats is a snapshot of process-local run statistics.
type Stats struct {
	IsRunning              bool       `json:"isRunning"`
	LastRunTime            *time.Time `json:"lastRunTime"`
	LastRunDuration        int64      `json:"lastRunDuration"` // milliseconds
	TotalCycles            int64      `json:"totalCycles"`
	TotalReposProcessed    int64      `json:"totalReposProcessed"`
	TotalNotificationsSent int64      `json:"totalNotificationsSent"`
	TotalErrors            int64      `json:"totalErrors"`
}

// Scheduler periodically notifies about new commits of due repositories.
// Cycles never overlap: within a process an in-progress guard skips re-entrant
// triggers, and across processes the Locker admits one cycle at a time.
type Scheduler struct {
	cfg       Config
	store     Store
	lock      Locker
	source    CommitSource
	sink      Sink
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	running      atomic.Bool
	shuttingDown atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	runCtx  context.Context
	stats   Stats
}

// New creates a Scheduler. It does nothing until Start is called.
func New(cfg Config, deps Deps, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	cfg.applyDefaults()
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Scheduler{
		cfg:       cfg,
		store:     deps.Store,
		lock:      deps.Locker,
		source:    deps.Source,
		sink:      deps.Sink,
		publisher: publisher,
		logger:    logger.With("component", "scheduler"),
		metrics:   m,
	}
}

// Start activates the scheduler: it arms the polling trigger and runs the first
// cycle before returning. It does nothing when disabled, when a credential is
// missing, when already started, or once Stop has been called. Cycles run on a context detached from ctx,
// so cancelling ctx never interrupts a fetch or send in flight; use Stop.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("Notification scheduler is disabled by configuration")
		return
	}
	if missing := s.cfg.Credentials.Missing(); len(missing) > 0 {
		s.logger.Warn("Notification scheduler not started: missing credentials", "missing", missing)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Info("Notification scheduler not started: already stopped")
		return
	}
	if s.started {
		s.mu.Unlock()
		s.logger.Debug("Notification scheduler already started")
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.runCtx = context.WithoutCancel(ctx)
	stopCh, runCtx := s.stopCh, s.runCtx
	s.mu.Unlock()

	s.logger.Info("Starting notification scheduler",
		"interval", s.cfg.PollingInterval.String(),
		"max_attempts", s.cfg.Retry.MaxAttempts,
		"retry_base_delay", s.cfg.Retry.BaseDelay.String(),
	)

	go s.loop(runCtx, stopCh)
	s.RunCycle(runCtx)
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunCycle(ctx)
		case <-stopCh:
			return
		}
	}
}

// Stop disarms the trigger and waits up to StopTimeout for an in-flight cycle.
// It never cancels that cycle; after the timeout it returns and the cycle may
// still finish in the background. Stop is idempotent and final: a stopped
// scheduler cannot be started again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.shuttingDown.Store(true)
	if s.started {
		s.started = false
		close(s.stopCh)
	}
	s.mu.Unlock()

	if !s.running.Load() {
		s.logger.Info("Notification scheduler stopped")
		return
	}

	s.logger.Info("Waiting for in-flight cycle to finish", "timeout", s.cfg.StopTimeout.String())
	deadline := time.Now().Add(s.cfg.StopTimeout)
	for s.running.Load() {
		if time.Now().After(deadline) {
			s.logger.Warn("Timed out waiting for in-flight cycle; it will finish in the background")
			return
		}
		time.Sleep(s.cfg.StopPollInterval)
	}
	s.logger.Info("Notification scheduler stopped")
}

// TriggerNow runs a cycle in the background. It reports false when the scheduler
// is inactive, shutting down, or already running a cycle.
func (s *Scheduler) TriggerNow() bool {
	if !s.cfg.Enabled || len(s.cfg.Credentials.Missing()) > 0 {
		return false
	}
	if s.shuttingDown.Load() || s.running.Load() {
		return false
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	go s.RunCycle(ctx)
	return true
}

// Stats returns a snapshot of the run statistics. Safe for concurrent use.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	st.IsRunning = s.running.Load()
	return st
}

// RunCycle performs one cycle: lock, process every due repository oldest first, unlock.
// Shutdown is observed between repositories only.
func (s *Scheduler) RunCycle(ctx context.Context) {
	// Claim the guard before looking at shuttingDown: Stop sets the flag before it
	// reads running, so one of the two always sees the other.
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("Skipping cycle: previous cycle still running")
		return
	}
	defer s.running.Store(false)
	if s.shuttingDown.Load() {
		s.logger.Debug("Skipping cycle: shutdown in progress")
		return
	}

	cycleID := uuid.NewString()
	logger := s.logger.With("cycle_id", cycleID)

	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		logger.Error("Failed to acquire scheduler lock", "error", err)
		s.metrics.Errors.WithLabelValues(metrics.StageLock).Inc()
		return
	}
	if !acquired {
		logger.Debug("Scheduler lock held by another instance, skipping cycle")
		s.metrics.LockContended.Inc()
		return
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to release scheduler lock", "error", err)
			s.metrics.Errors.WithLabelValues(metrics.StageLock).Inc()
		}
	}()

	start := time.Now()
	defer s.finishCycle(logger, start)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Scheduler cycle panicked", "panic", r)
			s.recordError(metrics.StagePanic)
		}
	}()

	repos, err := s.store.GetDueRepositories(ctx)
	if err != nil {
		logger.Error("Failed to query due repositories", "error", err)
		s.recordError(metrics.StageDueQuery)
		return
	}
	if len(repos) == 0 {
		logger.Debug("No repositories due")
		return
	}

	logger.Info("Processing due repositories", "count", len(repos))
	for i, repo := range repos {
		if s.shuttingDown.Load() {
			logger.Info("Shutdown requested, leaving remaining repositories for the next cycle", "remaining", len(repos)-i)
			break
		}
		s.processWithRetry(ctx, logger, cycleID, repo)
	}
}

func (s *Scheduler) finishCycle(logger *slog.Logger, start time.Time) {
	elapsed := time.Since(start)

	s.mu.Lock()
	s.stats.TotalCycles++
	s.stats.LastRunTime = &start
	s.stats.LastRunDuration = elapsed.Milliseconds()
	s.mu.Unlock()

	s.metrics.CyclesTotal.Inc()
	s.metrics.CycleDuration.Observe(elapsed.Seconds())
	logger.Info("Cycle finished", "duration", elapsed.String())
}

func (s *Scheduler) recordError(stage string) {
	s.mu.Lock()
	s.stats.TotalErrors++
	s.mu.Unlock()
	s.metrics.Errors.WithLabelValues(stage).Inc()
}

// processWithRetry runs the whole fetch/dedup/send/advance unit under the retry
// policy. A repository that fails every attempt keeps its schedule and stays due.
func (s *Scheduler) processWithRetry(ctx context.Context, logger *slog.Logger, cycleID string, repo model.Repository) {
	logger = logger.With("repo", repo.RepoString, "repo_id", repo.ID)

	var sent int
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context, attempt int) error {
		n, err := s.processRepository(ctx, logger, cycleID, repo)
		sent += n
		return err
	}, func(attempt int, err error, delay time.Duration) {
		logger.Warn("Repository attempt failed",
			"attempt", attempt,
			"max_attempts", s.cfg.Retry.MaxAttempts,
			"retry_in", delay.String(),
			"error", err,
		)
	})

	s.mu.Lock()
	s.stats.TotalNotificationsSent += int64(sent)
	if err == nil {
		s.stats.TotalReposProcessed++
	}
	s.mu.Unlock()
	s.metrics.NotificationsSent.Add(float64(sent))

	if err != nil {
		logger.Error("Repository processing failed after all attempts", "error", err)
		s.recordError(metrics.StageRepository)
		if s.cfg.NotifyOnFailure {
			if alertErr := s.sink.Send(ctx, formatter.Error(repo.RepoString, err)); alertErr != nil {
				logger.Warn("Failed to send failure alert", "error", alertErr)
			}
		}
		return
	}
	s.metrics.ReposProcessed.Inc()
}

// processRepository is one attempt. Each delivered message records its commits
// in the ledger before the next one is sent, so a retry only re-sends what was
// never delivered. It returns the number of messages delivered.
func (s *Scheduler) processRepository(ctx context.Context, logger *slog.Logger, cycleID string, repo model.Repository) (int, error) {
	commits, err := s.source.FetchCommitsSince(ctx, repo.RepoString, repo.LastCheckTime, s.cfg.MaxCommits)
	if err != nil {
		return 0, fmt.Errorf("fetch commits: %w", err)
	}

	fresh, err := s.filterNotified(ctx, commits)
	if err != nil {
		return 0, fmt.Errorf("check commit ledger: %w", err)
	}

	sent := 0
	if len(fresh) > 0 {
		logger.Info("Found new commits", "fetched", len(commits), "new", len(fresh))

		opts := s.cfg.Format
		opts.Now = time.Now()
		for _, msg := range formatter.ForRepo(fresh, repo.RepoString, opts) {
			if err := s.sink.Send(ctx, msg.Text); err != nil {
				return sent, fmt.Errorf("send notification: %w", err)
			}
			sent++
			if _, err := s.store.RecordNotifiedCommits(ctx, repo.ID, msg.Commits); err != nil {
				return sent, fmt.Errorf("record notified commits: %w", err)
			}
		}
		s.publishSent(ctx, logger, cycleID, repo, fresh, sent)
	} else {
		logger.Debug("No new commits", "fetched", len(commits))
	}

	if err := s.store.AdvanceSchedule(ctx, repo.ID); err != nil {
		return sent, fmt.Errorf("advance schedule: %w", err)
	}
	return sent, nil
}

// filterNotified drops commits whose SHA is already in the ledger, preserving order.
func (s *Scheduler) filterNotified(ctx context.Context, commits []model.Commit) ([]model.Commit, error) {
	if len(commits) == 0 {
		return nil, nil
	}
	shas := make([]string, len(commits))
	for i, c := range commits {
		shas[i] = c.SHA
	}
	notified, err := s.store.GetNotifiedSHAs(ctx, shas)
	if err != nil {
		return nil, err
	}

	fresh := make([]model.Commit, 0, len(commits))
	for _, c := range commits {
		if _, seen := notified[c.SHA]; !seen {
			fresh = append(fresh, c)
		}
	}
	return fresh, nil
}

func (s *Scheduler) publishSent(ctx context.Context, logger *slog.Logger, cycleID string, repo model.Repository, commits []model.Commit, messages int) {
	shas := make([]string, len(commits))
	for i, c := range commits {
		shas[i] = c.SHA
	}
	if err := s.publisher.Publish(ctx, events.NewNotificationSent(repo.RepoString, shas, messages, cycleID)); err != nil {
		logger.Warn("Failed to publish notification event", "error", err)
	}
}
