// internal/retention/retention.go
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"commit-notifier/internal/metrics"
)

// Purger removes ledger rows notified before cutoff and reports how many it removed.
type Purger interface {
	DeleteCommitsNotifiedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job periodically trims the commit ledger. A due check only asks GitHub for commits
// since the last check, so expired rows are normally never consulted again. A
// repository never checked before, or one failing for longer than the window, can
// fetch commits older than the window; those are sent again once their rows are purged.
type Job struct {
	purger    Purger
	retention time.Duration
	schedule  cron.Schedule
	spec      string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	c *cron.Cron
}

// New validates spec and returns a Job that is not yet running.
func New(purger Purger, retention time.Duration, spec string, logger *slog.Logger, m *metrics.Metrics) (*Job, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("ledger retention must be positive, got %s", retention)
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return &Job{
		purger:    purger,
		retention: retention,
		schedule:  schedule,
		spec:      spec,
		logger:    logger.With("component", "retention"),
		metrics:   m,
		now:       time.Now,
	}, nil
}

// RunOnce deletes every ledger row older than the retention window.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.purger.DeleteCommitsNotifiedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge commit ledger: %w", err)
	}
	j.metrics.LedgerPurged.Add(float64(n))
	j.logger.Info("Purged commit ledger", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// Start schedules RunOnce on the cron spec. Runs are skipped while a previous one is still going.
func (j *Job) Start(ctx context.Context) {
	cl := cronLogger{j.logger}
	j.c = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	j.c.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("Ledger cleanup failed", "error", err)
		}
	}))
	j.c.Start()
	j.logger.Info("Ledger cleanup scheduled", "spec", j.spec, "retention", j.retention.String(), "next", j.schedule.Next(j.now()).Format(time.RFC3339))
}

// Stop halts the schedule. The returned context is done once a running purge returns.
func (j *Job) Stop() context.Context {
	if j.c == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return j.c.Stop()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
