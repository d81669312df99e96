// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "commit_notifier"

// Error stages recorded by the scheduler.
const (
	StageLock       = "lock"
	StageDueQuery   = "due_query"
	StageRepository = "repository"
	StagePanic      = "panic"
)

// Metrics are the Prometheus collectors exported on /metrics.
type Metrics struct {
	CyclesTotal       prometheus.Counter
	CycleDuration     prometheus.Histogram
	LockContended     prometheus.Counter
	ReposProcessed    prometheus.Counter
	NotificationsSent prometheus.Counter
	Errors            *prometheus.CounterVec
	LedgerPurged      prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycles_total",
			Help:      "Scheduler cycles that acquired the lock and ran to completion.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_cycle_duration_seconds",
			Help:      "Wall time of scheduler cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		LockContended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_lock_contended_total",
			Help:      "Cycles skipped because another instance held the scheduler lock.",
		}),
		ReposProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_repositories_processed_total",
			Help:      "Repositories checked successfully.",
		}),
		NotificationsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Telegram messages delivered by the scheduler.",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_errors_total",
			Help:      "Scheduler failures by stage.",
		}, []string{"stage"}),
		LedgerPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_purged_commits_total",
			Help:      "Commit ledger rows removed by the retention job.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
	}
}
