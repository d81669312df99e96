// internal/model/models.go
package model

import (
	"time"
)

// ValidIntervals lists the notification intervals, in hours, a repository may use.
var ValidIntervals = []int{1, 2, 3, 6, 12, 24}

// DefaultInterval is the notification interval assigned to new repositories.
const DefaultInterval = 3

// IsValidInterval reports whether hours is one of ValidIntervals.
func IsValidInterval(hours int) bool {
	for _, v := range ValidIntervals {
		if v == hours {
			return true
		}
	}
	return false
}

// Repository is a tracked GitHub repository and its notification schedule.
type Repository struct {
	ID                   int64      `json:"id"`
	RepoString           string     `json:"repo_string"`
	Owner                string     `json:"owner"`
	Name                 string     `json:"name"`
	Branch               *string    `json:"branch,omitempty"`
	NotificationInterval int        `json:"notification_interval"`
	LastCheckTime        *time.Time `json:"last_check_time,omitempty"`
	NextCheckTime        time.Time  `json:"next_check_time"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Interval returns the notification interval as a duration.
func (r Repository) Interval() time.Duration {
	return time.Duration(r.NotificationInterval) * time.Hour
}

// Commit is a commit fetched from GitHub, or a row of the notified-commit ledger.
type Commit struct {
	SHA          string     `json:"sha"`
	RepositoryID int64      `json:"repository_id,omitempty"`
	AuthorName   string     `json:"author_name"`
	AuthorEmail  string     `json:"author_email"`
	Message      string     `json:"message"`
	URL          string     `json:"html_url"`
	CommitDate   time.Time  `json:"commit_date"`
	NotifiedAt   *time.Time `json:"notified_at,omitempty"`
}

// Quota is the GitHub API rate limit as reported by the core resource.
type Quota struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}
