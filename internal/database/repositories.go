// internal/database/repositories.go
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	custom_errors "commit-notifier/internal/errors"
	"commit-notifier/internal/model"
)

const repositoryColumns = `id, repo_string, owner, name, branch, notification_interval,
	last_check_time, next_check_time, created_at, updated_at`

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	err := row.Scan(
		&r.ID,
		&r.RepoString,
		&r.Owner,
		&r.Name,
		&r.Branch,
		&r.NotificationInterval,
		&r.LastCheckTime,
		&r.NextCheckTime,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	return r, err
}

func collectRepositories(rows pgx.Rows) ([]model.Repository, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Repository, error) {
		return scanRepository(row)
	})
}

type CreateRepositoryParams struct {
	RepoString           string
	Owner                string
	Name                 string
	Branch               *string
	NotificationInterval int
}

// CreateRepository inserts a repository whose first check is one interval from now.
func (q *Queries) CreateRepository(ctx context.Context, arg CreateRepositoryParams) (model.Repository, error) {
	if !model.IsValidInterval(arg.NotificationInterval) {
		return model.Repository{}, custom_errors.ErrInvalidInterval
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO repositories (repo_string, owner, name, branch, notification_interval, next_check_time)
		VALUES ($1, $2, $3, $4, $5, NOW() + make_interval(hours => $5::int))
		RETURNING `+repositoryColumns,
		arg.RepoString, arg.Owner, arg.Name, arg.Branch, arg.NotificationInterval,
	)
	repo, err := scanRepository(row)
	if err != nil {
		return model.Repository{}, translateError(err)
	}
	return repo, nil
}

func (q *Queries) GetRepository(ctx context.Context, id int64) (model.Repository, error) {
	row := q.db.QueryRow(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = $1`, id)
	repo, err := scanRepository(row)
	if err != nil {
		return model.Repository{}, translateError(err)
	}
	return repo, nil
}

func (q *Queries) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	rows, err := q.db.Query(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	return collectRepositories(rows)
}

// GetDueRepositories returns repositories whose next check has passed, oldest-due first.
func (q *Queries) GetDueRepositories(ctx context.Context) ([]model.Repository, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+repositoryColumns+`
		FROM repositories
		WHERE next_check_time <= NOW()
		ORDER BY next_check_time ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return collectRepositories(rows)
}

// AdvanceSchedule marks a repository checked now and schedules its next check one interval out.
func (q *Queries) AdvanceSchedule(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE repositories
		SET last_check_time = NOW(),
		    next_check_time = NOW() + make_interval(hours => notification_interval),
		    updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance schedule of repository %d: %w", id, custom_errors.ErrNotFound)
	}
	return nil
}

func (q *Queries) DeleteRepository(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return custom_errors.ErrNotFound
	}
	return nil
}

// UpdateRepositoryParams changes a repository. Nil fields are left untouched;
// an empty Branch clears it.
type UpdateRepositoryParams struct {
	ID                   int64
	Branch               *string
	NotificationInterval *int
}

// UpdateRepository applies arg in a transaction. A branch change rewrites repo_string;
// an interval change reschedules the next check relative to the last one.
func (s *Store) UpdateRepository(ctx context.Context, arg UpdateRepositoryParams) (model.Repository, error) {
	if arg.NotificationInterval != nil && !model.IsValidInterval(*arg.NotificationInterval) {
		return model.Repository{}, custom_errors.ErrInvalidInterval
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Repository{}, err
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction is already committed.

	current, err := scanRepository(tx.QueryRow(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = $1 FOR UPDATE`, arg.ID))
	if err != nil {
		return model.Repository{}, translateError(err)
	}

	branch := current.Branch
	repoString := current.RepoString
	if arg.Branch != nil {
		branch = nil
		repoString = current.Owner + "/" + current.Name
		if *arg.Branch != "" {
			b := *arg.Branch
			branch = &b
			repoString += ":" + b
		}
	}

	interval := current.NotificationInterval
	reschedule := false
	if arg.NotificationInterval != nil && *arg.NotificationInterval != interval {
		interval = *arg.NotificationInterval
		reschedule = true
	}

	updated, err := scanRepository(tx.QueryRow(ctx, `
		UPDATE repositories
		SET repo_string = $2,
		    branch = $3,
		    notification_interval = $4,
		    next_check_time = CASE WHEN $5::boolean
		        THEN COALESCE(last_check_time, NOW()) + make_interval(hours => $4::int)
		        ELSE next_check_time END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+repositoryColumns,
		arg.ID, repoString, branch, interval, reschedule,
	))
	if err != nil {
		return model.Repository{}, translateError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Repository{}, err
	}
	return updated, nil
}
