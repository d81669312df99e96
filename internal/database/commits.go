// internal/database/commits.go
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"commit-notifier/internal/model"
)

// GetNotifiedSHAs returns the subset of shas already present in the ledger.
func (q *Queries) GetNotifiedSHAs(ctx context.Context, shas []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(shas) == 0 {
		return found, nil
	}

	rows, err := q.db.Query(ctx, `SELECT sha FROM commits WHERE sha = ANY($1)`, shas)
	if err != nil {
		return nil, err
	}
	notified, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	for _, sha := range notified {
		found[sha] = struct{}{}
	}
	return found, nil
}

// RecordNotifiedCommits inserts commits into the ledger, skipping SHAs already present.
// It returns the number of rows actually inserted.
func (q *Queries) RecordNotifiedCommits(ctx context.Context, repositoryID int64, commits []model.Commit) (int64, error) {
	if len(commits) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range commits {
		batch.Queue(`
			INSERT INTO commits (sha, repository_id, author_name, author_email, message, commit_date, html_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sha) DO NOTHING`,
			c.SHA, repositoryID, c.AuthorName, c.AuthorEmail, c.Message, c.CommitDate, c.URL,
		)
	}

	results := q.db.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range commits {
		tag, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ListCommitsByRepository returns the most recently notified commits of a repository.
func (q *Queries) ListCommitsByRepository(ctx context.Context, repositoryID int64, limit int) ([]model.Commit, error) {
	rows, err := q.db.Query(ctx, `
		SELECT sha, repository_id, COALESCE(author_name, ''), COALESCE(author_email, ''),
		       COALESCE(message, ''), commit_date, COALESCE(html_url, ''), notified_at
		FROM commits
		WHERE repository_id = $1
		ORDER BY notified_at DESC, commit_date DESC
		LIMIT $2`, repositoryID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Commit, error) {
		var c model.Commit
		var commitDate *time.Time
		err := row.Scan(&c.SHA, &c.RepositoryID, &c.AuthorName, &c.AuthorEmail, &c.Message, &commitDate, &c.URL, &c.NotifiedAt)
		if commitDate != nil {
			c.CommitDate = *commitDate
		}
		return c, err
	})
}

// DeleteCommitsNotifiedBefore removes ledger rows older than cutoff.
func (q *Queries) DeleteCommitsNotifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM commits WHERE notified_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
