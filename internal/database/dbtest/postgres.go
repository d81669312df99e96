// internal/database/dbtest/postgres.go

// Package dbtest starts a throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres runs a postgres container, applies the migrations found at migrationsURL
// (e.g. "file://../../migrations") and returns a pool plus a teardown function.
func StartPostgres(ctx context.Context, t *testing.T, migrationsURL string) (*pgxpool.Pool, func()) {
	t.Helper()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New(migrationsURL, connStr)
	require.NoError(t, err)
	err = m.Up()
	require.NoError(t, err)

	dbpool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	teardown := func() {
		dbpool.Close()
		err := pgContainer.Terminate(ctx)
		require.NoError(t, err)
	}

	return dbpool, teardown
}
