// internal/database/lock.go
package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchedulerLockName is the advisory lock shared by every scheduler instance.
const SchedulerLockName = "notification_scheduler"

// AdvisoryLock is a cluster-wide named mutex backed by pg_try_advisory_lock.
// Advisory locks belong to a session, so the connection that acquired the lock
// is held until Release.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	name string

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewAdvisoryLock(pool *pgxpool.Pool, name string) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, name: name}
}

// TryAcquire takes the lock without blocking. It returns false when another session holds it.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return true, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for lock %q: %w", l.name, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, l.name).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock %q: %w", l.name, err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release frees the lock. Releasing a lock this instance does not hold is a no-op.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.name); err != nil {
		// closing the session frees every advisory lock it holds
		_ = conn.Hijack().Close(context.Background())
		return fmt.Errorf("advisory unlock %q: %w", l.name, err)
	}
	conn.Release()
	return nil
}

// Held reports whether this instance currently holds the lock.
func (l *AdvisoryLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}
