package pg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
)

// SchedulerLockID is the advisory lock key electing the scheduler leader.
// Arbitrary value, but it must be identical across every instance sharing
// the database.
const SchedulerLockID int64 = 0x434f4e435f534348 // "CONC_SCH"

// AdvisoryLock is a session-scoped Postgres advisory lock. The lock lives
// on one pinned connection; losing the connection releases it, which is
// exactly the failover behavior wanted for leader election.
type AdvisoryLock struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

func NewAdvisoryLock(db *sql.DB, key int64) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

// TryLock attempts to acquire the lock without blocking. Returns false when
// another session holds it. Idempotent while held.
func (l *AdvisoryLock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		// Already held; verify the pinned connection is still alive.
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		l.conn.Close()
		l.conn = nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var got bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, l.key).Scan(&got); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock acquire: %w", err)
	}
	if !got {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Unlock releases the lock and returns the pinned connection to the pool.
// Safe to call when not held.
func (l *AdvisoryLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	var released bool
	err := l.conn.QueryRowContext(ctx,
		`SELECT pg_advisory_unlock($1)`, l.key).Scan(&released)
	l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory lock release: %w", err)
	}
	if !released {
		slog.Warn("advisory lock: unlock reported not held", "key", l.key)
	}
	return nil
}
