// Package lock provides remote advisory locks that serialize schema changes
// made by posmirror, such as installing the change journal.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockTimeout is returned when another instance holds the lock.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Timeout values for lock acquisition (in seconds).
const (
	// TimeoutImmediate returns immediately if the lock cannot be acquired.
	TimeoutImmediate = 0

	// TimeoutShort is suitable for fast-failing duplicate detection.
	TimeoutShort = 1

	// TimeoutMedium provides a reasonable wait for transient conflicts.
	TimeoutMedium = 10
)

// Locker is a named advisory lock held on one remote session.
type Locker interface {
	AcquireLock(ctx context.Context, timeoutSeconds int) (bool, error)
	ReleaseLock(ctx context.Context) (bool, error)
	LockName() string
}

// GenerateLockName builds a namespaced lock name. Characters outside
// [A-Za-z0-9_-] become underscores.
//
// Example: GenerateLockName("journal", "pos_main") → "posmirror:journal:pos_main"
func GenerateLockName(scope, name string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	return fmt.Sprintf("posmirror:%s:%s", scope, sanitized)
}

// MySQLLock is a MySQL GET_LOCK() lock. It pins one pooled connection while
// held, since MySQL releases named locks with the session that took them.
type MySQLLock struct {
	db       *sql.DB
	conn     *sql.Conn
	lockName string
}

// NewMySQLLock creates a lock with the given name. The lock is not acquired
// until AcquireLock is called.
func NewMySQLLock(db *sql.DB, lockName string) *MySQLLock {
	return &MySQLLock{db: db, lockName: lockName}
}

// AcquireLock attempts to acquire the lock, waiting up to timeoutSeconds.
// Returns false when another session holds it.
//
// MySQL GET_LOCK() return values:
//   - 1: Lock was obtained successfully
//   - 0: Timeout was reached without obtaining the lock
//   - NULL: An error occurred (e.g., out of memory, thread killed)
func (l *MySQLLock) AcquireLock(ctx context.Context, timeoutSeconds int) (bool, error) {
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reserve connection: %w", err)
	}

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", l.lockName, timeoutSeconds).Scan(&result); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("failed to execute GET_LOCK: %w", err)
	}
	if !result.Valid {
		_ = conn.Close()
		return false, fmt.Errorf("GET_LOCK returned NULL for lock %q (possible database error)", l.lockName)
	}

	switch result.Int64 {
	case 1:
		l.conn = conn
		return true, nil
	case 0:
		_ = conn.Close()
		return false, nil
	default:
		_ = conn.Close()
		return false, fmt.Errorf("unexpected GET_LOCK return value: %d", result.Int64)
	}
}

// ReleaseLock releases the lock and returns the pinned connection to the
// pool. Returns false if the lock was not held.
func (l *MySQLLock) ReleaseLock(ctx context.Context) (bool, error) {
	if l.conn == nil {
		return false, nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.lockName).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute RELEASE_LOCK: %w", err)
	}
	if !result.Valid {
		return false, fmt.Errorf("RELEASE_LOCK returned NULL for lock %q (lock did not exist)", l.lockName)
	}
	return result.Int64 == 1, nil
}

// IsHeld returns true if this instance holds the lock.
func (l *MySQLLock) IsHeld() bool {
	return l.conn != nil
}

// LockName returns the name of the advisory lock.
func (l *MySQLLock) LockName() string {
	return l.lockName
}

// PostgresLock is a session-level pg_advisory_lock keyed by hashtext(name).
type PostgresLock struct {
	pool     *pgxpool.Pool
	conn     *pgxpool.Conn
	lockName string
	poll     time.Duration
}

// NewPostgresLock creates a lock with the given name.
func NewPostgresLock(pool *pgxpool.Pool, lockName string) *PostgresLock {
	return &PostgresLock{pool: pool, lockName: lockName, poll: 200 * time.Millisecond}
}

// AcquireLock polls pg_try_advisory_lock until it succeeds or timeoutSeconds
// pass. Postgres has no timed variant.
func (l *PostgresLock) AcquireLock(ctx context.Context, timeoutSeconds int) (bool, error) {
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to reserve connection: %w", err)
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	for {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", l.lockName).Scan(&ok); err != nil {
			conn.Release()
			return false, fmt.Errorf("failed to execute pg_try_advisory_lock: %w", err)
		}
		if ok {
			l.conn = conn
			return true, nil
		}
		if !time.Now().Before(deadline) {
			conn.Release()
			return false, nil
		}

		select {
		case <-ctx.Done():
			conn.Release()
			return false, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// ReleaseLock releases the lock and returns the connection to the pool.
func (l *PostgresLock) ReleaseLock(ctx context.Context) (bool, error) {
	if l.conn == nil {
		return false, nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock(hashtext($1))", l.lockName).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to execute pg_advisory_unlock: %w", err)
	}
	return ok, nil
}

// LockName returns the name of the advisory lock.
func (l *PostgresLock) LockName() string {
	return l.lockName
}

// WithLock runs fn while holding l. The lock is released even if fn panics.
//
// Returns:
//   - ErrLockTimeout if the lock cannot be acquired within timeoutSeconds
//   - Any error returned by fn
func WithLock(ctx context.Context, l Locker, timeoutSeconds int, fn func() error) error {
	acquired, err := l.AcquireLock(ctx, timeoutSeconds)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: lock %q is held by another instance", ErrLockTimeout, l.LockName())
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		// The lock dies with its session if this fails.
		_, _ = l.ReleaseLock(releaseCtx)
	}()

	return fn()
}
