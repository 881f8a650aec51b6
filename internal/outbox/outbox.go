// Package outbox provides the durable queue of local mutations awaiting
// replication to the remote store.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/types"
)

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// ErrEntryNotFound is returned when an entry id does not exist.
var ErrEntryNotFound = errors.New("outbox entry not found")

// ErrNotFailed is returned by Retry for entries that are not in failed state.
var ErrNotFailed = errors.New("outbox entry is not failed")

const createOutboxTableSQL = `
CREATE TABLE IF NOT EXISTS sync_outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	operation TEXT NOT NULL CHECK (operation IN ('insert', 'update', 'delete')),
	payload TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
)`

var createOutboxIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_sync_outbox_status ON sync_outbox (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_outbox_record ON sync_outbox (table_name, record_id, id)`,
}

const entryColumns = `id, table_name, record_id, operation, payload, status, retry_count,
	created_at, next_attempt_at, last_error, updated_at`

// Entry is one queued mutation.
type Entry struct {
	ID            int64
	Table         string
	RecordID      string
	Operation     types.Operation
	Payload       types.Row // nil for deletes
	Status        Status
	RetryCount    int
	CreatedAt     time.Time
	NextAttemptAt time.Time
	LastError     string
	UpdatedAt     time.Time
}

// Dead reports whether a failed entry has exhausted its automatic attempts.
func (e *Entry) Dead(maxAttempts int) bool {
	return e.Status == StatusFailed && e.RetryCount >= maxAttempts
}

// Stats counts entries per state. Failed excludes dead entries.
type Stats struct {
	Pending int64
	Syncing int64
	Synced  int64
	Failed  int64
	Dead    int64
}

// Unsynced is the number of entries that still have to reach the remote store.
func (s Stats) Unsynced() int64 {
	return s.Pending + s.Syncing + s.Failed + s.Dead
}

// Outbox is the SQLite-backed queue. It shares the database file with the
// mirror so entries can be written in the same transaction as local rows.
type Outbox struct {
	db     *sql.DB
	policy RetryPolicy
	logger *logger.Logger
	now    func() time.Time

	mu          sync.Mutex
	lastCreated int64
}

// New creates an outbox over db.
func New(db *sql.DB, policy RetryPolicy, log *logger.Logger) (*Outbox, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Outbox{
		db:     db,
		policy: policy.withDefaults(),
		logger: log.WithComponent("outbox"),
		now:    time.Now,
	}, nil
}

// WithClock overrides the clock used for timestamps and backoff.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

// Policy returns the retry policy in effect.
func (o *Outbox) Policy() RetryPolicy {
	return o.policy
}

// InitializeTables creates the queue table if it doesn't exist.
//
// This method is idempotent and safe to call on every startup.
func (o *Outbox) InitializeTables(ctx context.Context) error {
	if _, err := o.db.ExecContext(ctx, createOutboxTableSQL); err != nil {
		return fmt.Errorf("failed to create sync_outbox table: %w", err)
	}
	for _, stmt := range createOutboxIndexesSQL {
		if _, err := o.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sync_outbox index: %w", err)
		}
	}

	var last sql.NullInt64
	if err := o.db.QueryRowContext(ctx, "SELECT MAX(created_at) FROM sync_outbox").Scan(&last); err != nil {
		return fmt.Errorf("failed to read last outbox timestamp: %w", err)
	}
	o.mu.Lock()
	if last.Int64 > o.lastCreated {
		o.lastCreated = last.Int64
	}
	o.mu.Unlock()
	return nil
}

// stamp returns a creation time strictly greater than every earlier one, so
// created_at order always matches enqueue order even if the wall clock steps back.
func (o *Outbox) stamp() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.now().UnixNano()
	if ts <= o.lastCreated {
		ts = o.lastCreated + 1
	}
	o.lastCreated = ts
	return ts
}

// Enqueue appends a pending entry in its own transaction.
func (o *Outbox) Enqueue(ctx context.Context, table, recordID string, op types.Operation, payload types.Row) (int64, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := o.EnqueueTx(ctx, tx, table, recordID, op, payload)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox entry: %w", err)
	}
	return id, nil
}

// EnqueueTx appends a pending entry inside the caller's transaction. The entry
// exists only if that transaction commits.
func (o *Outbox) EnqueueTx(ctx context.Context, tx *sql.Tx, table, recordID string, op types.Operation, payload types.Row) (int64, error) {
	if table == "" || recordID == "" {
		return 0, fmt.Errorf("outbox entry needs a table and a record id")
	}
	if !op.Valid() {
		return 0, fmt.Errorf("invalid outbox operation %q", op)
	}
	if op != types.OpDelete && payload == nil {
		return 0, fmt.Errorf("%s of %s/%s has no payload", op, table, recordID)
	}

	var data sql.NullString
	if op != types.OpDelete {
		encoded, err := types.Encode(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to encode payload: %w", err)
		}
		data = sql.NullString{String: encoded, Valid: true}
	}

	created := o.stamp()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sync_outbox (table_name, record_id, operation, payload, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		table, recordID, string(op), data, string(StatusPending), created, created,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read outbox entry id: %w", err)
	}

	o.logger.Debugw("Enqueued mutation", "entry_id", id, "table", table, "record_id", recordID, "operation", string(op))
	return id, nil
}

// Get returns one entry.
func (o *Outbox) Get(ctx context.Context, id int64) (*Entry, error) {
	entries, err := o.query(ctx, "SELECT "+entryColumns+" FROM sync_outbox WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	return &entries[0], nil
}

// ListPending returns up to limit pending entries in enqueue order.
func (o *Outbox) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	return o.query(ctx,
		"SELECT "+entryColumns+" FROM sync_outbox WHERE status = ? ORDER BY created_at, id LIMIT ?",
		string(StatusPending), limit,
	)
}

// ListDue returns up to limit entries ready for an attempt at now, in enqueue
// order: pending entries plus failed entries whose backoff has elapsed and
// that still have attempts left.
//
// An entry is withheld while an older entry for the same record is in flight
// or waiting out its backoff, so a record's mutations reach the remote store
// in the order they were made. Dead entries do not block later ones.
func (o *Outbox) ListDue(ctx context.Context, limit int, now time.Time) ([]Entry, error) {
	ts := now.UnixNano()
	maxAttempts := o.policy.MaxAttempts
	return o.query(ctx, `
		SELECT `+entryColumns+` FROM sync_outbox o
		WHERE (o.status = ? OR (o.status = ? AND o.retry_count < ? AND o.next_attempt_at <= ?))
		AND NOT EXISTS (
			SELECT 1 FROM sync_outbox b
			WHERE b.table_name = o.table_name AND b.record_id = o.record_id AND b.id < o.id
			AND (b.status = ? OR (b.status = ? AND b.retry_count < ? AND b.next_attempt_at > ?))
		)
		ORDER BY o.created_at, o.id
		LIMIT ?`,
		string(StatusPending), string(StatusFailed), maxAttempts, ts,
		string(StatusSyncing), string(StatusFailed), maxAttempts, ts,
		limit,
	)
}

// List returns entries in enqueue order, optionally filtered by status.
// A limit of zero or less returns every match.
func (o *Outbox) List(ctx context.Context, status Status, limit int) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	q := "SELECT " + entryColumns + " FROM sync_outbox"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return o.query(ctx, q, args...)
}

// MarkSyncing moves an entry into flight.
func (o *Outbox) MarkSyncing(ctx context.Context, id int64) error {
	return o.setStatus(ctx, id, StatusSyncing)
}

// MarkSynced records a successful remote write.
func (o *Outbox) MarkSynced(ctx context.Context, id int64) error {
	return o.setStatus(ctx, id, StatusSynced)
}

// Requeue returns an in-flight entry to pending without charging an
// attempt. Used when a flush is interrupted before the remote answered.
func (o *Outbox) Requeue(ctx context.Context, id int64) error {
	return o.setStatus(ctx, id, StatusPending)
}

func (o *Outbox) setStatus(ctx context.Context, id int64, status Status) error {
	res, err := o.db.ExecContext(ctx,
		"UPDATE sync_outbox SET status = ?, updated_at = ? WHERE id = ?",
		string(status), o.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry %d %s: %w", id, status, err)
	}
	return expectOne(res, id)
}

// MarkFailed records a failed attempt: the retry count goes up, the cause is
// kept and the next attempt is pushed back by the retry policy.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, cause error) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var retries int
	err = tx.QueryRowContext(ctx, "SELECT retry_count FROM sync_outbox WHERE id = ?", id).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read outbox entry %d: %w", id, err)
	}

	retries++
	now := o.now()
	next := now.Add(o.policy.Delay(retries))
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_outbox SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(StatusFailed), retries, msg, next.UnixNano(), now.UnixNano(), id,
	); err != nil {
		return fmt.Errorf("failed to mark outbox entry %d failed: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outbox failure: %w", err)
	}

	log := o.logger.WithEntry(id)
	if retries >= o.policy.MaxAttempts {
		log.Errorw("Outbox entry exhausted its attempts", "retry_count", retries, "error", msg)
	} else {
		log.Warnw("Outbox entry failed", "retry_count", retries, "next_attempt_at", next, "error", msg)
	}
	return nil
}

// CountByStatus counts entries in one state.
func (o *Outbox) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var n int64
	if err := o.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_outbox WHERE status = ?", string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s entries: %w", status, err)
	}
	return n, nil
}

// Stats counts entries per state.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := o.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'syncing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'synced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' AND retry_count < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' AND retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM sync_outbox`,
		o.policy.MaxAttempts, o.policy.MaxAttempts,
	).Scan(&s.Pending, &s.Syncing, &s.Synced, &s.Failed, &s.Dead)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	return s, nil
}

// ResetInFlight returns entries left in syncing by an interrupted flush to
// pending. Call it before the first flush of a session.
func (o *Outbox) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := o.db.ExecContext(ctx,
		"UPDATE sync_outbox SET status = ?, updated_at = ? WHERE status = ?",
		string(StatusPending), o.now().UnixNano(), string(StatusSyncing),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		o.logger.Warnf("Reset %d interrupted outbox entries to pending", n)
	}
	return n, nil
}

// Retry requeues one failed entry for an immediate attempt. The retry count
// is kept, so a dead entry gets exactly one more try.
func (o *Outbox) Retry(ctx context.Context, id int64) error {
	entry, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status != StatusFailed {
		return fmt.Errorf("%w: entry %d is %s", ErrNotFailed, id, entry.Status)
	}
	_, err = o.db.ExecContext(ctx,
		"UPDATE sync_outbox SET status = ?, next_attempt_at = 0, updated_at = ? WHERE id = ?",
		string(StatusPending), o.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to retry outbox entry %d: %w", id, err)
	}
	return nil
}

// RetryAllFailed requeues every failed entry, dead ones included.
func (o *Outbox) RetryAllFailed(ctx context.Context) (int64, error) {
	res, err := o.db.ExecContext(ctx,
		"UPDATE sync_outbox SET status = ?, next_attempt_at = 0, updated_at = ? WHERE status = ?",
		string(StatusPending), o.now().UnixNano(), string(StatusFailed),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneSynced deletes synced entries last updated before olderThan ago.
// Failed entries are never pruned.
func (o *Outbox) PruneSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := o.now().Add(-olderThan).UnixNano()
	res, err := o.db.ExecContext(ctx,
		"DELETE FROM sync_outbox WHERE status = ? AND updated_at < ?",
		string(StatusSynced), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		o.logger.Debugf("Pruned %d synced outbox entries", n)
	}
	return n, nil
}

// Clear drops every entry, e.g. on sign-out.
func (o *Outbox) Clear(ctx context.Context) error {
	if _, err := o.db.ExecContext(ctx, "DELETE FROM sync_outbox"); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	return nil
}

func (o *Outbox) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                          Entry
			op, status                 string
			payload                    sql.NullString
			created, next, updatedNano int64
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &op, &payload, &status, &e.RetryCount,
			&created, &next, &e.LastError, &updatedNano); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Operation = types.Operation(op)
		e.Status = Status(status)
		e.CreatedAt = time.Unix(0, created)
		if next > 0 {
			e.NextAttemptAt = time.Unix(0, next)
		}
		e.UpdatedAt = time.Unix(0, updatedNano)
		if payload.Valid {
			row, err := types.Decode(payload.String)
			if err != nil {
				return nil, fmt.Errorf("failed to decode payload of entry %d: %w", e.ID, err)
			}
			e.Payload = row
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox entries: %w", err)
	}
	return entries, nil
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	return nil
}
