package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/sqlutil"
	"github.com/dbsmedya/posmirror/internal/types"
)

// JournalTable receives one row per committed change from the triggers
// installed by InstallTriggers.
const JournalTable = "sync_changes"

const createJournalSQL = `
CREATE TABLE IF NOT EXISTS sync_changes (
	seq BIGINT AUTO_INCREMENT PRIMARY KEY,
	table_name VARCHAR(64) NOT NULL,
	op VARCHAR(10) NOT NULL,
	new_row JSON NULL,
	old_row JSON NULL,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	INDEX idx_created (created_at)
) ENGINE=InnoDB`

const (
	defaultFeedBatch = 500
	defaultGapGrace  = 10 * time.Second
)

// Feed polls the change journal in sequence order.
type Feed struct {
	db       *sql.DB
	interval time.Duration
	gapGrace time.Duration
	batch    int
	logger   *logger.Logger
}

var _ remote.Feed = (*Feed)(nil)

// NewFeed creates a journal poller. interval is the wait between polls that
// found nothing new.
func NewFeed(db *sql.DB, interval time.Duration, log *logger.Logger) (*Feed, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Feed{
		db:       db,
		interval: interval,
		gapGrace: defaultGapGrace,
		batch:    defaultFeedBatch,
		logger:   log.WithComponent("feed.mysql"),
	}, nil
}

// WithGapGrace sets how long a missing journal sequence is waited for before
// it is treated as rolled back. 0 skips gaps at once.
func (f *Feed) WithGapGrace(d time.Duration) *Feed {
	if d >= 0 {
		f.gapGrace = d
	}
	return f
}

// EnsureJournal creates the journal table if it doesn't exist.
func (f *Feed) EnsureJournal(ctx context.Context) error {
	if _, err := f.db.ExecContext(ctx, createJournalSQL); err != nil {
		return fmt.Errorf("failed to create %s table: %w", JournalTable, err)
	}
	return nil
}

// InstallTriggers (re)creates the journal triggers for each table from its
// current column list.
func (f *Feed) InstallTriggers(ctx context.Context, tables []string) error {
	for _, table := range tables {
		columns, err := f.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			return fmt.Errorf("table %s not found", table)
		}
		stmts, err := TriggerStatements(table, columns)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := f.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install triggers on %s: %w", table, err)
			}
		}
		f.logger.Infof("Installed change triggers on %s (%d columns)", table, len(columns))
	}
	return nil
}

func (f *Feed) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT COLUMN_NAME FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

// TriggerStatements returns the statements that journal every insert, update
// and delete on table as JSON rows.
func TriggerStatements(table string, columns []string) ([]string, error) {
	quoted, err := sqlutil.QuoteIdentifierSafe(table)
	if err != nil {
		return nil, err
	}
	rowJSON := func(alias string) (string, error) {
		pairs := make([]string, 0, len(columns))
		for _, c := range columns {
			qc, err := sqlutil.QuoteIdentifierSafe(c)
			if err != nil {
				return "", err
			}
			pairs = append(pairs, fmt.Sprintf("'%s', %s.%s", c, alias, qc))
		}
		return "JSON_OBJECT(" + strings.Join(pairs, ", ") + ")", nil
	}
	newRow, err := rowJSON("NEW")
	if err != nil {
		return nil, err
	}
	oldRow, err := rowJSON("OLD")
	if err != nil {
		return nil, err
	}

	var stmts []string
	for _, t := range []struct {
		suffix, event, op, newExpr, oldExpr string
	}{
		{"ai", "INSERT", "insert", newRow, "NULL"},
		{"au", "UPDATE", "update", newRow, oldRow},
		{"ad", "DELETE", "delete", "NULL", oldRow},
	} {
		name := sqlutil.QuoteIdentifier(fmt.Sprintf("posmirror_%s_%s", table, t.suffix))
		stmts = append(stmts,
			"DROP TRIGGER IF EXISTS "+name,
			fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW "+
				"INSERT INTO %s (table_name, op, new_row, old_row) VALUES ('%s', '%s', %s, %s)",
				name, t.event, quoted, JournalTable, table, t.op, t.newExpr, t.oldExpr),
		)
	}
	return stmts, nil
}

// Position returns the newest journal sequence number.
func (f *Feed) Position(ctx context.Context) (int64, error) {
	var seq int64
	err := f.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM "+JournalTable).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read journal position: %w", err)
	}
	return seq, nil
}

// Subscribe polls for journal rows after from until ctx is done. Poll errors
// are logged and retried on the next tick.
//
// Journal sequences are taken at insert time but become visible at commit,
// so a later sequence can be read before an earlier one. Missing sequences
// are re-read until they appear or the gap grace runs out, and the start is
// rewound by the same window so a change still committing when from was
// read is not skipped. Replayed rows are harmless: applying an event twice
// leaves the mirror as applying it once did.
func (f *Feed) Subscribe(ctx context.Context, from int64, tables []string, out chan<- remote.ChangeEvent) error {
	start, err := f.rewind(ctx, from)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warnf("Could not rewind journal start: %v", err)
		start = from
	}
	cur := remote.NewCursor(start, f.gapGrace)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Infow("Following journal", "table", JournalTable, "seq", from, "rewound_to", start)
	for {
		events, err := f.fetch(ctx, cur.Head(), cur.Gaps())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.Warnf("Journal poll failed: %v", err)
		}

		for _, ev := range events {
			if !cur.Observe(ev.Seq) || !remote.Matches(ev, tables) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
		for _, seq := range cur.Advance() {
			f.logger.Warnw("Journal sequence never committed, skipping", "seq", seq)
		}

		// a full batch means there is more to read right away
		if len(events) == f.batch {
			continue
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// rewind returns the newest sequence at or below from that is older than the
// gap grace, or the journal's first sequence less one when every row is newer.
func (f *Feed) rewind(ctx context.Context, from int64) (int64, error) {
	if f.gapGrace <= 0 || from <= 0 {
		return from, nil
	}
	var start int64
	err := f.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(CASE WHEN created_at < NOW(6) - INTERVAL ? MICROSECOND THEN seq END), MIN(seq) - 1, 0) FROM "+
		JournalTable+" WHERE seq <= ?", f.gapGrace.Microseconds(), from).Scan(&start)
	if err != nil {
		return from, fmt.Errorf("failed to read journal start: %w", err)
	}
	if start > from {
		start = from
	}
	return start, nil
}

// fetch reads rows after head plus any of the open gaps that have committed
// since. Rows of every table are read so other tables' sequences are not
// mistaken for gaps.
func (f *Feed) fetch(ctx context.Context, head int64, gaps []int64) ([]remote.ChangeEvent, error) {
	query := "SELECT seq, table_name, op, new_row, old_row FROM " + JournalTable + " WHERE seq > ?"
	args := []interface{}{head}
	if len(gaps) > 0 {
		query += " OR seq IN (" + sqlutil.QuestionPlaceholders(len(gaps)) + ")"
		for _, seq := range gaps {
			args = append(args, seq)
		}
	}
	query += " ORDER BY seq LIMIT ?"
	args = append(args, f.batch)

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []remote.ChangeEvent
	for rows.Next() {
		var (
			ev             remote.ChangeEvent
			rawOp          string
			newRaw, oldRaw []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.Table, &rawOp, &newRaw, &oldRaw); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		if op, err := types.ParseOperation(rawOp); err == nil {
			ev.Operation = op
		} else {
			ev.Operation = types.Operation(rawOp)
		}
		// An undecodable row is passed on empty so the consumer drops it and
		// the offset still moves past it.
		if ev.New, err = types.Decode(string(newRaw)); err != nil {
			f.logger.Warnf("Journal seq %d has an invalid new_row: %v", ev.Seq, err)
		}
		if ev.Old, err = types.Decode(string(oldRaw)); err != nil {
			f.logger.Warnf("Journal seq %d has an invalid old_row: %v", ev.Seq, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
