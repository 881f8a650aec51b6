package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/sqlutil"
	"github.com/dbsmedya/posmirror/internal/types"
)

// JournalTable receives one row per committed change. Triggers also send a
// NOTIFY on the feed channel so listeners read the journal right away.
const JournalTable = "sync_changes"

const createJournalSQL = `
CREATE TABLE IF NOT EXISTS sync_changes (
	seq BIGSERIAL PRIMARY KEY,
	table_name TEXT NOT NULL,
	op TEXT NOT NULL,
	new_row JSONB,
	old_row JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const journalFunctionSQL = `
CREATE OR REPLACE FUNCTION posmirror_journal() RETURNS trigger AS $$
DECLARE
	s BIGINT;
BEGIN
	INSERT INTO sync_changes (table_name, op, new_row, old_row)
	VALUES (
		TG_TABLE_NAME,
		lower(TG_OP),
		CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE to_jsonb(NEW) END,
		CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE to_jsonb(OLD) END
	)
	RETURNING seq INTO s;
	PERFORM pg_notify(%s, json_build_object('seq', s, 'table', TG_TABLE_NAME, 'op', lower(TG_OP))::text);
	RETURN NULL;
END
$$ LANGUAGE plpgsql`

const (
	defaultFeedBatch = 500
	defaultGapGrace  = 10 * time.Second
	defaultPoll      = time.Second
)

// Feed follows the journal, woken by LISTEN notifications and a periodic
// poll. A connection loss is retried with exponential backoff and the
// journal is re-read from the cursor, so nothing sent while disconnected is
// lost.
type Feed struct {
	pool     *pgxpool.Pool
	channel  string
	poll     time.Duration
	gapGrace time.Duration
	batch    int
	logger   *logger.Logger
}

var _ remote.Feed = (*Feed)(nil)

// NewFeed creates a listener on channel.
func NewFeed(pool *pgxpool.Pool, channel string, log *logger.Logger) (*Feed, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is nil")
	}
	if !sqlutil.IsValidIdentifier(channel) {
		return nil, &sqlutil.InvalidIdentifierError{Name: channel}
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Feed{
		pool:     pool,
		channel:  channel,
		poll:     defaultPoll,
		gapGrace: defaultGapGrace,
		batch:    defaultFeedBatch,
		logger:   log.WithComponent("feed.postgres"),
	}, nil
}

// WithPollInterval sets how often the journal is re-read when no
// notification arrives.
func (f *Feed) WithPollInterval(d time.Duration) *Feed {
	if d > 0 {
		f.poll = d
	}
	return f
}

// WithGapGrace sets how long a missing journal sequence is waited for before
// it is treated as rolled back. 0 skips gaps at once.
func (f *Feed) WithGapGrace(d time.Duration) *Feed {
	if d >= 0 {
		f.gapGrace = d
	}
	return f
}

// SetupStatements returns the DDL for the journal table and trigger function.
func SetupStatements(channel string) []string {
	return []string{
		createJournalSQL,
		fmt.Sprintf(journalFunctionSQL, quoteLiteral(channel)),
	}
}

// TriggerStatements returns the DDL that attaches the journal trigger to table.
func TriggerStatements(table string) ([]string, error) {
	quoted, err := sqlutil.QuoteIdentSafe(table)
	if err != nil {
		return nil, err
	}
	return []string{
		"DROP TRIGGER IF EXISTS posmirror_journal ON " + quoted,
		"CREATE TRIGGER posmirror_journal AFTER INSERT OR UPDATE OR DELETE ON " + quoted +
			" FOR EACH ROW EXECUTE FUNCTION posmirror_journal()",
	}, nil
}

// EnsureJournal creates the journal table and trigger function.
func (f *Feed) EnsureJournal(ctx context.Context) error {
	for _, stmt := range SetupStatements(f.channel) {
		if _, err := f.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set up change journal: %w", err)
		}
	}
	return nil
}

// InstallTriggers attaches the journal trigger to each table.
func (f *Feed) InstallTriggers(ctx context.Context, tables []string) error {
	for _, table := range tables {
		stmts, err := TriggerStatements(table)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := f.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install trigger on %s: %w", table, err)
			}
		}
		f.logger.Infof("Installed change trigger on %s", table)
	}
	return nil
}

// Position returns the newest journal sequence number.
func (f *Feed) Position(ctx context.Context) (int64, error) {
	var seq int64
	if err := f.pool.QueryRow(ctx, "SELECT COALESCE(MAX(seq), 0) FROM "+JournalTable).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read journal position: %w", err)
	}
	return seq, nil
}

// Subscribe listens for changes after from until ctx is done.
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

	b := &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
	}
	b.Reset()

	for {
		err := f.listen(ctx, cur, tables, out, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		f.logger.Warnw("Change listener lost, reconnecting", "error", err, "retry_in", wait, "seq", cur.Offset())

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
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
	err := f.pool.QueryRow(ctx, "SELECT COALESCE(MAX(seq) FILTER (WHERE created_at < now() - make_interval(secs => $1)), MIN(seq) - 1, 0) FROM "+
		JournalTable+" WHERE seq <= $2", f.gapGrace.Seconds(), from).Scan(&start)
	if err != nil {
		return from, fmt.Errorf("failed to read journal start: %w", err)
	}
	return min(start, from), nil
}

// listen holds one connection: LISTEN, catch up from the journal, then drain
// again on every notification and every poll interval. The poll picks up
// gaps that commit without a fresh notification. connected is called once
// LISTEN succeeded.
func (f *Feed) listen(ctx context.Context, cur *remote.Cursor, tables []string, out chan<- remote.ChangeEvent, connected func()) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+sqlutil.QuoteIdent(f.channel)); err != nil {
		return fmt.Errorf("listen on %s: %w", f.channel, err)
	}
	connected()
	f.logger.Infof("Listening on %s from seq %d", f.channel, cur.Offset())

	if err := f.drain(ctx, conn, cur, tables, out); err != nil {
		return err
	}
	for {
		waitCtx, cancel := context.WithTimeout(ctx, f.poll)
		n, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		switch {
		case err == nil:
			if seq := notificationSeq(n.Payload); seq > 0 && cur.Delivered(seq) {
				continue
			}
		case ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded):
			// poll tick
		default:
			return fmt.Errorf("wait for notification: %w", err)
		}
		if err := f.drain(ctx, conn, cur, tables, out); err != nil {
			return err
		}
	}
}

// drain reads journal rows past the cursor until the journal is exhausted.
func (f *Feed) drain(ctx context.Context, conn *pgxpool.Conn, cur *remote.Cursor, tables []string, out chan<- remote.ChangeEvent) error {
	for {
		query, args := journalQuery(cur.Head(), cur.Gaps(), f.batch)
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}

		var events []remote.ChangeEvent
		for rows.Next() {
			var (
				ev             remote.ChangeEvent
				rawOp          string
				newRaw, oldRaw []byte
			)
			if err := rows.Scan(&ev.Seq, &ev.Table, &rawOp, &newRaw, &oldRaw); err != nil {
				rows.Close()
				return fmt.Errorf("scan journal row: %w", err)
			}
			ev.Operation = parseOp(rawOp)
			if ev.New, err = types.Decode(string(newRaw)); err != nil {
				f.logger.Warnf("Journal seq %d has an invalid new_row: %v", ev.Seq, err)
			}
			if ev.Old, err = types.Decode(string(oldRaw)); err != nil {
				f.logger.Warnf("Journal seq %d has an invalid old_row: %v", ev.Seq, err)
			}
			events = append(events, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read journal: %w", err)
		}

		for _, ev := range events {
			if !cur.Observe(ev.Seq) || !remote.Matches(ev, tables) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, seq := range cur.Advance() {
			f.logger.Warnw("Journal sequence never committed, skipping", "seq", seq)
		}
		if len(events) < f.batch {
			return nil
		}
	}
}

// journalQuery reads rows after head plus any open gaps that have committed
// since. Rows of every table are read so other tables' sequences are not
// mistaken for gaps.
func journalQuery(head int64, gaps []int64, limit int) (string, []any) {
	query := "SELECT seq, table_name, op, new_row, old_row FROM " + JournalTable + " WHERE seq > $1"
	args := []any{head}
	if len(gaps) > 0 {
		query += " OR seq = ANY($2)"
		args = append(args, gaps)
	}
	query += fmt.Sprintf(" ORDER BY seq LIMIT %d", limit)
	return query, args
}

func parseOp(raw string) types.Operation {
	if op, err := types.ParseOperation(raw); err == nil {
		return op
	}
	return types.Operation(raw)
}

// notificationSeq extracts the journal sequence from a notification payload,
// or 0 when the payload carries none.
func notificationSeq(payload string) int64 {
	var msg struct {
		Seq int64 `json:"seq"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return 0
	}
	return msg.Seq
}

// quoteLiteral renders s as a SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
