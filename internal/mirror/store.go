// Package mirror is the local table store: one SQLite table per mirrored
// remote table, the single source of truth for reads while offline.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/sqlutil"
	"github.com/dbsmedya/posmirror/internal/types"
)

// TablePrefix is prepended to mirrored table names in the local database so
// they cannot collide with bookkeeping tables such as sync_outbox.
const TablePrefix = "m_"

const createTextKeyTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	pk TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

const createAutoKeyTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
	pk INTEGER PRIMARY KEY AUTOINCREMENT,
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the local table store.
//
// The underlying database is expected to have a single open connection, so
// no method may be called on the Store from inside an Update callback; use
// the Tx instead.
type Store struct {
	db       *sql.DB
	registry *Registry
	logger   *logger.Logger
	now      func() time.Time

	mu   sync.Mutex
	subs map[*LiveQuery]struct{}
}

// NewStore creates a Store over an open SQLite database.
func NewStore(db *sql.DB, registry *Registry, log *logger.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("table registry is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}

	return &Store{
		db:       db,
		registry: registry,
		logger:   log,
		now:      time.Now,
		subs:     make(map[*LiveQuery]struct{}),
	}, nil
}

// Registry returns the table registry the store was built with.
func (s *Store) Registry() *Registry {
	return s.registry
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InitializeTables creates the physical table and natural-key index of every
// registered table. It is idempotent and safe to call on every startup.
func (s *Store) InitializeTables(ctx context.Context) error {
	for _, spec := range s.registry.Specs() {
		name := physical(spec)
		ddl := createTextKeyTableSQL
		if spec.LocalAutoKey {
			ddl = createAutoKeyTableSQL
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(ddl, name)); err != nil {
			return storeErr("initialize", spec.Name, err)
		}
		if spec.HasNaturalKey() {
			exprs := make([]string, len(spec.NaturalKey))
			for i, c := range spec.NaturalKey {
				exprs[i] = jsonPath(c)
			}
			idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				sqlutil.QuoteIdent(TablePrefix+spec.Name+"_natural"), name, strings.Join(exprs, ", "))
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return storeErr("initialize", spec.Name, err)
			}
		}
	}
	s.logger.Debugw("Mirror tables initialized", "tables", s.registry.Len())
	return nil
}

func physical(spec *TableSpec) string {
	return sqlutil.QuoteIdent(TablePrefix + spec.Name)
}

func jsonPath(column string) string {
	// column names are validated identifiers
	return "json_extract(data, '$." + column + "')"
}

// Update runs fn inside one SQLite transaction. Either every write made
// through tx commits or none does. Live queries over the touched tables are
// notified after the commit.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", "", err)
	}
	defer func() {
		if sqlTx != nil {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &Tx{ctx: ctx, store: s, tx: sqlTx, touched: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit", "", err)
	}
	sqlTx = nil

	s.notify(tx.touched)
	return nil
}

// Get returns the row with primary key id.
func (s *Store) Get(ctx context.Context, table, id string) (types.Row, bool, error) {
	spec, err := s.lookup("get", table)
	if err != nil {
		return nil, false, err
	}
	row, ok, err := getRow(ctx, s.db, spec, id)
	return row, ok, storeErr("get", table, err)
}

// Put upserts row by primary key. LocalAutoKey tables upsert by natural key.
func (s *Store) Put(ctx context.Context, table string, row types.Row) error {
	return s.Update(ctx, func(tx *Tx) error {
		_, err := tx.Put(table, row)
		return err
	})
}

// Delete removes the row with primary key id. A missing row is not an error.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		_, err := tx.Delete(table, id)
		return err
	})
}

// BulkPut upserts every row in one transaction.
func (s *Store) BulkPut(ctx context.Context, table string, rows []types.Row) error {
	return s.Update(ctx, func(tx *Tx) error {
		for _, row := range rows {
			if _, err := tx.Put(table, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every row of table.
func (s *Store) Clear(ctx context.Context, table string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Clear(table)
	})
}

// Replace swaps the contents of table for rows in one transaction, so
// readers see either the old or the new set, never an empty table.
func (s *Store) Replace(ctx context.Context, table string, rows []types.Row) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Replace(table, rows)
	})
}

// ClearAll empties every mirrored table in one transaction.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.Update(ctx, func(tx *Tx) error {
		for _, name := range s.registry.Names() {
			if err := tx.Clear(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Query returns the rows of table accepted by pred, ordered by primary key.
// A nil pred returns every row.
func (s *Store) Query(ctx context.Context, table string, pred func(types.Row) bool) ([]types.Row, error) {
	spec, err := s.lookup("query", table)
	if err != nil {
		return nil, err
	}
	recs, err := scanAll(ctx, s.db, spec,
		fmt.Sprintf("SELECT pk, data FROM %s ORDER BY pk", physical(spec)))
	if err != nil {
		return nil, storeErr("query", table, err)
	}
	out := make([]types.Row, 0, len(recs))
	for _, rec := range recs {
		if pred == nil || pred(rec.row) {
			out = append(out, rec.row)
		}
	}
	return out, nil
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	spec, err := s.lookup("count", table)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", physical(spec))).Scan(&n); err != nil {
		return 0, storeErr("count", table, err)
	}
	return n, nil
}

// FindByNatural locates the first row whose natural key columns equal values.
func (s *Store) FindByNatural(ctx context.Context, table string, values types.Row) (string, types.Row, bool, error) {
	spec, err := s.lookup("find", table)
	if err != nil {
		return "", nil, false, err
	}
	pk, row, ok, err := findByColumns(ctx, s.db, spec, values)
	return pk, row, ok, storeErr("find", table, err)
}

func (s *Store) lookup(op, table string) (*TableSpec, error) {
	spec, err := s.registry.Lookup(table)
	if err != nil {
		return nil, &StoreError{Op: op, Table: table, Err: err}
	}
	return spec, nil
}

type record struct {
	pk  string
	row types.Row
}

func decodeRecord(spec *TableSpec, pk, data string) (types.Row, error) {
	row, err := types.Decode(data)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = types.Row{}
	}
	if spec.LocalAutoKey {
		n, err := strconv.ParseInt(pk, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt local key %q: %w", pk, err)
		}
		row[spec.KeyColumn] = n
	}
	return row, nil
}

// scanAll reads the full result set before returning so that no cursor is
// held open while the caller issues another statement.
func scanAll(ctx context.Context, q queryer, spec *TableSpec, query string, args ...any) ([]record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []record
	for rows.Next() {
		var pk, data string
		if err := rows.Scan(&pk, &data); err != nil {
			return nil, err
		}
		row, err := decodeRecord(spec, pk, data)
		if err != nil {
			return nil, err
		}
		out = append(out, record{pk: pk, row: row})
	}
	return out, rows.Err()
}

func getRow(ctx context.Context, q queryer, spec *TableSpec, id string) (types.Row, bool, error) {
	var data string
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT data FROM %s WHERE pk = ?", physical(spec)), pkArg(spec, id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	row, err := decodeRecord(spec, id, data)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func findByColumns(ctx context.Context, q queryer, spec *TableSpec, values types.Row) (string, types.Row, bool, error) {
	where, args, err := matchClause(values)
	if err != nil {
		return "", nil, false, err
	}
	recs, err := scanAll(ctx, q, spec,
		fmt.Sprintf("SELECT pk, data FROM %s WHERE %s ORDER BY pk LIMIT 1", physical(spec), where), args...)
	if err != nil || len(recs) == 0 {
		return "", nil, false, err
	}
	return recs[0].pk, recs[0].row, true, nil
}

func matchClause(values types.Row) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("no columns to match")
	}
	cols := values.Columns()
	conds := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		if !sqlutil.IsValidIdentifier(c) {
			return "", nil, &sqlutil.InvalidIdentifierError{Name: c}
		}
		if values[c] == nil {
			conds = append(conds, jsonPath(c)+" IS NULL")
			continue
		}
		conds = append(conds, jsonPath(c)+" = ?")
		args = append(args, jsonArg(values[c]))
	}
	return strings.Join(conds, " AND "), args, nil
}

// jsonArg converts a value to what json_extract yields for it: integral
// numbers are INTEGER and booleans are 0/1.
func jsonArg(v any) any {
	switch t := v.(type) {
	case float64:
		if k, err := types.KeyString(t); err == nil {
			n, _ := strconv.ParseInt(k, 10, 64)
			return n
		}
		return t
	case bool:
		if t {
			return 1
		}
		return 0
	case []byte:
		return string(t)
	}
	if k, err := types.KeyString(v); err == nil {
		if _, isStr := v.(string); !isStr {
			if n, err := strconv.ParseInt(k, 10, 64); err == nil {
				return n
			}
		}
		return k
	}
	return v
}

func pkArg(spec *TableSpec, id string) any {
	if spec.LocalAutoKey {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			return n
		}
	}
	return id
}
