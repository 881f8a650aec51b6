// Package postgres implements the remote store and change feed over
// PostgreSQL using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/sqlutil"
	"github.com/dbsmedya/posmirror/internal/types"
)

// querier is the part of *pgxpool.Pool the store uses.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a remote.Store backed by a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	db     querier
	logger *logger.Logger
}

var _ remote.Store = (*Store)(nil)

// NewStore wraps an open pool.
func NewStore(pool *pgxpool.Pool, log *logger.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Store{pool: pool, db: pool, logger: log.WithComponent("remote.postgres")}, nil
}

// SelectAll returns every row of table with driver values normalized to
// JSON-friendly scalars.
func (s *Store) SelectAll(ctx context.Context, table string) ([]types.Row, error) {
	quoted, err := sqlutil.QuoteIdentSafe(table)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, "SELECT * FROM "+quoted)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []types.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s row: %w", table, err)
		}
		row := make(types.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", table, err)
	}

	s.logger.Debugw("Selected remote rows", "table", table, "rows", len(out))
	return out, nil
}

// Insert writes one row.
func (s *Store) Insert(ctx context.Context, table string, row types.Row) error {
	query, args, err := buildInsert(table, row)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpInsert, Err: err}
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return classify(table, types.OpInsert, err)
	}
	return nil
}

// Update patches the row whose keyColumn equals id. Updating a row that no
// longer exists is not an error.
func (s *Store) Update(ctx context.Context, table, keyColumn string, id any, patch types.Row) error {
	query, args, err := buildUpdate(table, keyColumn, id, patch)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpUpdate, Err: err}
	}
	if query == "" {
		return nil
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return classify(table, types.OpUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debugw("Remote update matched no row", "table", table, "id", id)
	}
	return nil
}

// Delete removes the row whose keyColumn equals id.
func (s *Store) Delete(ctx context.Context, table, keyColumn string, id any) error {
	query, args, err := buildDelete(table, keyColumn, id)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpDelete, Err: err}
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return classify(table, types.OpDelete, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func quoteColumns(columns []string) ([]string, error) {
	out := make([]string, len(columns))
	for i, c := range columns {
		q, err := sqlutil.QuoteIdentSafe(c)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func buildInsert(table string, row types.Row) (string, []any, error) {
	quoted, err := sqlutil.QuoteIdentSafe(table)
	if err != nil {
		return "", nil, err
	}
	columns := row.Columns()
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("empty row")
	}
	quotedCols, err := quoteColumns(columns)
	if err != nil {
		return "", nil, err
	}
	args := make([]any, len(columns))
	for i, c := range columns {
		args[i] = pgArg(row[c])
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoted, strings.Join(quotedCols, ", "), sqlutil.DollarPlaceholders(1, len(columns)))
	return query, args, nil
}

// buildUpdate returns an empty query when the patch has nothing to set.
func buildUpdate(table, keyColumn string, id any, patch types.Row) (string, []any, error) {
	quoted, err := sqlutil.QuoteIdentSafe(table)
	if err != nil {
		return "", nil, err
	}
	quotedKey, err := sqlutil.QuoteIdentSafe(keyColumn)
	if err != nil {
		return "", nil, err
	}
	columns := patch.Without(keyColumn).Columns()
	if len(columns) == 0 {
		return "", nil, nil
	}
	quotedCols, err := quoteColumns(columns)
	if err != nil {
		return "", nil, err
	}

	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, c := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", quotedCols[i], i+1)
		args = append(args, pgArg(patch[c]))
	}
	args = append(args, pgArg(id))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		quoted, strings.Join(sets, ", "), quotedKey, len(columns)+1)
	return query, args, nil
}

func buildDelete(table, keyColumn string, id any) (string, []any, error) {
	quoted, err := sqlutil.QuoteIdentSafe(table)
	if err != nil {
		return "", nil, err
	}
	quotedKey, err := sqlutil.QuoteIdentSafe(keyColumn)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quoted, quotedKey), []any{pgArg(id)}, nil
}

// pgArg turns exact JSON integers back into int64 so pgx can bind them to
// integer columns.
func pgArg(v any) any {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		return n.String()
	}
	return v
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case []byte:
		return string(t)
	default:
		return v
	}
}
