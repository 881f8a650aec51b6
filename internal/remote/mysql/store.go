// Package mysql implements the remote store and change feed over MySQL.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/sqlutil"
	"github.com/dbsmedya/posmirror/internal/types"
)

// Store is a remote.Store backed by a MySQL connection pool.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

var _ remote.Store = (*Store)(nil)

// NewStore wraps an open MySQL pool.
func NewStore(db *sql.DB, log *logger.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Store{db: db, logger: log.WithComponent("remote.mysql")}, nil
}

// SelectAll returns every row of table. Byte columns come back as strings,
// JSON columns decoded and timestamps as RFC 3339 strings in UTC.
func (s *Store) SelectAll(ctx context.Context, table string) ([]types.Row, error) {
	quoted, err := sqlutil.QuoteIdentifierSafe(table)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoted)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get column names: %w", err)
	}
	dbTypes := make([]string, len(columns))
	if colTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range colTypes {
			dbTypes[i] = strings.ToUpper(ct.DatabaseTypeName())
		}
	}

	var out []types.Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		row := make(types.Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i], dbTypes[i])
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
	quoted, err := sqlutil.QuoteIdentifierSafe(table)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpInsert, Err: err}
	}
	columns := row.Columns()
	if len(columns) == 0 {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpInsert, Err: fmt.Errorf("empty row")}
	}

	quotedCols := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		qc, err := sqlutil.QuoteIdentifierSafe(col)
		if err != nil {
			return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpInsert, Err: err}
		}
		quotedCols[i] = qc
		args[i] = sqlArg(row[col])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoted, strings.Join(quotedCols, ", "), sqlutil.QuestionPlaceholders(len(columns)))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return classify(table, types.OpInsert, err)
	}
	return nil
}

// Update patches the row whose keyColumn equals id. The key column itself is
// never rewritten. Updating a row that no longer exists is not an error.
func (s *Store) Update(ctx context.Context, table, keyColumn string, id any, patch types.Row) error {
	quoted, err := sqlutil.QuoteIdentifierSafe(table)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpUpdate, Err: err}
	}
	quotedKey, err := sqlutil.QuoteIdentifierSafe(keyColumn)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpUpdate, Err: err}
	}

	columns := patch.Without(keyColumn).Columns()
	if len(columns) == 0 {
		return nil
	}

	sets := make([]string, len(columns))
	args := make([]interface{}, 0, len(columns)+1)
	for i, col := range columns {
		qc, err := sqlutil.QuoteIdentifierSafe(col)
		if err != nil {
			return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpUpdate, Err: err}
		}
		sets[i] = qc + " = ?"
		args = append(args, sqlArg(patch[col]))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quoted, strings.Join(sets, ", "), quotedKey)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(table, types.OpUpdate, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debugw("Remote update matched no row", "table", table, "id", id)
	}
	return nil
}

// Delete removes the row whose keyColumn equals id. Deleting a missing row is
// not an error.
func (s *Store) Delete(ctx context.Context, table, keyColumn string, id any) error {
	quoted, err := sqlutil.QuoteIdentifierSafe(table)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpDelete, Err: err}
	}
	quotedKey, err := sqlutil.QuoteIdentifierSafe(keyColumn)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: table, Op: types.OpDelete, Err: err}
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quoted, quotedKey)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return classify(table, types.OpDelete, err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool, e.g. for verification queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func normalizeValue(v interface{}, dbType string) interface{} {
	switch t := v.(type) {
	case []byte:
		if dbType == "JSON" {
			if decoded, err := types.DecodeValue(t); err == nil {
				return decoded
			}
		}
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// sqlArg converts nested values (JSON columns) into their JSON text.
func sqlArg(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}, types.Row:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(b)
	default:
		return v
	}
}
