package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/dbsmedya/posmirror/internal/types"
)

// Tx is a multi-row, multi-table write transaction on the mirror, obtained
// from Store.Update.
type Tx struct {
	ctx     context.Context
	store   *Store
	tx      *sql.Tx
	touched map[string]struct{}
}

// SQL exposes the underlying transaction so that other tables in the same
// database (the outbox) can be written atomically with the mirror.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

// Context returns the context the transaction was started with.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// Registry returns the table registry.
func (t *Tx) Registry() *Registry {
	return t.store.registry
}

func (t *Tx) lookup(op, table string) (*TableSpec, error) {
	return t.store.lookup(op, table)
}

func (t *Tx) touch(table string) {
	t.touched[table] = struct{}{}
}

// Get reads a row inside the transaction.
func (t *Tx) Get(table, id string) (types.Row, bool, error) {
	spec, err := t.lookup("get", table)
	if err != nil {
		return nil, false, err
	}
	row, ok, err := getRow(t.ctx, t.tx, spec, id)
	return row, ok, storeErr("get", table, err)
}

// FindByNatural locates a row by natural key columns inside the transaction.
func (t *Tx) FindByNatural(table string, values types.Row) (string, types.Row, bool, error) {
	spec, err := t.lookup("find", table)
	if err != nil {
		return "", nil, false, err
	}
	pk, row, ok, err := findByColumns(t.ctx, t.tx, spec, values)
	return pk, row, ok, storeErr("find", table, err)
}

// Put upserts row and returns its local primary key. Regular tables replace
// the stored row. LocalAutoKey tables merge into the row found by natural
// key (or by local key), inserting a new row when none matches.
func (t *Tx) Put(table string, row types.Row) (string, error) {
	spec, err := t.lookup("put", table)
	if err != nil {
		return "", err
	}
	var pk string
	if spec.LocalAutoKey {
		pk, err = t.putAutoKey(spec, row)
	} else {
		pk, err = t.putKeyed(spec, row)
	}
	if err != nil {
		return "", storeErr("put", table, err)
	}
	t.touch(table)
	return pk, nil
}

func (t *Tx) putKeyed(spec *TableSpec, row types.Row) (string, error) {
	pk, err := spec.Key(row)
	if err != nil {
		return "", err
	}
	data, err := types.Encode(row)
	if err != nil {
		return "", err
	}
	_, err = t.tx.ExecContext(t.ctx, fmt.Sprintf(`INSERT INTO %s (pk, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(pk) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, physical(spec)),
		pk, data, t.store.now().UnixNano())
	if err != nil {
		return "", err
	}
	return pk, nil
}

func (t *Tx) putAutoKey(spec *TableSpec, row types.Row) (string, error) {
	data := row.Without(spec.KeyColumn)
	pk := ""

	if nat, ok := spec.NaturalValues(row); ok {
		found, existing, ok, err := findByColumns(t.ctx, t.tx, spec, nat)
		if err != nil {
			return "", err
		}
		if ok {
			pk = found
			data = existing.Without(spec.KeyColumn).Merge(data)
		}
	}
	if pk == "" && row.Has(spec.KeyColumn) {
		id, err := types.KeyString(row[spec.KeyColumn])
		if err != nil {
			return "", err
		}
		existing, ok, err := getRow(t.ctx, t.tx, spec, id)
		if err != nil {
			return "", err
		}
		if ok {
			data = existing.Without(spec.KeyColumn).Merge(data)
		}
		pk = id
	}

	encoded, err := types.Encode(data)
	if err != nil {
		return "", err
	}
	now := t.store.now().UnixNano()

	if pk != "" {
		_, err = t.tx.ExecContext(t.ctx, fmt.Sprintf(`INSERT INTO %s (pk, data, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(pk) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, physical(spec)),
			pkArg(spec, pk), encoded, now)
		if err != nil {
			return "", err
		}
		return pk, nil
	}

	res, err := t.tx.ExecContext(t.ctx,
		fmt.Sprintf("INSERT INTO %s (data, updated_at) VALUES (?, ?)", physical(spec)), encoded, now)
	if err != nil {
		return "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Merge applies patch on top of the stored row. ok is false when the row
// does not exist, in which case nothing is written.
func (t *Tx) Merge(table, id string, patch types.Row) (types.Row, bool, error) {
	spec, err := t.lookup("merge", table)
	if err != nil {
		return nil, false, err
	}
	existing, ok, err := getRow(t.ctx, t.tx, spec, id)
	if err != nil {
		return nil, false, storeErr("merge", table, err)
	}
	if !ok {
		return nil, false, nil
	}

	// The key column cannot be patched.
	merged := existing.Merge(patch)
	if existing.Has(spec.KeyColumn) {
		merged[spec.KeyColumn] = existing[spec.KeyColumn]
	}

	data, err := types.Encode(merged.Without(autoKeyColumn(spec)...))
	if err != nil {
		return nil, false, storeErr("merge", table, err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE pk = ?", physical(spec)),
		data, t.store.now().UnixNano(), pkArg(spec, id))
	if err != nil {
		return nil, false, storeErr("merge", table, err)
	}
	t.touch(table)
	return merged, true, nil
}

func autoKeyColumn(spec *TableSpec) []string {
	if spec.LocalAutoKey {
		return []string{spec.KeyColumn}
	}
	return nil
}

// Delete removes a row by primary key and reports whether it existed.
func (t *Tx) Delete(table, id string) (bool, error) {
	spec, err := t.lookup("delete", table)
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx,
		fmt.Sprintf("DELETE FROM %s WHERE pk = ?", physical(spec)), pkArg(spec, id))
	if err != nil {
		return false, storeErr("delete", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete", table, err)
	}
	if n > 0 {
		t.touch(table)
	}
	return n > 0, nil
}

// DeleteMatching removes every row whose columns equal values and returns
// how many were removed.
func (t *Tx) DeleteMatching(table string, values types.Row) (int64, error) {
	spec, err := t.lookup("delete", table)
	if err != nil {
		return 0, err
	}
	where, args, err := matchClause(values)
	if err != nil {
		return 0, storeErr("delete", table, err)
	}
	res, err := t.tx.ExecContext(t.ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", physical(spec), where), args...)
	if err != nil {
		return 0, storeErr("delete", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("delete", table, err)
	}
	if n > 0 {
		t.touch(table)
	}
	return n, nil
}

// Clear removes every row of table.
func (t *Tx) Clear(table string) error {
	spec, err := t.lookup("clear", table)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s", physical(spec))); err != nil {
		return storeErr("clear", table, err)
	}
	t.touch(table)
	return nil
}

// Replace clears table and inserts rows.
func (t *Tx) Replace(table string, rows []types.Row) error {
	if err := t.Clear(table); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := t.Put(table, row); err != nil {
			return storeErr("replace", table, err)
		}
	}
	return nil
}
