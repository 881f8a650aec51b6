package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/types"
)

var (
	// ErrRecordNotFound is returned when an update targets a row that is not
	// in the local mirror.
	ErrRecordNotFound = errors.New("record not found")

	// ErrKeyRequired is returned for writes that cannot be addressed: updates
	// and deletes without an id, and inserts into integer-keyed tables
	// without one.
	ErrKeyRequired = errors.New("record key required")

	// ErrNaturalKeyRequired is returned for inserts into locally keyed tables
	// (orders) that lack their natural key.
	ErrNaturalKeyRequired = errors.New("natural key required")
)

// Mutation is one local write to be mirrored remotely.
//
// ID addresses the record: the primary key, or the natural key for tables
// keyed locally (an order's code). For inserts ID may be empty; the key is
// then taken from Row or generated.
type Mutation struct {
	Table string
	ID    string
	Op    types.Operation
	Row   types.Row // full row for inserts, changed columns for updates
}

// EnqueueMutation writes one mutation locally and queues it for the remote
// store in the same transaction. It returns the record id.
func (s *Session) EnqueueMutation(ctx context.Context, table, id string, op types.Operation, row types.Row) (string, error) {
	ids, err := s.Commit(ctx, Mutation{Table: table, ID: id, Op: op, Row: row})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Commit applies every mutation and queues them in one transaction: either
// all local rows and outbox entries commit, or none do. Use it for
// composite writes such as an order with its lines and payments.
func (s *Session) Commit(ctx context.Context, muts ...Mutation) ([]string, error) {
	if len(muts) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(muts))
	err := s.store.Update(ctx, func(tx *mirror.Tx) error {
		for i, m := range muts {
			id, payload, err := s.applyLocal(tx, m)
			if err != nil {
				return fmt.Errorf("mutation %d (%s %s): %w", i, m.Op, m.Table, err)
			}
			if _, err := s.outbox.EnqueueTx(ctx, tx.SQL(), m.Table, id, m.Op, payload); err != nil {
				return fmt.Errorf("mutation %d (%s %s): %w", i, m.Op, m.Table, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debugw("Mutations queued", "count", len(muts))
	s.scheduler.Trigger()
	return ids, nil
}

// applyLocal performs the optimistic local write and returns the record id
// and outbox payload.
func (s *Session) applyLocal(tx *mirror.Tx, m Mutation) (string, types.Row, error) {
	spec, err := tx.Registry().Lookup(m.Table)
	if err != nil {
		return "", nil, err
	}

	switch m.Op {
	case types.OpInsert:
		return s.insert(tx, spec, m)
	case types.OpUpdate:
		return s.update(tx, spec, m)
	case types.OpDelete:
		return s.delete(tx, spec, m)
	default:
		return "", nil, fmt.Errorf("unknown operation %q", m.Op)
	}
}

func (s *Session) insert(tx *mirror.Tx, spec *mirror.TableSpec, m Mutation) (string, types.Row, error) {
	if m.Row == nil {
		return "", nil, fmt.Errorf("insert requires a row")
	}
	row := s.stamp(spec, m.Row.Clone())

	if spec.LocalAutoKey {
		row = row.Without(spec.KeyColumn)
		if m.ID != "" && !row.Has(spec.NaturalKey[0]) {
			row[spec.NaturalKey[0]] = m.ID
		}
		if _, ok := spec.NaturalValues(row); !ok {
			return "", nil, fmt.Errorf("%w: %s needs %v", ErrNaturalKeyRequired, spec.Name, spec.NaturalKey)
		}
		id, err := spec.Key(row)
		if err != nil {
			return "", nil, err
		}
		if _, err := tx.Put(spec.Name, row); err != nil {
			return "", nil, err
		}
		return id, row, nil
	}

	if !row.Has(spec.KeyColumn) {
		switch {
		case m.ID != "":
			row[spec.KeyColumn] = spec.KeyValue(m.ID)
		case spec.KeyKind == mirror.KeyInteger:
			return "", nil, fmt.Errorf("%w: %s has integer keys assigned remotely", ErrKeyRequired, spec.Name)
		default:
			row[spec.KeyColumn] = uuid.NewString()
		}
	}
	id, err := spec.Key(row)
	if err != nil {
		return "", nil, err
	}
	if _, err := tx.Put(spec.Name, row); err != nil {
		return "", nil, err
	}
	return id, row, nil
}

func (s *Session) update(tx *mirror.Tx, spec *mirror.TableSpec, m Mutation) (string, types.Row, error) {
	if m.ID == "" {
		return "", nil, fmt.Errorf("%w: update of %s", ErrKeyRequired, spec.Name)
	}
	patch := m.Row.Without(spec.KeyColumn)
	if len(patch) == 0 {
		return "", nil, fmt.Errorf("update of %s %s has no columns", spec.Name, m.ID)
	}

	pk := m.ID
	if spec.LocalAutoKey {
		found, _, ok, err := tx.FindByNatural(spec.Name, types.Row{spec.NaturalKey[0]: m.ID})
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "", nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, spec.Name, m.ID)
		}
		pk = found
	}

	if _, ok, err := tx.Merge(spec.Name, pk, patch); err != nil {
		return "", nil, err
	} else if !ok {
		return "", nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, spec.Name, m.ID)
	}
	return m.ID, patch, nil
}

// delete removes the local row. The remote delete is queued even when the
// row is already gone locally.
func (s *Session) delete(tx *mirror.Tx, spec *mirror.TableSpec, m Mutation) (string, types.Row, error) {
	if m.ID == "" {
		return "", nil, fmt.Errorf("%w: delete from %s", ErrKeyRequired, spec.Name)
	}
	var err error
	if spec.LocalAutoKey {
		_, err = tx.DeleteMatching(spec.Name, types.Row{spec.NaturalKey[0]: m.ID})
	} else {
		_, err = tx.Delete(spec.Name, m.ID)
	}
	if err != nil {
		return "", nil, err
	}
	return m.ID, nil, nil
}

// stamp fills the owner and store columns of a new row from the identity.
func (s *Session) stamp(spec *mirror.TableSpec, row types.Row) types.Row {
	if spec.OwnerColumn != "" && !row.Has(spec.OwnerColumn) && s.identity.UserID() != "" {
		row[spec.OwnerColumn] = s.identity.UserID()
	}
	if spec.StoreColumn != "" && !row.Has(spec.StoreColumn) && s.identity.StoreID() != "" {
		row[spec.StoreColumn] = s.identity.StoreID()
	}
	return row
}
