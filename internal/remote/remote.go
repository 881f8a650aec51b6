// Package remote defines the boundary to the authoritative remote store and
// its change feed. Adapters live in the mysql and postgres subpackages.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/dbsmedya/posmirror/internal/types"
)

// Store is the authoritative remote database as seen by the sync engine.
type Store interface {
	// SelectAll returns every row of table.
	SelectAll(ctx context.Context, table string) ([]types.Row, error)
	Insert(ctx context.Context, table string, row types.Row) error
	Update(ctx context.Context, table, keyColumn string, id any, patch types.Row) error
	Delete(ctx context.Context, table, keyColumn string, id any) error
	Close() error
}

// ChangeEvent is one committed change on the remote store. Old is set for
// updates and deletes when the feed carries the previous row.
type ChangeEvent struct {
	Table     string
	Operation types.Operation
	New       types.Row
	Old       types.Row
	Seq       int64
}

// Feed delivers remote change events in commit order.
type Feed interface {
	// Position returns the feed offset of the newest committed change. Events
	// after it are delivered by a Subscribe started from it.
	Position(ctx context.Context) (int64, error)

	// Subscribe pushes events after from for the given tables (all when empty)
	// into out until ctx is done. It blocks on a full out channel instead of
	// dropping events. It never closes out.
	Subscribe(ctx context.Context, from int64, tables []string, out chan<- ChangeEvent) error
}

// ErrorKind classifies remote write failures.
type ErrorKind string

const (
	KindConstraint ErrorKind = "constraint"
	KindAuth       ErrorKind = "auth"
	KindNetwork    ErrorKind = "network"
	KindValidation ErrorKind = "validation"
	KindUnknown    ErrorKind = "unknown"
)

// Transient reports whether retrying the same write may succeed.
func (k ErrorKind) Transient() bool {
	return k == KindNetwork || k == KindUnknown
}

// WriteError is a classified failure of a remote insert, update or delete.
type WriteError struct {
	Kind  ErrorKind
	Table string
	Op    types.Operation
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("remote %s on %s failed (%s): %v", e.Op, e.Table, e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a WriteError anywhere in err's chain.
func KindOf(err error) ErrorKind {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindUnknown
}

// Matches reports whether ev concerns one of tables. An empty list matches all.
func Matches(ev ChangeEvent, tables []string) bool {
	if len(tables) == 0 {
		return true
	}
	for _, t := range tables {
		if t == ev.Table {
			return true
		}
	}
	return false
}
