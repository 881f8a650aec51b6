// Package realtime applies remote change events to the local mirror.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/types"
)

// ErrMalformedEvent is returned for events that cannot be applied: unknown
// table or operation, no row image, or a row the table mapper rejects.
var ErrMalformedEvent = errors.New("malformed change event")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// Stats counts processed events.
type Stats struct {
	Applied int64
	Dropped int64 // malformed
	Failed  int64 // local store errors
	LastSeq int64 // highest feed sequence seen
}

// Consumer applies change events. Applying the same event twice leaves the
// mirror as applying it once did, except for mirror.SyncedAtColumn, which
// mapped tables restamp on every apply.
type Consumer struct {
	store  *mirror.Store
	logger *logger.Logger

	applied atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
	lastSeq atomic.Int64
}

// NewConsumer creates a consumer writing into store.
func NewConsumer(store *mirror.Store, log *logger.Logger) (*Consumer, error) {
	if store == nil {
		return nil, fmt.Errorf("local store is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Consumer{store: store, logger: log.WithComponent("realtime")}, nil
}

// Run applies events until ctx is done or events is closed. Errors are
// logged and the event dropped; Run never stops on a bad event.
func (c *Consumer) Run(ctx context.Context, events <-chan remote.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.Apply(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.WithTable(ev.Table).Warnw("Dropped change event",
					"op", ev.Operation, "seq", ev.Seq, "error", err)
			}
		}
	}
}

// Apply writes one event to the mirror.
func (c *Consumer) Apply(ctx context.Context, ev remote.ChangeEvent) error {
	err := c.apply(ctx, ev)
	switch {
	case err == nil:
		c.applied.Add(1)
	case errors.Is(err, ErrMalformedEvent):
		c.dropped.Add(1)
	default:
		c.failed.Add(1)
	}
	// late commits and replays can arrive below the high-water mark
	for last := c.lastSeq.Load(); ev.Seq > last; last = c.lastSeq.Load() {
		if c.lastSeq.CompareAndSwap(last, ev.Seq) {
			break
		}
	}
	return err
}

func (c *Consumer) apply(ctx context.Context, ev remote.ChangeEvent) error {
	registry := c.store.Registry()
	spec, err := registry.Lookup(ev.Table)
	if err != nil {
		return malformed("table %q is not mirrored", ev.Table)
	}

	switch ev.Operation {
	case types.OpDelete:
		row := ev.Old
		if row == nil {
			row = ev.New
		}
		if row == nil {
			return malformed("%s delete carries no row", ev.Table)
		}
		return c.store.Update(ctx, func(tx *mirror.Tx) error {
			return deleteRow(tx, spec, row)
		})

	case types.OpInsert, types.OpUpdate:
		if ev.New == nil {
			return malformed("%s %s carries no row", ev.Table, ev.Operation)
		}
		mapped, err := registry.Map(ev.Table, ev.New)
		if err != nil {
			return malformed("%v", err)
		}
		return c.store.Update(ctx, func(tx *mirror.Tx) error {
			_, err := tx.Put(ev.Table, mapped)
			return err
		})

	default:
		return malformed("unknown operation %q", ev.Operation)
	}
}

// deleteRow removes the row identified by the event. Tables keyed locally, or
// rows without the key column, are located by natural key. A missing row is
// not an error.
func deleteRow(tx *mirror.Tx, spec *mirror.TableSpec, row types.Row) error {
	if spec.LocalAutoKey || !row.Has(spec.KeyColumn) {
		nat, ok := spec.NaturalValues(row)
		if !ok {
			return malformed("%s delete has neither %s nor a natural key", spec.Name, spec.KeyColumn)
		}
		_, err := tx.DeleteMatching(spec.Name, nat)
		return err
	}

	id, err := types.KeyString(row[spec.KeyColumn])
	if err != nil {
		return malformed("%s delete: %v", spec.Name, err)
	}
	_, err = tx.Delete(spec.Name, id)
	return err
}

// Stats returns the event counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Applied: c.applied.Load(),
		Dropped: c.dropped.Load(),
		Failed:  c.failed.Load(),
		LastSeq: c.lastSeq.Load(),
	}
}
