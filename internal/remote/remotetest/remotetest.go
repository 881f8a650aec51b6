// Package remotetest provides in-memory remote.Store and remote.Feed
// implementations for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/types"
)

// Call records one write made against the Store.
type Call struct {
	Op    types.Operation
	Table string
	ID    any
	Row   types.Row
}

// Store is an in-memory remote store. Rows keep insertion order.
type Store struct {
	mu        sync.Mutex
	tables    map[string][]types.Row
	keys      map[string]string
	selectErr map[string]error
	writeErr  func(Call) error
	calls     []Call
	echo      *Feed
	closed    bool
}

var _ remote.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tables:    make(map[string][]types.Row),
		keys:      make(map[string]string),
		selectErr: make(map[string]error),
	}
}

// SetKey sets the key column of table (default "id").
func (s *Store) SetKey(table, column string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[table] = column
}

// Seed appends rows to table without recording calls or emitting events.
func (s *Store) Seed(table string, rows ...types.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], r.Clone())
	}
}

// FailSelect makes SelectAll on table return err. A nil err clears it.
func (s *Store) FailSelect(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.selectErr, table)
		return
	}
	s.selectErr[table] = err
}

// FailWrites installs a hook deciding the error of each write. The call is
// recorded either way.
func (s *Store) FailWrites(fn func(Call) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = fn
}

// Echo makes every successful write emit a change event on feed.
func (s *Store) Echo(feed *Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = feed
}

// Calls returns the writes made so far.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Rows returns a copy of table's rows.
func (s *Store) Rows(table string) []types.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) keyColumn(table string) string {
	if k, ok := s.keys[table]; ok {
		return k
	}
	return "id"
}

func (s *Store) find(table, keyColumn string, id any) int {
	want, err := types.KeyString(id)
	if err != nil {
		return -1
	}
	for i, r := range s.tables[table] {
		if got, err := types.KeyString(r[keyColumn]); err == nil && got == want {
			return i
		}
	}
	return -1
}

func (s *Store) record(c Call) error {
	s.calls = append(s.calls, c)
	if s.writeErr != nil {
		return s.writeErr(c)
	}
	return nil
}

func (s *Store) emit(ev remote.ChangeEvent) {
	if s.echo != nil {
		s.echo.Emit(ev)
	}
}

func (s *Store) SelectAll(ctx context.Context, table string) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.selectErr[table]
	}(); err != nil {
		return nil, err
	}
	return s.Rows(table), nil
}

func (s *Store) Insert(ctx context.Context, table string, row types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Op: types.OpInsert, Table: table, Row: row.Clone()}); err != nil {
		return err
	}
	key := s.keyColumn(table)
	if row.Has(key) && s.find(table, key, row[key]) >= 0 {
		return &remote.WriteError{Kind: remote.KindConstraint, Table: table, Op: types.OpInsert,
			Err: fmt.Errorf("duplicate key %v", row[key])}
	}
	s.tables[table] = append(s.tables[table], row.Clone())
	s.emit(remote.ChangeEvent{Table: table, Operation: types.OpInsert, New: row.Clone()})
	return nil
}

func (s *Store) Update(ctx context.Context, table, keyColumn string, id any, patch types.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Op: types.OpUpdate, Table: table, ID: id, Row: patch.Clone()}); err != nil {
		return err
	}
	i := s.find(table, keyColumn, id)
	if i < 0 {
		return nil
	}
	old := s.tables[table][i]
	updated := old.Merge(patch.Without(keyColumn))
	s.tables[table][i] = updated
	s.emit(remote.ChangeEvent{Table: table, Operation: types.OpUpdate, New: updated.Clone(), Old: old.Clone()})
	return nil
}

func (s *Store) Delete(ctx context.Context, table, keyColumn string, id any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record(Call{Op: types.OpDelete, Table: table, ID: id}); err != nil {
		return err
	}
	i := s.find(table, keyColumn, id)
	if i < 0 {
		return nil
	}
	old := s.tables[table][i]
	s.tables[table] = append(s.tables[table][:i], s.tables[table][i+1:]...)
	s.emit(remote.ChangeEvent{Table: table, Operation: types.OpDelete, Old: old.Clone()})
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Feed is an in-memory journal of change events.
type Feed struct {
	mu     sync.Mutex
	events []remote.ChangeEvent
	wake   chan struct{}
	posErr error
}

var _ remote.Feed = (*Feed)(nil)

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{wake: make(chan struct{}, 1)}
}

// FailPosition makes Position return err.
func (f *Feed) FailPosition(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posErr = err
}

// Emit appends ev with the next sequence number and wakes subscribers.
func (f *Feed) Emit(ev remote.ChangeEvent) int64 {
	f.mu.Lock()
	ev.Seq = int64(len(f.events) + 1)
	f.events = append(f.events, ev)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return ev.Seq
}

func (f *Feed) Position(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return 0, f.posErr
	}
	return int64(len(f.events)), nil
}

func (f *Feed) Subscribe(ctx context.Context, from int64, tables []string, out chan<- remote.ChangeEvent) error {
	offset := from
	for {
		f.mu.Lock()
		var pending []remote.ChangeEvent
		if offset < int64(len(f.events)) {
			pending = append(pending, f.events[offset:]...)
		}
		f.mu.Unlock()

		for _, ev := range pending {
			offset = ev.Seq
			if !remote.Matches(ev, tables) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-f.wake:
		case <-ctx.Done():
			return nil
		}
	}
}
