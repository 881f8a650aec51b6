package mirror

import (
	"context"
	"sync"

	"github.com/dbsmedya/posmirror/internal/types"
)

// QueryFunc computes a live query's result set.
type QueryFunc func(ctx context.Context, s *Store) ([]types.Row, error)

// Snapshot is one evaluation of a live query.
type Snapshot struct {
	Rows []types.Row
	Err  error
}

// LiveQuery re-evaluates its query after every committed write that touches
// one of its tables and publishes the result on C.
//
// Notifications coalesce: writes that land while an evaluation is pending or
// while the reader is behind collapse into one re-evaluation, which always
// observes them. C is closed when the query is closed or its context ends.
type LiveQuery struct {
	C <-chan Snapshot

	out    chan Snapshot
	dirty  chan struct{}
	tables map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts a live query over table and any additional tables the
// query reads.
func (s *Store) Subscribe(ctx context.Context, table string, fn QueryFunc, also ...string) (*LiveQuery, error) {
	tables := make(map[string]struct{}, 1+len(also))
	for _, t := range append([]string{table}, also...) {
		if _, err := s.lookup("subscribe", t); err != nil {
			return nil, err
		}
		tables[t] = struct{}{}
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Snapshot)
	lq := &LiveQuery{
		C:      out,
		out:    out,
		dirty:  make(chan struct{}, 1),
		tables: tables,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[lq] = struct{}{}
	s.mu.Unlock()

	go lq.run(ctx, s, fn)
	return lq, nil
}

// Close stops the live query and waits for its goroutine to exit.
func (lq *LiveQuery) Close() {
	lq.once.Do(lq.cancel)
	<-lq.done
}

func (lq *LiveQuery) run(ctx context.Context, s *Store, fn QueryFunc) {
	defer close(lq.done)
	defer close(lq.out)
	defer func() {
		s.mu.Lock()
		delete(s.subs, lq)
		s.mu.Unlock()
	}()

	for {
		rows, err := fn(ctx, s)
		if ctx.Err() != nil {
			return
		}

		select {
		case lq.out <- Snapshot{Rows: rows, Err: err}:
		case <-ctx.Done():
			return
		}

		select {
		case <-lq.dirty:
		case <-ctx.Done():
			return
		}
	}
}

func (lq *LiveQuery) signal() {
	select {
	case lq.dirty <- struct{}{}:
	default:
	}
}

// notify marks every live query over a touched table dirty.
func (s *Store) notify(touched map[string]struct{}) {
	if len(touched) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for lq := range s.subs {
		for table := range touched {
			if _, ok := lq.tables[table]; ok {
				lq.signal()
				break
			}
		}
	}
}

// TableQuery is a QueryFunc returning every row of table accepted by pred.
func TableQuery(table string, pred func(types.Row) bool) QueryFunc {
	return func(ctx context.Context, s *Store) ([]types.Row, error) {
		return s.Query(ctx, table, pred)
	}
}
