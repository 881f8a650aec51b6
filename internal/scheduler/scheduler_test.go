package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/posmirror/internal/database"
	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/outbox"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/remote/remotetest"
	"github.com/dbsmedya/posmirror/internal/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	sched  *Scheduler
	outbox *outbox.Outbox
	remote *remotetest.Store
	clock  *testClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenLocal(ctx, filepath.Join(t.TempDir(), "local.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	ob, err := outbox.New(db, outbox.RetryPolicy{MaxAttempts: 3, Initial: time.Second, Max: time.Minute}, logger.NewNop())
	require.NoError(t, err)
	ob.WithClock(clock.Now)
	require.NoError(t, ob.InitializeTables(ctx))

	rs := remotetest.NewStore()
	s, err := New(ob, rs, mirror.DefaultRegistry(), cfg, logger.NewNop())
	require.NoError(t, err)
	s.WithClock(clock.Now)

	return &fixture{sched: s, outbox: ob, remote: rs, clock: clock}
}

func (f *fixture) enqueue(t *testing.T, table, id string, op types.Operation, payload types.Row) int64 {
	t.Helper()
	entryID, err := f.outbox.Enqueue(context.Background(), table, id, op, payload)
	require.NoError(t, err)
	return entryID
}

func (f *fixture) status(t *testing.T, id int64) *outbox.Entry {
	t.Helper()
	e, err := f.outbox.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func networkErr() error {
	return &remote.WriteError{Kind: remote.KindNetwork, Err: errors.New("connection refused")}
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := New(nil, f.remote, mirror.DefaultRegistry(), Config{}, nil)
	assert.ErrorContains(t, err, "outbox is nil")
	_, err = New(f.outbox, nil, mirror.DefaultRegistry(), Config{}, nil)
	assert.ErrorContains(t, err, "remote store is nil")
	_, err = New(f.outbox, f.remote, nil, Config{}, nil)
	assert.ErrorContains(t, err, "table registry is nil")

	assert.Equal(t, DefaultInterval, f.sched.cfg.Interval)
	assert.Equal(t, DefaultBatchSize, f.sched.cfg.BatchSize)
	assert.Equal(t, Idle, f.sched.State())
}

func TestFlushOnce_Converges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	ins := f.enqueue(t, "customers", "c1", types.OpInsert, types.Row{"id": "c1", "first_name": "Ana"})
	upd := f.enqueue(t, "customers", "c1", types.OpUpdate, types.Row{"id": "c1", "first_name": "Ana Maria"})
	store := f.enqueue(t, "stores", "4", types.OpInsert, types.Row{"id": 4, "name": "Main"})
	del := f.enqueue(t, "stores", "4", types.OpDelete, nil)

	result, err := f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Attempted)
	assert.Equal(t, 4, result.Synced)
	assert.Zero(t, result.Failed)

	for _, id := range []int64{ins, upd, store, del} {
		assert.Equal(t, outbox.StatusSynced, f.status(t, id).Status)
	}

	calls := f.remote.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, types.OpInsert, calls[0].Op)
	assert.Equal(t, types.OpUpdate, calls[1].Op)
	assert.Equal(t, "c1", calls[1].ID)
	assert.Equal(t, types.Row{"first_name": "Ana Maria"}, calls[1].Row, "key column is not patched")
	assert.Equal(t, int64(4), calls[3].ID, "integer keys are sent as integers")

	assert.Equal(t, []types.Row{{"id": "c1", "first_name": "Ana Maria"}}, f.remote.Rows("customers"))
	assert.Empty(t, f.remote.Rows("stores"))

	last, at := f.sched.LastFlush()
	assert.Equal(t, 4, last.Synced)
	assert.Equal(t, f.clock.Now(), at)

	stats, err := f.outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Unsynced())
}

func TestFlushOnce_FailureIsolatesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	offline := true
	f.remote.FailWrites(func(c remotetest.Call) error {
		if offline && c.Table == "customers" {
			return networkErr()
		}
		return nil
	})

	a1 := f.enqueue(t, "customers", "a", types.OpInsert, types.Row{"id": "a"})
	b1 := f.enqueue(t, "products", "b", types.OpInsert, types.Row{"id": "b", "name": "Tea"})
	a2 := f.enqueue(t, "customers", "a", types.OpUpdate, types.Row{"phone": "555"})

	result, err := f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Attempted: 2, Synced: 1, Failed: 1, Skipped: 1, Duration: result.Duration}, result)

	failed := f.status(t, a1)
	assert.Equal(t, outbox.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Contains(t, failed.LastError, "connection refused")
	assert.Equal(t, outbox.StatusSynced, f.status(t, b1).Status)
	assert.Equal(t, outbox.StatusPending, f.status(t, a2).Status, "later entry for a failed record stays queued")

	// Backoff has not elapsed: nothing for record a is attempted.
	result, err = f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)

	offline = false
	f.clock.Advance(time.Minute)

	result, err = f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)

	assert.Equal(t, outbox.StatusSynced, f.status(t, a1).Status)
	assert.Equal(t, outbox.StatusSynced, f.status(t, a2).Status)
	assert.Equal(t, []types.Row{{"id": "a", "phone": "555"}}, f.remote.Rows("customers"))
}

func TestFlushOnce_CancelDuringWriteRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{})

	f.remote.FailWrites(func(c remotetest.Call) error {
		cancel()
		return ctx.Err()
	})

	a := f.enqueue(t, "customers", "a", types.OpInsert, types.Row{"id": "a"})
	b := f.enqueue(t, "customers", "b", types.OpInsert, types.Row{"id": "b"})

	result, err := f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.Zero(t, result.Failed)

	for _, id := range []int64{a, b} {
		e := f.status(t, id)
		assert.Equal(t, outbox.StatusPending, e.Status)
		assert.Zero(t, e.RetryCount)
		assert.Empty(t, e.LastError)
	}
	assert.Len(t, f.remote.Calls(), 1, "the pass stops at the interrupted entry")

	f.remote.FailWrites(nil)
	result, err = f.sched.FlushOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
}

func TestFlushOnce_SingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.FailWrites(func(remotetest.Call) error {
		close(entered)
		<-release
		return nil
	})
	f.enqueue(t, "customers", "c1", types.OpInsert, types.Row{"id": "c1"})

	done := make(chan FlushResult, 1)
	go func() {
		r, _ := f.sched.FlushOnce(ctx)
		done <- r
	}()

	<-entered
	assert.Equal(t, Flushing, f.sched.State())
	_, err := f.sched.FlushOnce(ctx)
	assert.ErrorIs(t, err, ErrFlushInProgress)

	close(release)
	r := <-done
	assert.Equal(t, 1, r.Synced)
	assert.Equal(t, Idle, f.sched.State())
	assert.Len(t, f.remote.Calls(), 1, "the rejected flush sent nothing")
}

func TestFlushOnce_BatchSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{BatchSize: 2})

	for _, id := range []string{"c1", "c2", "c3"} {
		f.enqueue(t, "customers", id, types.OpInsert, types.Row{"id": id})
	}

	r, err := f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Synced)

	r, err = f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Synced)
}

func TestFlushOnce_LocalAutoKeyTablesUseNaturalKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	f.enqueue(t, "orders", "ORD-1", types.OpInsert, types.Row{"id": 3, "code": "ORD-1", "total": 9.5})
	f.enqueue(t, "orders", "ORD-1", types.OpUpdate, types.Row{"id": 3, "code": "ORD-1", "payment_status": "paid"})
	f.enqueue(t, "orders", "ORD-1", types.OpDelete, nil)

	r, err := f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, r.Synced)

	calls := f.remote.Calls()
	assert.Equal(t, types.Row{"code": "ORD-1", "total": 9.5}, calls[0].Row, "local id is never sent")
	assert.Equal(t, "ORD-1", calls[1].ID)
	assert.Equal(t, types.Row{"payment_status": "paid"}, calls[1].Row)
	assert.Equal(t, "ORD-1", calls[2].ID)
	assert.Empty(t, f.remote.Rows("orders"))
}

func TestFlushOnce_UnknownTableFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	id := f.enqueue(t, "ghosts", "g1", types.OpInsert, types.Row{"id": "g1"})

	r, err := f.sched.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Failed)
	assert.Contains(t, f.status(t, id).LastError, "unknown table")
	assert.Empty(t, f.remote.Calls())
}

func TestFlushOnce_DeadEntriesStopRetrying(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.remote.FailWrites(func(remotetest.Call) error {
		return &remote.WriteError{Kind: remote.KindConstraint, Err: errors.New("duplicate")}
	})
	id := f.enqueue(t, "customers", "c1", types.OpInsert, types.Row{"id": "c1"})

	for i := 0; i < 5; i++ {
		_, err := f.sched.FlushOnce(ctx)
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}

	e := f.status(t, id)
	assert.Equal(t, 3, e.RetryCount)
	assert.True(t, e.Dead(f.outbox.Policy().MaxAttempts))
	assert.Len(t, f.remote.Calls(), 3)
}

func TestRun_TriggerAndStop(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	// The loop flushes once on start; wait for it before queueing.
	require.Eventually(t, func() bool {
		_, at := f.sched.LastFlush()
		return !at.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	f.enqueue(t, "customers", "c1", types.OpInsert, types.Row{"id": "c1"})
	f.sched.Trigger()

	require.Eventually(t, func() bool {
		return len(f.remote.Rows("customers")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRun_PrunesSyncedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{PruneAfter: 24 * time.Hour})

	f.enqueue(t, "customers", "c1", types.OpInsert, types.Row{"id": "c1"})
	_, err := f.sched.FlushOnce(ctx)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	f.sched.prune(ctx)

	n, err := f.outbox.CountByStatus(ctx, outbox.StatusSynced)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "flushing", Flushing.String())
}
