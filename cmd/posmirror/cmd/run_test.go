package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/posmirror/internal/database"
	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/outbox"
	"github.com/dbsmedya/posmirror/internal/remote/remotetest"
	"github.com/dbsmedya/posmirror/internal/session"
	"github.com/dbsmedya/posmirror/internal/types"
)

func newTestSession(t *testing.T) (*session.Session, *mirror.Store, *outbox.Outbox, *remotetest.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenLocal(ctx, filepath.Join(t.TempDir(), "local.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := mirror.NewStore(db, mirror.DefaultRegistry(), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.InitializeTables(ctx))

	ob, err := outbox.New(db, outbox.DefaultRetryPolicy(), logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, ob.InitializeTables(ctx))

	rs := remotetest.NewStore()
	rs.Seed("customers", types.Row{"id": "c1", "first_name": "Ana"})

	sess, err := session.New(session.Deps{
		Store:    store,
		Outbox:   ob,
		Remote:   rs,
		Feed:     remotetest.NewFeed(),
		Identity: session.StaticIdentity{User: "u-1", Store: "7"},
		Logger:   logger.NewNop(),
	}, session.Config{FlushInterval: time.Hour, Tables: []string{"customers"}})
	require.NoError(t, err)
	return sess, store, ob, rs
}

func TestRunCommandStructure(t *testing.T) {
	assert.Equal(t, "run", runCmd.Use)
	assert.NotNil(t, runCmd.RunE)
	for _, name := range []string{"sign-out", "status-every", "stop-timeout"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
}

func TestRunSession_StopsOnCancel(t *testing.T) {
	sess, store, _, _ := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runSession(ctx, sess, logger.NewNop(), 10*time.Millisecond, 5*time.Second, false) }()

	require.Eventually(t, func() bool {
		st, err := sess.Status(context.Background())
		return err == nil && st.Bootstrapped && st.Subscribed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runSession did not return after cancel")
	}

	n, err := store.Count(context.Background(), "customers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "mirror is kept without sign-out")

	assert.ErrorIs(t, sess.Start(context.Background()), session.ErrSessionClosed)
}

func TestRunSession_SignOutClearsLocalData(t *testing.T) {
	sess, store, ob, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runSession(ctx, sess, logger.NewNop(), 0, 5*time.Second, true) }()

	require.Eventually(t, func() bool {
		n, err := store.Count(context.Background(), "customers")
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, err := ob.Enqueue(context.Background(), "customers", "c2", types.OpInsert, types.Row{"id": "c2"})
	require.NoError(t, err)

	cancel()
	require.NoError(t, <-done)

	n, err := store.Count(context.Background(), "customers")
	require.NoError(t, err)
	assert.Zero(t, n)
	stats, err := ob.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Unsynced()+stats.Synced)
}
