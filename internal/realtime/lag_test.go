package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/remote/remotetest"
	"github.com/dbsmedya/posmirror/internal/types"
)

func customerInsert(id string) remote.ChangeEvent {
	return remote.ChangeEvent{
		Table: "customers", Operation: types.OpInsert,
		New: types.Row{"id": id, "first_name": "Ana"},
	}
}

func TestNewLagMonitor(t *testing.T) {
	lm, err := NewLagMonitor(nil, nil, 0, nil)
	require.NoError(t, err)
	assert.False(t, lm.IsEnabled())

	_, err = NewLagMonitor(remotetest.NewFeed(), nil, 0, nil)
	assert.ErrorContains(t, err, "consumer is nil")

	c, _ := newTestConsumer(t)
	lm, err = NewLagMonitor(remotetest.NewFeed(), c, 0, logger.NewNop())
	require.NoError(t, err)
	assert.True(t, lm.IsEnabled())
	assert.Equal(t, int64(DefaultLagThreshold), lm.Threshold())
}

func TestCheckLag_Disabled(t *testing.T) {
	lm, err := NewLagMonitor(nil, nil, 0, logger.NewNop())
	require.NoError(t, err)

	ok, lag, err := lm.CheckLag(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, lag)
	assert.NoError(t, lm.WaitForCatchUp(context.Background(), time.Millisecond))
}

func TestCheckLag(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestConsumer(t)
	feed := remotetest.NewFeed()
	lm, err := NewLagMonitor(feed, c, 2, logger.NewNop())
	require.NoError(t, err)

	for _, id := range []string{"c1", "c2", "c3"} {
		feed.Emit(customerInsert(id))
	}

	ok, lag, err := lm.CheckLag(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), lag)

	ev := customerInsert("c1")
	ev.Seq = 1
	require.NoError(t, c.Apply(ctx, ev))
	ok, lag, err = lm.CheckLag(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), lag)

	lm.SetBase(3)
	ok, lag, err = lm.CheckLag(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, lag)
	assert.Equal(t, int64(3), lm.Applied())
}

func TestCheckLag_PositionError(t *testing.T) {
	c, _ := newTestConsumer(t)
	feed := remotetest.NewFeed()
	feed.FailPosition(errors.New("connection refused"))
	lm, err := NewLagMonitor(feed, c, 0, logger.NewNop())
	require.NoError(t, err)

	ok, lag, err := lm.CheckLag(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, ok)
	assert.Equal(t, int64(-1), lag)
}

func TestWaitForCatchUp(t *testing.T) {
	c, _ := newTestConsumer(t)
	feed := remotetest.NewFeed()
	lm, err := NewLagMonitor(feed, c, 1, logger.NewNop())
	require.NoError(t, err)

	feed.Emit(customerInsert("c1"))
	feed.Emit(customerInsert("c2"))

	t.Run("cancelled while behind", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := lm.WaitForCatchUp(ctx, 5*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("returns once caught up", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			lm.SetBase(2)
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, lm.WaitForCatchUp(ctx, 5*time.Millisecond))
	})
}
