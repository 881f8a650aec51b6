package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestCursor_InOrder(t *testing.T) {
	c := NewCursor(5, time.Minute)

	assert.True(t, c.Observe(6))
	assert.True(t, c.Observe(7))
	assert.False(t, c.Observe(7), "already delivered")
	assert.False(t, c.Observe(3), "below the start")
	assert.Empty(t, c.Advance())

	assert.Equal(t, int64(7), c.Offset())
	assert.Equal(t, int64(7), c.Head())
	assert.Zero(t, c.Pending())
}

func TestCursor_HoldsOffsetAtGap(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewCursor(9, 10*time.Second).WithClock(clock.now)

	// 11 commits first; 10 is still in flight
	assert.True(t, c.Observe(11))
	assert.Empty(t, c.Advance())
	assert.Equal(t, int64(9), c.Offset())
	assert.Equal(t, []int64{10}, c.Gaps())
	assert.False(t, c.Delivered(10))
	assert.True(t, c.Delivered(11))

	assert.False(t, c.Observe(11), "re-read of 11 is not delivered again")

	clock.t = clock.t.Add(5 * time.Second)
	assert.True(t, c.Observe(10))
	assert.Empty(t, c.Advance())
	assert.Equal(t, int64(11), c.Offset())
	assert.Zero(t, c.Pending())
}

func TestCursor_GivesUpAfterGrace(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewCursor(0, 10*time.Second).WithClock(clock.now)

	c.Observe(1)
	c.Observe(4)
	assert.Equal(t, []int64{2, 3}, c.Gaps())
	assert.Empty(t, c.Advance())
	assert.Equal(t, int64(1), c.Offset())

	clock.t = clock.t.Add(10 * time.Second)
	assert.Equal(t, []int64{2, 3}, c.Advance())
	assert.Equal(t, int64(4), c.Offset())
	assert.Zero(t, c.Pending())

	assert.False(t, c.Observe(2), "late arrival after giving up is below the offset")
}

func TestCursor_LaterGapKeepsItsOwnClock(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := NewCursor(0, 10*time.Second).WithClock(clock.now)

	c.Observe(2) // gap 1
	clock.t = clock.t.Add(8 * time.Second)
	c.Observe(4) // gap 3

	clock.t = clock.t.Add(3 * time.Second)
	assert.Equal(t, []int64{1}, c.Advance())
	assert.Equal(t, int64(2), c.Offset())
	assert.Equal(t, []int64{3}, c.Gaps())
}

func TestCursor_ZeroGrace(t *testing.T) {
	c := NewCursor(0, 0)
	c.Observe(3)
	assert.Equal(t, []int64{1, 2}, c.Advance())
	assert.Equal(t, int64(3), c.Offset())
}
