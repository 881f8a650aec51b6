package remote

import (
	"sort"
	"time"
)

// Cursor tracks delivery over a sequence-numbered journal whose rows can
// become visible out of order: a transaction that took seq 10 may commit
// after the one that took seq 11. Sequences skipped over are held as gaps
// until they show up or their grace window runs out, and the low-water
// mark never moves past an open gap.
//
// A Cursor is not safe for concurrent use.
type Cursor struct {
	low   int64
	head  int64
	gaps  map[int64]time.Time
	grace time.Duration
	now   func() time.Time
}

// NewCursor starts a cursor after from. grace is how long a missing sequence
// is waited for; 0 gives up on gaps at the next Advance.
func NewCursor(from int64, grace time.Duration) *Cursor {
	if grace < 0 {
		grace = 0
	}
	return &Cursor{
		low:   from,
		head:  from,
		gaps:  make(map[int64]time.Time),
		grace: grace,
		now:   time.Now,
	}
}

// WithClock replaces the clock used to age gaps.
func (c *Cursor) WithClock(now func() time.Time) *Cursor {
	c.now = now
	return c
}

// Offset is the low-water mark: every sequence at or below it has been
// delivered or given up on.
func (c *Cursor) Offset() int64 { return c.low }

// Head is the highest sequence delivered.
func (c *Cursor) Head() int64 { return c.head }

// Gaps returns the open gaps in ascending order.
func (c *Cursor) Gaps() []int64 {
	out := make([]int64, 0, len(c.gaps))
	for seq := range c.gaps {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pending is the number of open gaps.
func (c *Cursor) Pending() int { return len(c.gaps) }

// Delivered reports whether seq needs no further delivery.
func (c *Cursor) Delivered(seq int64) bool {
	if seq <= c.low {
		return true
	}
	if seq > c.head {
		return false
	}
	_, open := c.gaps[seq]
	return !open
}

// Observe marks seq delivered and reports whether it was new. Every sequence
// between the previous head and seq becomes a gap.
func (c *Cursor) Observe(seq int64) bool {
	if c.Delivered(seq) {
		return false
	}
	if seq <= c.head {
		delete(c.gaps, seq)
		return true
	}
	now := c.now()
	for s := c.head + 1; s < seq; s++ {
		c.gaps[s] = now
	}
	c.head = seq
	return true
}

// Advance moves the low-water mark over delivered sequences and over gaps
// older than the grace window. It returns the gaps given up on.
func (c *Cursor) Advance() []int64 {
	var skipped []int64
	now := c.now()
	for c.low < c.head {
		next := c.low + 1
		if since, open := c.gaps[next]; open {
			if now.Sub(since) < c.grace {
				break
			}
			delete(c.gaps, next)
			skipped = append(skipped, next)
		}
		c.low = next
	}
	return skipped
}
