package realtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/remote"
)

// DefaultLagThreshold is the number of unapplied journal entries tolerated
// before the consumer is reported as behind.
const DefaultLagThreshold = 1000

// LagMonitor measures how far the consumer trails the change feed, in feed
// sequence numbers.
//
// The applied position is the newer of the last applied event and the
// position the subscription started from. Changes to tables outside the
// session's selection count as lag until a later event is applied.
type LagMonitor struct {
	feed      remote.Feed
	consumer  *Consumer
	enabled   bool
	threshold int64
	base      atomic.Int64
	logger    *logger.Logger
}

// NewLagMonitor creates a lag monitor. A nil feed disables monitoring.
func NewLagMonitor(feed remote.Feed, consumer *Consumer, threshold int64, log *logger.Logger) (*LagMonitor, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if feed == nil {
		log.Info("Change feed lag monitoring is DISABLED (no feed)")
		return &LagMonitor{logger: log}, nil
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is nil")
	}
	if threshold <= 0 {
		threshold = DefaultLagThreshold
	}
	return &LagMonitor{
		feed:      feed,
		consumer:  consumer,
		enabled:   true,
		threshold: threshold,
		logger:    log.WithComponent("lag"),
	}, nil
}

// SetBase records the feed position a subscription starts from.
func (lm *LagMonitor) SetBase(seq int64) {
	lm.base.Store(seq)
}

// Applied returns the feed position the mirror is known to reflect.
func (lm *LagMonitor) Applied() int64 {
	applied := lm.base.Load()
	if lm.consumer != nil {
		if last := lm.consumer.Stats().LastSeq; last > applied {
			applied = last
		}
	}
	return applied
}

// CheckLag reports whether lag is within the threshold, and the lag itself.
// A disabled monitor always reports ok with zero lag. On error lag is -1.
func (lm *LagMonitor) CheckLag(ctx context.Context) (bool, int64, error) {
	if !lm.enabled {
		return true, 0, nil
	}

	pos, err := lm.feed.Position(ctx)
	if err != nil {
		return false, -1, fmt.Errorf("failed to read feed position: %w", err)
	}

	lag := pos - lm.Applied()
	if lag < 0 {
		lag = 0
	}
	if lag > lm.threshold {
		lm.logger.Warnf("Change feed lag is HIGH: %d entries (threshold: %d)", lag, lm.threshold)
		return false, lag, nil
	}

	lm.logger.Debugf("Change feed lag OK: %d entries (threshold: %d)", lag, lm.threshold)
	return true, lag, nil
}

// WaitForCatchUp blocks until lag is within the threshold, rechecking every
// interval.
func (lm *LagMonitor) WaitForCatchUp(ctx context.Context, interval time.Duration) error {
	if !lm.enabled {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	for {
		ok, lag, err := lm.CheckLag(ctx)
		switch {
		case err != nil:
			lm.logger.Warnf("Lag check failed: %v (retrying in %s)", err, interval)
		case ok:
			return nil
		default:
			lm.logger.Infof("Waiting for consumer to catch up (%d entries behind)", lag)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for change feed: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// IsEnabled returns whether lag monitoring is enabled.
func (lm *LagMonitor) IsEnabled() bool {
	return lm.enabled
}

// Threshold returns the configured lag threshold.
func (lm *LagMonitor) Threshold() int64 {
	return lm.threshold
}
