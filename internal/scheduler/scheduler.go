// Package scheduler drains the outbox into the remote store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/outbox"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/types"
)

// ErrFlushInProgress is returned by FlushOnce while another flush runs.
var ErrFlushInProgress = errors.New("flush already in progress")

// State is the scheduler's flush state.
type State int32

const (
	Idle State = iota
	Flushing
)

func (s State) String() string {
	if s == Flushing {
		return "flushing"
	}
	return "idle"
}

const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 50

	pruneEvery = time.Hour
)

// Config controls the flush loop.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	PruneAfter time.Duration // 0 disables pruning of synced entries
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Attempted int
	Synced    int
	Failed    int
	Skipped   int // held back behind a failed entry for the same record
	Duration  time.Duration
}

// Scheduler pushes due outbox entries to the remote store, one entry at a
// time and in enqueue order. At most one flush runs at a time.
type Scheduler struct {
	outbox   *outbox.Outbox
	remote   remote.Store
	registry *mirror.Registry
	cfg      Config
	logger   *logger.Logger
	tracer   trace.Tracer
	now      func() time.Time

	state atomic.Int32
	wake  chan struct{}

	mu        sync.Mutex
	last      FlushResult
	lastAt    time.Time
	lastPrune time.Time
}

// New creates a scheduler.
//
// Parameters:
//   - ob: outbox to drain
//   - rs: remote store receiving the writes
//   - registry: resolves key columns of outbox tables
//   - cfg: interval and batch size; zero values take the defaults
func New(ob *outbox.Outbox, rs remote.Store, registry *mirror.Registry, cfg Config, log *logger.Logger) (*Scheduler, error) {
	if ob == nil {
		return nil, fmt.Errorf("outbox is nil")
	}
	if rs == nil {
		return nil, fmt.Errorf("remote store is nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("table registry is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Scheduler{
		outbox:   ob,
		remote:   rs,
		registry: registry,
		cfg:      cfg,
		logger:   log.WithComponent("scheduler"),
		tracer:   otel.Tracer("github.com/dbsmedya/posmirror/internal/scheduler"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}, nil
}

// WithClock overrides the clock used to select due entries.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// State returns the current flush state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// LastFlush returns the result and completion time of the latest flush.
// The time is zero before the first flush.
func (s *Scheduler) LastFlush() (FlushResult, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt
}

// Trigger asks a running loop to flush now instead of at the next tick.
func (s *Scheduler) Trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run flushes at every interval until ctx is done. Flush errors are logged;
// Run only returns when ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Infof("Flush loop started (interval %s, batch %d)", s.cfg.Interval, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Flush loop stopped")
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.FlushOnce(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) && ctx.Err() == nil {
		s.logger.Errorw("Flush failed", "error", err)
	}
	s.prune(ctx)
}

func (s *Scheduler) prune(ctx context.Context) {
	if s.cfg.PruneAfter <= 0 || ctx.Err() != nil {
		return
	}
	now := s.now()
	s.mu.Lock()
	due := now.Sub(s.lastPrune) >= pruneEvery
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	n, err := s.outbox.PruneSynced(ctx, s.cfg.PruneAfter)
	if err != nil {
		s.logger.Warnw("Pruning synced entries failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Infof("Pruned %d synced outbox entries", n)
	}
}

// FlushOnce runs one flush pass over at most BatchSize due entries. It
// returns ErrFlushInProgress without doing anything when a flush is already
// running. A failing entry never aborts the pass; the returned error is only
// set when the outbox itself cannot be read.
func (s *Scheduler) FlushOnce(ctx context.Context) (FlushResult, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Flushing)) {
		return FlushResult{}, ErrFlushInProgress
	}
	defer s.state.Store(int32(Idle))

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "scheduler.flush")
	defer span.End()

	result, err := s.flush(ctx)
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("posmirror.attempted", result.Attempted),
		attribute.Int("posmirror.synced", result.Synced),
		attribute.Int("posmirror.failed", result.Failed),
		attribute.Int("posmirror.skipped", result.Skipped),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	s.mu.Lock()
	s.last = result
	s.lastAt = s.now()
	s.mu.Unlock()

	if result.Attempted > 0 {
		s.logger.Infow("Flush complete",
			"synced", result.Synced, "failed", result.Failed,
			"skipped", result.Skipped, "duration", result.Duration)
	}
	return result, nil
}

func (s *Scheduler) flush(ctx context.Context) (FlushResult, error) {
	var result FlushResult

	entries, err := s.outbox.ListDue(ctx, s.cfg.BatchSize, s.now())
	if err != nil {
		return result, fmt.Errorf("failed to list due entries: %w", err)
	}

	// Status bookkeeping must land even if ctx is cancelled mid-write, or the
	// entry stays syncing until the next restart.
	bookCtx := context.WithoutCancel(ctx)
	blocked := make(map[string]bool)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		record := entry.Table + "\x00" + entry.RecordID
		if blocked[record] {
			result.Skipped++
			continue
		}

		result.Attempted++
		log := s.logger.WithEntry(entry.ID).WithTable(entry.Table)

		if err := s.outbox.MarkSyncing(bookCtx, entry.ID); err != nil {
			return result, fmt.Errorf("failed to mark entry %d syncing: %w", entry.ID, err)
		}

		if err := s.push(ctx, &entry); err != nil {
			if ctx.Err() != nil {
				// Interrupted, not rejected: hand the entry back untouched.
				result.Attempted--
				if rErr := s.outbox.Requeue(bookCtx, entry.ID); rErr != nil {
					return result, fmt.Errorf("failed to requeue entry %d: %w", entry.ID, rErr)
				}
				log.Debugw("Flush interrupted, entry requeued", "record", entry.RecordID)
				break
			}
			result.Failed++
			blocked[record] = true
			log.Warnw("Remote write failed",
				"op", entry.Operation, "record", entry.RecordID,
				"kind", remote.KindOf(err), "error", err)
			if mErr := s.outbox.MarkFailed(bookCtx, entry.ID, err); mErr != nil {
				return result, fmt.Errorf("failed to mark entry %d failed: %w", entry.ID, mErr)
			}
			continue
		}

		if err := s.outbox.MarkSynced(bookCtx, entry.ID); err != nil {
			return result, fmt.Errorf("failed to mark entry %d synced: %w", entry.ID, err)
		}
		result.Synced++
		log.Debugw("Entry synced", "op", entry.Operation, "record", entry.RecordID)
	}
	return result, nil
}

// push performs the remote write of one entry. Tables keyed locally by an
// autoincrement id are addressed remotely by their natural key.
func (s *Scheduler) push(ctx context.Context, entry *outbox.Entry) error {
	spec, err := s.registry.Lookup(entry.Table)
	if err != nil {
		return &remote.WriteError{Kind: remote.KindValidation, Table: entry.Table, Op: entry.Operation, Err: err}
	}

	keyColumn := spec.KeyColumn
	id := spec.KeyValue(entry.RecordID)
	if spec.LocalAutoKey {
		keyColumn = spec.NaturalKey[0]
		id = entry.RecordID
	}

	switch entry.Operation {
	case types.OpInsert:
		row := entry.Payload
		if spec.LocalAutoKey {
			row = row.Without(spec.KeyColumn)
		}
		return s.remote.Insert(ctx, entry.Table, row)
	case types.OpUpdate:
		patch := entry.Payload.Without(spec.KeyColumn, keyColumn)
		return s.remote.Update(ctx, entry.Table, keyColumn, id, patch)
	case types.OpDelete:
		return s.remote.Delete(ctx, entry.Table, keyColumn, id)
	default:
		return &remote.WriteError{Kind: remote.KindValidation, Table: entry.Table, Op: entry.Operation,
			Err: fmt.Errorf("unknown operation %q", entry.Operation)}
	}
}
