// Package session ties the sync components into one signed-in session:
// bootstrap, change feed, consumer and flush loop, plus the write path that
// records local mutations in the outbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dbsmedya/posmirror/internal/bootstrap"
	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/outbox"
	"github.com/dbsmedya/posmirror/internal/realtime"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/scheduler"
)

// ErrSessionClosed is returned by Start after Stop.
var ErrSessionClosed = errors.New("session closed")

const defaultFeedBuffer = 256

// Deps are the collaborators a session runs on.
type Deps struct {
	Store    *mirror.Store
	Outbox   *outbox.Outbox
	Remote   remote.Store
	Feed     remote.Feed
	Identity Identity
	Logger   *logger.Logger
}

// Config tunes a session.
type Config struct {
	Tables        []string // empty mirrors every registered table
	FlushInterval time.Duration
	BatchSize     int
	PruneAfter    time.Duration
	FeedBuffer    int
	LagThreshold  int64
}

// Status is a point-in-time view of the session.
type Status struct {
	SessionID    string
	Bootstrapped bool
	Subscribed   bool
	Flushing     bool
	LastFlushAt  time.Time
	LastFlush    scheduler.FlushResult
	Events       realtime.Stats
	Outbox       outbox.Stats
	FeedLag      int64 // -1 when not subscribed or the position is unavailable
	FeedBehind   bool
}

// Session is the lifetime of one signed-in user on this device.
type Session struct {
	id       string
	store    *mirror.Store
	outbox   *outbox.Outbox
	feed     remote.Feed
	identity Identity
	cfg      Config
	tables   []string
	logger   *logger.Logger

	loader    *bootstrap.Loader
	consumer  *realtime.Consumer
	lag       *realtime.LagMonitor
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	bootstrapped atomic.Bool
	subscribed   atomic.Bool
}

// New builds a session. Nothing runs until Start.
func New(deps Deps, cfg Config) (*Session, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("local store is nil")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox is nil")
	case deps.Remote == nil:
		return nil, fmt.Errorf("remote store is nil")
	case deps.Feed == nil:
		return nil, fmt.Errorf("change feed is nil")
	}
	if deps.Identity == nil {
		deps.Identity = StaticIdentity{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewDefault()
	}
	if cfg.FeedBuffer <= 0 {
		cfg.FeedBuffer = defaultFeedBuffer
	}

	tables, err := deps.Store.Registry().Resolve(cfg.Tables)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := deps.Logger.WithSession(id)

	loader, err := bootstrap.NewLoader(deps.Remote, deps.Store, log)
	if err != nil {
		return nil, err
	}
	consumer, err := realtime.NewConsumer(deps.Store, log)
	if err != nil {
		return nil, err
	}
	lag, err := realtime.NewLagMonitor(deps.Feed, consumer, cfg.LagThreshold, log)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(deps.Outbox, deps.Remote, deps.Store.Registry(), scheduler.Config{
		Interval:   cfg.FlushInterval,
		BatchSize:  cfg.BatchSize,
		PruneAfter: cfg.PruneAfter,
	}, log)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:        id,
		store:     deps.Store,
		outbox:    deps.Outbox,
		feed:      deps.Feed,
		identity:  deps.Identity,
		cfg:       cfg,
		tables:    tables,
		logger:    log.WithComponent("session"),
		loader:    loader,
		consumer:  consumer,
		lag:       lag,
		scheduler: sched,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Store returns the local mirror.
func (s *Session) Store() *mirror.Store { return s.store }

// Outbox returns the outbox queue.
func (s *Session) Outbox() *outbox.Outbox { return s.outbox }

// Scheduler returns the flush scheduler.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Start recovers in-flight outbox entries, bootstraps every table, then
// starts the change feed, the consumer and the flush loop. Calling Start
// again is a no-op.
//
// The feed position is read before bootstrap, so changes committed while
// tables are being loaded are replayed afterwards. If the remote store is
// unreachable, Start still succeeds: tables keep their previous contents and
// the feed keeps retrying in the background, re-bootstrapping once it
// connects.
//
// The background work outlives ctx; only Stop ends it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSessionClosed
	}
	if s.started {
		return nil
	}

	if n, err := s.outbox.ResetInFlight(ctx); err != nil {
		return fmt.Errorf("failed to recover outbox: %w", err)
	} else if n > 0 {
		s.logger.Warnf("Requeued %d outbox entries left in flight by the previous run", n)
	}

	from, posErr := s.feed.Position(ctx)
	if posErr != nil {
		s.logger.Warnw("Change feed unavailable, bootstrapping without a position", "error", posErr)
	}

	result := s.loader.BootstrapAll(ctx, s.tables)
	s.bootstrapped.Store(true)
	if !result.OK() {
		s.logger.Warnf("%d tables kept their previous contents", len(result.Failed()))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	events := make(chan remote.ChangeEvent, s.cfg.FeedBuffer)

	g.Go(func() error {
		defer close(events)
		return s.follow(gctx, from, posErr == nil, events)
	})
	g.Go(func() error {
		return s.consumer.Run(gctx, events)
	})
	g.Go(func() error {
		return s.scheduler.Run(gctx)
	})

	s.cancel = cancel
	s.group = g
	s.started = true
	s.logger.Infof("Session started: %d tables, %d rows bootstrapped", len(s.tables), result.Rows())
	return nil
}

// follow keeps a feed subscription alive. When the feed position had to be
// (re)acquired, tables are bootstrapped again before subscribing so nothing
// committed in between is missed.
func (s *Session) follow(ctx context.Context, from int64, havePosition bool, events chan<- remote.ChangeEvent) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	b.Reset()
	resync := !havePosition

	for {
		if !havePosition {
			pos, err := s.feed.Position(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				wait := b.NextBackOff()
				s.logger.Debugw("Change feed still unavailable", "error", err, "retry_in", wait)
				if !sleep(ctx, wait) {
					return nil
				}
				continue
			}
			from, havePosition = pos, true
			b.Reset()
		}

		if resync {
			s.loader.BootstrapAll(ctx, s.tables)
			resync = false
		}

		s.lag.SetBase(from)
		s.subscribed.Store(true)
		err := s.feed.Subscribe(ctx, from, s.tables, events)
		s.subscribed.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		s.logger.Warnw("Change feed ended, resubscribing", "error", err, "retry_in", wait)
		havePosition, resync = false, true
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop ends the feed, the consumer and the flush loop and waits for them.
// With clear set (sign-out) the mirror and the outbox are emptied afterwards,
// so no late event can repopulate them. Stop on a session that never
// started only clears.
func (s *Session) Stop(ctx context.Context, clear bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !s.stopped {
		s.cancel()
		done := make(chan error, 1)
		go func() { done <- s.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				s.logger.Warnw("Session goroutine ended with error", "error", err)
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for session to stop: %w", ctx.Err())
		}
	}
	s.stopped = true
	s.subscribed.Store(false)

	if clear {
		if err := s.store.ClearAll(ctx); err != nil {
			return fmt.Errorf("failed to clear mirror: %w", err)
		}
		if err := s.outbox.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear outbox: %w", err)
		}
		s.logger.Info("Local data cleared")
	}
	s.logger.Info("Session stopped")
	return nil
}

// FlushNow runs one flush pass immediately.
func (s *Session) FlushNow(ctx context.Context) (scheduler.FlushResult, error) {
	return s.scheduler.FlushOnce(ctx)
}

// Resync bootstraps the given tables again, every session table when none
// are given.
func (s *Session) Resync(ctx context.Context, tables ...string) (*bootstrap.Result, error) {
	if len(tables) == 0 {
		tables = s.tables
	}
	resolved, err := s.store.Registry().Resolve(tables)
	if err != nil {
		return nil, err
	}
	return s.loader.BootstrapAll(ctx, resolved), nil
}

// Status reports the session state and outbox counts.
func (s *Session) Status(ctx context.Context) (Status, error) {
	last, at := s.scheduler.LastFlush()
	st := Status{
		SessionID:    s.id,
		Bootstrapped: s.bootstrapped.Load(),
		Subscribed:   s.subscribed.Load(),
		Flushing:     s.scheduler.State() == scheduler.Flushing,
		LastFlushAt:  at,
		LastFlush:    last,
		Events:       s.consumer.Stats(),
		FeedLag:      -1,
	}
	if s.subscribed.Load() {
		ok, lag, err := s.lag.CheckLag(ctx)
		if err != nil {
			s.logger.Debugw("Feed lag unavailable", "error", err)
		}
		st.FeedLag, st.FeedBehind = lag, !ok && err == nil
	}
	stats, err := s.outbox.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Outbox = stats
	return st, nil
}
