package cmd

import (
	"context"
	"fmt"

	"github.com/dbsmedya/posmirror/internal/config"
	"github.com/dbsmedya/posmirror/internal/database"
	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/outbox"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/remote/mysql"
	"github.com/dbsmedya/posmirror/internal/remote/postgres"
	"github.com/dbsmedya/posmirror/internal/session"
	"github.com/dbsmedya/posmirror/internal/telemetry"
)

// loadConfig reads the config file, applies CLI overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	overrides := GetCLIOverrides()
	cfg.ApplyOverrides(overrides.LogLevel, overrides.LogFormat,
		overrides.BatchSize, overrides.FlushInterval, overrides.DBPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds the components a command runs on. Offline commands only get the
// local side; remote and feed stay nil.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.Manager
	store    *mirror.Store
	outbox   *outbox.Outbox
	remote   remote.Store
	feed     remote.Feed
	shutdown telemetry.ShutdownFunc
}

// newApp loads configuration and opens the local database. With online set
// it also connects to the remote store and builds the change feed.
func newApp(ctx context.Context, online bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       database.NewManager(cfg, log),
		shutdown: telemetry.Setup(ctx, cfg.Telemetry, log),
	}

	if err := a.open(ctx, online); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, online bool) error {
	if err := a.db.ConnectLocal(ctx); err != nil {
		return err
	}

	store, err := mirror.NewStore(a.db.Local, mirror.DefaultRegistry(), a.log)
	if err != nil {
		return err
	}
	if err := store.InitializeTables(ctx); err != nil {
		return err
	}
	a.store = store

	ob, err := outbox.New(a.db.Local, outbox.RetryPolicy{
		MaxAttempts: a.cfg.Sync.MaxAttempts,
		Initial:     a.cfg.Sync.BackoffInitial,
		Max:         a.cfg.Sync.BackoffMax,
	}, a.log)
	if err != nil {
		return err
	}
	if err := ob.InitializeTables(ctx); err != nil {
		return err
	}
	a.outbox = ob

	if !online {
		return nil
	}

	if err := a.db.ConnectRemote(ctx); err != nil {
		return err
	}
	return a.openRemote()
}

func (a *app) openRemote() error {
	switch {
	case a.db.RemoteSQL != nil:
		rs, err := mysql.NewStore(a.db.RemoteSQL, a.log)
		if err != nil {
			return err
		}
		feed, err := mysql.NewFeed(a.db.RemoteSQL, a.cfg.Sync.FeedPollInterval, a.log)
		if err != nil {
			return err
		}
		a.remote, a.feed = rs, feed.WithGapGrace(a.cfg.Sync.FeedGapGrace)
	case a.db.RemotePool != nil:
		rs, err := postgres.NewStore(a.db.RemotePool, a.log)
		if err != nil {
			return err
		}
		feed, err := postgres.NewFeed(a.db.RemotePool, a.cfg.Sync.FeedChannel, a.log)
		if err != nil {
			return err
		}
		a.remote, a.feed = rs, feed.WithPollInterval(a.cfg.Sync.FeedPollInterval).WithGapGrace(a.cfg.Sync.FeedGapGrace)
	default:
		return fmt.Errorf("remote store is not connected")
	}
	return nil
}

// tables resolves the configured table selection, or names when given.
func (a *app) tables(names []string) ([]string, error) {
	if len(names) == 0 {
		names = a.cfg.Sync.Tables
	}
	return a.store.Registry().Resolve(names)
}

func (a *app) newSession() (*session.Session, error) {
	tables, err := a.tables(nil)
	if err != nil {
		return nil, err
	}
	return session.New(session.Deps{
		Store:  a.store,
		Outbox: a.outbox,
		Remote: a.remote,
		Feed:   a.feed,
		Identity: session.StaticIdentity{
			User:  a.cfg.Identity.UserID,
			Store: a.cfg.Identity.StoreID,
		},
		Logger: a.log,
	}, session.Config{
		Tables:        tables,
		FlushInterval: a.cfg.Sync.FlushInterval,
		BatchSize:     a.cfg.Sync.BatchSize,
		PruneAfter:    a.cfg.Sync.PruneAfter,
		FeedBuffer:    a.cfg.Sync.FeedBuffer,
		LagThreshold:  a.cfg.Sync.LagThreshold,
	})
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Warnf("Close failed: %v", err)
	}
	if err := a.shutdown(context.Background()); err != nil {
		a.log.Warnf("Tracer shutdown failed: %v", err)
	}
	_ = a.log.Sync()
}
