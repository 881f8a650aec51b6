// Package database provides connection management for the local SQLite
// mirror and the remote authoritative store (MySQL or PostgreSQL).
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite" // pure Go SQLite driver, registered as "sqlite"

	"github.com/dbsmedya/posmirror/internal/config"
	"github.com/dbsmedya/posmirror/internal/logger"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Manager handles the local database and the remote connection.
// Exactly one of RemoteSQL (mysql) and RemotePool (postgres) is set after
// ConnectRemote.
type Manager struct {
	Local      *sql.DB
	RemoteSQL  *sql.DB
	RemotePool *pgxpool.Pool
	config     *config.Config
	logger     *logger.Logger

	maxRetries uint
	retryDelay time.Duration
}

// NewManager creates a new database manager from configuration.
func NewManager(cfg *config.Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Manager{
		config:     cfg,
		logger:     log,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Connect opens the local database and connects to the remote store.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.ConnectLocal(ctx); err != nil {
		return err
	}
	if err := m.ConnectRemote(ctx); err != nil {
		_ = m.Local.Close()
		m.Local = nil
		return err
	}
	return nil
}

// ConnectLocal opens the local database only.
// Use this for commands that work offline (outbox inspection, tables).
func (m *Manager) ConnectLocal(ctx context.Context) error {
	db, err := OpenLocal(ctx, m.config.Local.Path, m.config.Local.BusyTimeoutMS)
	if err != nil {
		return fmt.Errorf("failed to open local database: %w", err)
	}
	m.Local = db
	return nil
}

// ConnectRemote connects to the configured remote store with retries.
func (m *Manager) ConnectRemote(ctx context.Context) error {
	switch m.config.Remote.Driver {
	case DriverMySQL, "":
		db, err := m.connectWithRetry(ctx, &m.config.Remote)
		if err != nil {
			return fmt.Errorf("failed to connect to remote database: %w", err)
		}
		m.RemoteSQL = db
	case DriverPostgres:
		pool, err := m.connectPoolWithRetry(ctx, &m.config.Remote)
		if err != nil {
			return fmt.Errorf("failed to connect to remote database: %w", err)
		}
		m.RemotePool = pool
	default:
		return fmt.Errorf("unsupported remote driver %q", m.config.Remote.Driver)
	}
	return nil
}

func (m *Manager) retryOptions(target string) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     m.retryDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         30 * time.Second,
		}),
		backoff.WithMaxTries(m.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warnw("Remote connection failed, retrying",
				"target", target, "error", err, "retry_in", next)
		}),
	}
}

// connectWithRetry opens and pings a MySQL connection with exponential backoff.
func (m *Manager) connectWithRetry(ctx context.Context, cfg *config.RemoteConfig) (*sql.DB, error) {
	return backoff.Retry(ctx, func() (*sql.DB, error) {
		db, err := m.connect(cfg)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}, m.retryOptions("mysql")...)
}

// connect creates a MySQL connection pool.
func (m *Manager) connect(cfg *config.RemoteConfig) (*sql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = BuildDSN(cfg)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// connectPoolWithRetry creates and pings a pgx pool with exponential backoff.
func (m *Manager) connectPoolWithRetry(ctx context.Context, cfg *config.RemoteConfig) (*pgxpool.Pool, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = BuildPostgresDSN(cfg)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MaxIdleConnections > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConnections, cfg.MaxConnections))
	}
	poolCfg.MaxConnLifetime = 10 * time.Minute

	return backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}, m.retryOptions("postgres")...)
}

// BuildDSN constructs a MySQL DSN from configuration.
func BuildDSN(cfg *config.RemoteConfig) string {
	// Format: user:password@tcp(host:port)/database?params
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/",
		cfg.User,
		cfg.Password,
		net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	)

	if cfg.Database != "" {
		dsn += cfg.Database
	}

	params := "?parseTime=true"
	switch cfg.TLS {
	case "disable":
		params += "&tls=false"
	case "required":
		params += "&tls=true"
	case "preferred", "":
		params += "&tls=preferred"
	}

	return dsn + params
}

// BuildPostgresDSN constructs a PostgreSQL connection URL from configuration.
func BuildPostgresDSN(cfg *config.RemoteConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}

	q := url.Values{}
	switch cfg.TLS {
	case "disable":
		q.Set("sslmode", "disable")
	case "required":
		q.Set("sslmode", "require")
	case "preferred", "":
		q.Set("sslmode", "prefer")
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// LocalDSN builds the modernc SQLite DSN with per-connection pragmas.
func LocalDSN(path string, busyTimeoutMS int) string {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// OpenLocal opens the local SQLite database (creating the file if needed)
// with a single connection: SQLite allows one writer, and a single
// connection also serializes every local transaction.
func OpenLocal(ctx context.Context, path string, busyTimeoutMS int) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", LocalDSN(path, busyTimeoutMS))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	return db, nil
}

// Close closes all database connections gracefully.
func (m *Manager) Close() error {
	var errs []error

	if m.RemotePool != nil {
		m.RemotePool.Close()
	}

	if m.RemoteSQL != nil {
		if err := m.RemoteSQL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("remote close: %w", err))
		}
	}

	if m.Local != nil {
		if err := m.Local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("local close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %v", errs)
	}
	return nil
}

// Ping verifies all open connections are alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.Local != nil {
		if err := m.Local.PingContext(ctx); err != nil {
			return fmt.Errorf("local ping failed: %w", err)
		}
	}

	if m.RemoteSQL != nil {
		if err := m.RemoteSQL.PingContext(ctx); err != nil {
			return fmt.Errorf("remote ping failed: %w", err)
		}
	}

	if m.RemotePool != nil {
		if err := m.RemotePool.Ping(ctx); err != nil {
			return fmt.Errorf("remote ping failed: %w", err)
		}
	}

	return nil
}
