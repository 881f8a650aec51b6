// Package bootstrap loads full snapshots of remote tables into the local mirror.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbsmedya/posmirror/internal/logger"
	"github.com/dbsmedya/posmirror/internal/mirror"
	"github.com/dbsmedya/posmirror/internal/remote"
	"github.com/dbsmedya/posmirror/internal/types"
)

// Stage names the step of a table bootstrap that failed.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageFetch   Stage = "fetch"
	StageMap     Stage = "map"
	StageStore   Stage = "store"
)

// TableError is a failed bootstrap of one table. The table's local contents
// are left as they were.
type TableError struct {
	Table string
	Stage Stage
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("bootstrap %s failed at %s: %v", e.Table, e.Stage, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// TableResult is the outcome for one table.
type TableResult struct {
	Table    string
	Rows     int
	Duration time.Duration
	Err      error
}

// Result collects the outcome of a BootstrapAll pass.
type Result struct {
	Tables   []TableResult
	Duration time.Duration
}

// OK reports whether every table bootstrapped.
func (r *Result) OK() bool {
	return len(r.Failed()) == 0
}

// Failed returns the tables that failed, in bootstrap order.
func (r *Result) Failed() []TableResult {
	var failed []TableResult
	for _, t := range r.Tables {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

// Rows is the total number of rows loaded.
func (r *Result) Rows() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}

// Loader replaces local tables with remote snapshots.
type Loader struct {
	remote remote.Store
	store  *mirror.Store
	logger *logger.Logger
	tracer trace.Tracer
}

// NewLoader creates a loader reading from rs into store.
func NewLoader(rs remote.Store, store *mirror.Store, log *logger.Logger) (*Loader, error) {
	if rs == nil {
		return nil, fmt.Errorf("remote store is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("local store is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Loader{
		remote: rs,
		store:  store,
		logger: log.WithComponent("bootstrap"),
		tracer: otel.Tracer("github.com/dbsmedya/posmirror/internal/bootstrap"),
	}, nil
}

// BootstrapAll bootstraps each table in order, every registered table when
// tables is empty. A failing table is logged and skipped; it never stops the
// remaining tables.
func (l *Loader) BootstrapAll(ctx context.Context, tables []string) *Result {
	start := time.Now()
	if len(tables) == 0 {
		tables = l.store.Registry().Names()
	}

	ctx, span := l.tracer.Start(ctx, "bootstrap.all",
		trace.WithAttributes(attribute.Int("posmirror.tables", len(tables))))
	defer span.End()

	result := &Result{Tables: make([]TableResult, 0, len(tables))}
	seen := make(map[string]bool, len(tables))
	for _, table := range tables {
		if seen[table] {
			continue
		}
		seen[table] = true

		if err := ctx.Err(); err != nil {
			result.Tables = append(result.Tables, TableResult{Table: table, Err: err})
			continue
		}

		tableStart := time.Now()
		n, err := l.Bootstrap(ctx, table)
		result.Tables = append(result.Tables, TableResult{
			Table:    table,
			Rows:     n,
			Duration: time.Since(tableStart),
			Err:      err,
		})
	}
	result.Duration = time.Since(start)

	failed := result.Failed()
	span.SetAttributes(attribute.Int("posmirror.failed_tables", len(failed)))
	if len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d tables failed", len(failed)))
		l.logger.Warnf("Bootstrap finished with %d of %d tables failed, %d rows loaded in %s",
			len(failed), len(result.Tables), result.Rows(), result.Duration)
	} else {
		l.logger.Infof("Bootstrap complete: %d tables, %d rows in %s",
			len(result.Tables), result.Rows(), result.Duration)
	}
	return result
}

// Bootstrap fetches the remote rows of one table, maps them and atomically
// replaces the local table. On error the local table is unchanged.
func (l *Loader) Bootstrap(ctx context.Context, table string) (int, error) {
	ctx, span := l.tracer.Start(ctx, "bootstrap.table",
		trace.WithAttributes(attribute.String("posmirror.table", table)))
	defer span.End()

	n, err := l.bootstrap(ctx, table)
	span.SetAttributes(attribute.Int("posmirror.rows", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.WithTable(table).Errorw("Table bootstrap failed", "error", err)
		return 0, err
	}
	l.logger.WithTable(table).Debugw("Table bootstrapped", "rows", n)
	return n, nil
}

func (l *Loader) bootstrap(ctx context.Context, table string) (int, error) {
	registry := l.store.Registry()
	if _, err := registry.Lookup(table); err != nil {
		return 0, &TableError{Table: table, Stage: StageResolve, Err: err}
	}

	rows, err := l.remote.SelectAll(ctx, table)
	if err != nil {
		return 0, &TableError{Table: table, Stage: StageFetch, Err: err}
	}

	mapped := make([]types.Row, 0, len(rows))
	for _, row := range rows {
		m, err := registry.Map(table, row)
		if err != nil {
			return 0, &TableError{Table: table, Stage: StageMap, Err: err}
		}
		mapped = append(mapped, m)
	}

	if err := l.store.Replace(ctx, table, mapped); err != nil {
		return 0, &TableError{Table: table, Stage: StageStore, Err: err}
	}
	return len(mapped), nil
}
