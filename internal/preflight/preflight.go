// Package preflight checks that the remote database is ready to be mirrored:
// every mirrored table exists and carries the change journal triggers.
package preflight

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/dbsmedya/posmirror/internal/logger"
)

// JournalTable is the change journal both remote drivers write to.
const JournalTable = "sync_changes"

// journalEvents are the trigger events every mirrored table needs.
var journalEvents = []string{"DELETE", "INSERT", "UPDATE"}

// PreflightError represents a preflight check failure.
type PreflightError struct {
	Check   string
	Message string
	Tables  []string
}

func (e *PreflightError) Error() string {
	if len(e.Tables) > 0 {
		return fmt.Sprintf("%s: %s (tables: %v)", e.Check, e.Message, e.Tables)
	}
	return fmt.Sprintf("%s: %s", e.Check, e.Message)
}

// Dialect holds what differs between the information_schema of MySQL and
// PostgreSQL.
type Dialect struct {
	Name   string
	Schema string // SQL expression naming the current schema
	bind   func(n int) string
}

// Supported dialects.
var (
	MySQL    = Dialect{Name: "mysql", Schema: "DATABASE()", bind: func(int) string { return "?" }}
	Postgres = Dialect{Name: "postgres", Schema: "current_schema()", bind: func(n int) string { return fmt.Sprintf("$%d", n) }}
)

// DialectFor returns the dialect of a remote driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql", "":
		return MySQL, nil
	case "postgres":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported remote driver %q", driver)
}

// placeholders returns n bind markers starting at position first.
func (d Dialect) placeholders(first, n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = d.bind(first + i)
	}
	return strings.Join(marks, ",")
}

// Checker performs read-only checks against the remote database.
type Checker struct {
	db      *sql.DB
	dialect Dialect
	logger  *logger.Logger
}

// NewChecker creates a checker for db.
func NewChecker(db *sql.DB, dialect Dialect, log *logger.Logger) (*Checker, error) {
	if db == nil {
		return nil, fmt.Errorf("database is nil")
	}
	if dialect.bind == nil {
		return nil, fmt.Errorf("dialect is not set")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Checker{db: db, dialect: dialect, logger: log.WithComponent("preflight")}, nil
}

// RunAllChecks checks that tables exist and, unless skipJournal is set, that
// the journal and its triggers are installed.
func (c *Checker) RunAllChecks(ctx context.Context, tables []string, skipJournal bool) error {
	c.logger.Info("Running preflight checks...")

	if err := c.ValidateTablesExist(ctx, tables); err != nil {
		return err
	}
	if !skipJournal {
		if err := c.ValidateJournal(ctx, tables); err != nil {
			return err
		}
	}

	c.logger.Info("All preflight checks PASSED")
	return nil
}

// ValidateTablesExist checks that every table exists in the current schema.
func (c *Checker) ValidateTablesExist(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	existing, err := c.existingTables(ctx, tables)
	if err != nil {
		return err
	}

	var missing []string
	for _, t := range tables {
		if !existing[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return &PreflightError{
			Check:   "TABLE_EXISTENCE_CHECK",
			Message: "Tables not found in remote database",
			Tables:  missing,
		}
	}

	c.logger.Debugf("Table existence check PASSED (%d tables)", len(tables))
	return nil
}

func (c *Checker) existingTables(ctx context.Context, tables []string) (map[string]bool, error) {
	query := fmt.Sprintf(`
		SELECT TABLE_NAME
		FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = %s
		AND TABLE_NAME IN (%s)`, c.dialect.Schema, c.dialect.placeholders(1, len(tables)))

	args := make([]any, len(tables))
	for i, t := range tables {
		args[i] = t
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool, len(tables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		existing[name] = true
	}
	return existing, rows.Err()
}

// ValidateJournal checks that the journal table exists and that every table
// journals inserts, updates and deletes.
func (c *Checker) ValidateJournal(ctx context.Context, tables []string) error {
	existing, err := c.existingTables(ctx, []string{JournalTable})
	if err != nil {
		return err
	}
	if !existing[JournalTable] {
		return &PreflightError{
			Check:   "JOURNAL_CHECK",
			Message: "Change journal is not installed (run `posmirror journal install`)",
		}
	}

	missing, err := c.MissingTriggers(ctx, tables)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &PreflightError{
			Check:   "JOURNAL_TRIGGER_CHECK",
			Message: "Tables without change triggers (run `posmirror journal install`)",
			Tables:  missing,
		}
	}

	c.logger.Debugf("Journal trigger check PASSED (%d tables)", len(tables))
	return nil
}

// MissingTriggers returns the tables, sorted, that lack a journal trigger
// for at least one of insert, update and delete.
func (c *Checker) MissingTriggers(ctx context.Context, tables []string) ([]string, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT EVENT_OBJECT_TABLE, EVENT_MANIPULATION
		FROM information_schema.TRIGGERS
		WHERE TRIGGER_SCHEMA = %s
		AND TRIGGER_NAME LIKE 'posmirror%%'
		AND EVENT_OBJECT_TABLE IN (%s)`, c.dialect.Schema, c.dialect.placeholders(1, len(tables)))

	args := make([]any, len(tables))
	for i, t := range tables {
		args[i] = t
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	events := make(map[string]map[string]bool)
	for rows.Next() {
		var table, event string
		if err := rows.Scan(&table, &event); err != nil {
			return nil, err
		}
		if events[table] == nil {
			events[table] = make(map[string]bool)
		}
		events[table][strings.ToUpper(event)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range tables {
		for _, ev := range journalEvents {
			if !events[t][ev] {
				missing = append(missing, t)
				break
			}
		}
	}
	sort.Strings(missing)
	return missing, nil
}
