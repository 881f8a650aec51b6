package preflight

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/posmirror/internal/logger"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	tablesQuery   = `SELECT TABLE_NAME\s+FROM information_schema.TABLES`
	triggersQuery = `SELECT EVENT_OBJECT_TABLE, EVENT_MANIPULATION\s+FROM information_schema.TRIGGERS`
)

func newTestChecker(t *testing.T, dialect Dialect) (*Checker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c, err := NewChecker(db, dialect, logger.NewNop())
	require.NoError(t, err)
	return c, mock
}

func tableRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"TABLE_NAME"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

func triggerRows(pairs ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"EVENT_OBJECT_TABLE", "EVENT_MANIPULATION"})
	for i := 0; i+1 < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	return rows
}

func fullTriggers(tables ...string) []string {
	var out []string
	for _, t := range tables {
		out = append(out, t, "INSERT", t, "UPDATE", t, "DELETE")
	}
	return out
}

// ============================================================================
// Construction
// ============================================================================

func TestNewChecker_Validation(t *testing.T) {
	_, err := NewChecker(nil, MySQL, nil)
	assert.ErrorContains(t, err, "database is nil")

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	_, err = NewChecker(db, Dialect{}, nil)
	assert.ErrorContains(t, err, "dialect is not set")
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("mysql")
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name)

	d, err = DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "current_schema()", d.Schema)

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?,?,?", MySQL.placeholders(1, 3))
	assert.Equal(t, "$1,$2,$3", Postgres.placeholders(1, 3))
	assert.Equal(t, "$4", Postgres.placeholders(4, 1))
}

// ============================================================================
// Table existence
// ============================================================================

func TestValidateTablesExist(t *testing.T) {
	ctx := context.Background()

	t.Run("all present", func(t *testing.T) {
		c, mock := newTestChecker(t, MySQL)
		mock.ExpectQuery(tablesQuery).WithArgs("stores", "products").
			WillReturnRows(tableRows("stores", "products"))

		assert.NoError(t, c.ValidateTablesExist(ctx, []string{"stores", "products"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing table", func(t *testing.T) {
		c, mock := newTestChecker(t, MySQL)
		mock.ExpectQuery(tablesQuery).WillReturnRows(tableRows("stores"))

		err := c.ValidateTablesExist(ctx, []string{"stores", "products"})
		var pe *PreflightError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "TABLE_EXISTENCE_CHECK", pe.Check)
		assert.Equal(t, []string{"products"}, pe.Tables)
		assert.Contains(t, err.Error(), "tables: [products]")
	})

	t.Run("query error", func(t *testing.T) {
		c, mock := newTestChecker(t, MySQL)
		mock.ExpectQuery(tablesQuery).WillReturnError(errors.New("access denied"))

		err := c.ValidateTablesExist(ctx, []string{"stores"})
		assert.ErrorContains(t, err, "failed to query tables: access denied")
	})

	t.Run("postgres binds", func(t *testing.T) {
		c, mock := newTestChecker(t, Postgres)
		mock.ExpectQuery(`TABLE_SCHEMA = current_schema\(\)\s+AND TABLE_NAME IN \(\$1,\$2\)`).
			WithArgs("stores", "products").
			WillReturnRows(tableRows("stores", "products"))

		assert.NoError(t, c.ValidateTablesExist(ctx, []string{"stores", "products"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty selection", func(t *testing.T) {
		c, mock := newTestChecker(t, MySQL)
		assert.NoError(t, c.ValidateTablesExist(ctx, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// ============================================================================
// Journal
// ============================================================================

func TestMissingTriggers(t *testing.T) {
	ctx := context.Background()
	c, mock := newTestChecker(t, MySQL)

	pairs := append(fullTriggers("stores"), "products", "INSERT", "products", "update")
	mock.ExpectQuery(triggersQuery).WithArgs("stores", "products", "customers").
		WillReturnRows(triggerRows(pairs...))

	missing, err := c.MissingTriggers(ctx, []string{"stores", "products", "customers"})
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "products"}, missing)
}

func TestRunAllChecks(t *testing.T) {
	ctx := context.Background()
	tables := []string{"stores", "customers"}

	t.Run("passes", func(t *testing.T) {
		c, mock := newTestChecker(t, MySQL)
		mock.ExpectQuery(tablesQuery).WillReturnRows(tableRows(tables...))
		mock.ExpectQuery(tablesQuery).WithArgs(JournalTable).WillReturnRows(tableRows(JournalTable))
		mock.ExpectQuery(triggersQuery).WillReturnRows(triggerRows(fullTriggers(tables...)...))

		assert.NoError(t, c.RunAllChecks(ctx, tables, false))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("journal missing", func(t *testing.T) {
		c, mock := newTestChecker(t, MySQL)
		mock.ExpectQuery(tablesQuery).WillReturnRows(tableRows(tables...))
		mock.ExpectQuery(tablesQuery).WithArgs(JournalTable).WillReturnRows(tableRows())

		err := c.RunAllChecks(ctx, tables, false)
		var pe *PreflightError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "JOURNAL_CHECK", pe.Check)
	})

	t.Run("triggers missing", func(t *testing.T) {
		c, mock := newTestChecker(t, MySQL)
		mock.ExpectQuery(tablesQuery).WillReturnRows(tableRows(tables...))
		mock.ExpectQuery(tablesQuery).WithArgs(JournalTable).WillReturnRows(tableRows(JournalTable))
		mock.ExpectQuery(triggersQuery).WillReturnRows(triggerRows(fullTriggers("stores")...))

		err := c.RunAllChecks(ctx, tables, false)
		var pe *PreflightError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "JOURNAL_TRIGGER_CHECK", pe.Check)
		assert.Equal(t, []string{"customers"}, pe.Tables)
	})

	t.Run("journal skipped", func(t *testing.T) {
		c, mock := newTestChecker(t, MySQL)
		mock.ExpectQuery(tablesQuery).WillReturnRows(tableRows(tables...))

		assert.NoError(t, c.RunAllChecks(ctx, tables, true))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
