package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dbsmedya/posmirror/internal/config"
	"github.com/dbsmedya/posmirror/internal/logger"
)

func TestValidateCommandStructure(t *testing.T) {
	assert.NotNil(t, validateCmd)
	assert.Equal(t, "validate", validateCmd.Use)
	assert.NotEmpty(t, validateCmd.Short)
	assert.NotEmpty(t, validateCmd.Long)
	assert.NotNil(t, validateCmd.RunE)
	assert.NotNil(t, validateCmd.Flags().Lookup("print"))
	assert.NotNil(t, validateCmd.Flags().Lookup("ping"))
	assert.NotNil(t, validateCmd.Flags().Lookup("skip-journal"))
}

func TestRunPreflight(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`FROM information_schema.TABLES`).WithArgs("customers").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).AddRow("customers"))

	err = runPreflight(context.Background(), db, "mysql", logger.NewNop(), []string{"customers"}, true)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	err = runPreflight(context.Background(), db, "mssql", logger.NewNop(), nil, true)
	assert.ErrorContains(t, err, "unsupported remote driver")
}

func runValidateWith(t *testing.T, path string, printCfg bool) (string, error) {
	t.Helper()
	useConfig(t, path)
	validatePrint, validatePing = printCfg, false
	t.Cleanup(func() { validatePrint, validatePing = false, false })

	var buf bytes.Buffer
	validateCmd.SetOut(&buf)
	err := runValidate(validateCmd, nil)
	return buf.String(), err
}

func TestRunValidate(t *testing.T) {
	tests := []struct {
		name       string
		configFile func(t *testing.T) string
		wantErr    bool
		wantOut    []string
	}{
		{
			name:       "valid config",
			configFile: func(t *testing.T) string { return writeConfig(t, "") },
			wantOut:    []string{"Configuration is valid", "Tables mirrored: 37", "Remote: mysql"},
		},
		{
			name: "table selection",
			configFile: func(t *testing.T) string {
				return writeConfig(t, "sync:\n  tables: [products, customers]\n")
			},
			wantOut: []string{"Tables mirrored: 2"},
		},
		{
			name: "unknown table",
			configFile: func(t *testing.T) string {
				return writeConfig(t, "sync:\n  tables: [products, invoices]\n")
			},
			wantErr: true,
			wantOut: []string{"sync.tables", "unknown table"},
		},
		{
			name: "invalid field",
			configFile: func(t *testing.T) string {
				return writeConfig(t, "sync:\n  batch_size: -1\n")
			},
			wantErr: true,
			wantOut: []string{"batch_size"},
		},
		{
			name:       "nonexistent config",
			configFile: func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.yaml") },
			wantErr:    true,
			wantOut:    []string{"failed to load config"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runValidateWith(t, tt.configFile(t), false)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			for _, want := range tt.wantOut {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestRunValidate_PrintRedactsSecrets(t *testing.T) {
	out, err := runValidateWith(t, writeConfig(t, ""), true)
	require.NoError(t, err)

	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "********")
	assert.Contains(t, out, "database: pos_main")
	assert.Contains(t, out, "flush_interval: 10s")
}

func TestPrintConfig_RoundTrips(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Remote.Host = "db.internal"

	var buf bytes.Buffer
	require.NoError(t, printConfig(&buf, cfg))

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	remote, ok := decoded["remote"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "db.internal", remote["host"])
	assert.Equal(t, "", remote["password"])
}
