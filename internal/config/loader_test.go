package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	configContent := `
local:
  path: /var/lib/posmirror/store.db

remote:
  driver: mysql
  host: pos-db
  port: 3307
  user: backoffice
  password: secret
  database: pos
  tls: disable
  max_connections: 5

sync:
  flush_interval: 30s
  batch_size: 20
  max_attempts: 3
  backoff_initial: 2s
  backoff_max: 1m
  tables:
    - stores
    - products

identity:
  user_id: u-1
  store_id: "4"

logging:
  level: debug
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Local.Path != "/var/lib/posmirror/store.db" {
		t.Errorf("expected local path to be loaded, got %s", cfg.Local.Path)
	}
	if cfg.Remote.Host != "pos-db" {
		t.Errorf("expected remote host 'pos-db', got %s", cfg.Remote.Host)
	}
	if cfg.Remote.Port != 3307 {
		t.Errorf("expected remote port 3307, got %d", cfg.Remote.Port)
	}
	if cfg.Remote.MaxConnections != 5 {
		t.Errorf("expected max_connections 5, got %d", cfg.Remote.MaxConnections)
	}
	// Unset keys keep their defaults
	if cfg.Remote.MaxIdleConnections != 5 {
		t.Errorf("expected default max_idle_connections 5, got %d", cfg.Remote.MaxIdleConnections)
	}

	if cfg.Sync.FlushInterval != 30*time.Second {
		t.Errorf("expected flush_interval 30s, got %s", cfg.Sync.FlushInterval)
	}
	if cfg.Sync.BatchSize != 20 {
		t.Errorf("expected batch_size 20, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.BackoffMax != time.Minute {
		t.Errorf("expected backoff_max 1m, got %s", cfg.Sync.BackoffMax)
	}
	if len(cfg.Sync.Tables) != 2 || cfg.Sync.Tables[0] != "stores" {
		t.Errorf("expected tables [stores products], got %v", cfg.Sync.Tables)
	}
	if cfg.Sync.FeedBuffer != 256 {
		t.Errorf("expected default feed_buffer 256, got %d", cfg.Sync.FeedBuffer)
	}

	if cfg.Identity.StoreID != "4" {
		t.Errorf("expected store_id '4', got %s", cfg.Identity.StoreID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected logging level 'debug', got %s", cfg.Logging.Level)
	}
}

func TestLoadWithEnvVars(t *testing.T) {
	t.Setenv("TEST_DB_HOST", "env-host")
	t.Setenv("TEST_DB_USER", "env-user")
	t.Setenv("TEST_DB_PASS", "env-pass")
	t.Setenv("TEST_STORE_ID", "12")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-env.yaml")

	configContent := `
remote:
  host: ${TEST_DB_HOST}
  user: ${TEST_DB_USER}
  password: $TEST_DB_PASS
  database: pos
identity:
  store_id: ${TEST_STORE_ID}
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Remote.Host != "env-host" {
		t.Errorf("expected remote host 'env-host', got %s", cfg.Remote.Host)
	}
	if cfg.Remote.User != "env-user" {
		t.Errorf("expected remote user 'env-user', got %s", cfg.Remote.User)
	}
	if cfg.Remote.Password != "env-pass" {
		t.Errorf("expected remote password 'env-pass', got %s", cfg.Remote.Password)
	}
	if cfg.Identity.StoreID != "12" {
		t.Errorf("expected store_id '12', got %s", cfg.Identity.StoreID)
	}
}

func TestExpandEnvVar(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "test-value"},
		{"$TEST_VAR", "test-value"},
		{"prefix-${TEST_VAR}-suffix", "prefix-test-value-suffix"},
		{"${NONEXISTENT}", "${NONEXISTENT}"}, // Unset vars remain unchanged
		{"no-vars-here", "no-vars-here"},
	}

	for _, tt := range tests {
		result := expandEnvVar(tt.input)
		if result != tt.expected {
			t.Errorf("expandEnvVar(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

func TestLoadFromViper(t *testing.T) {
	v := viper.New()
	v.Set("remote.driver", "postgres")
	v.Set("remote.port", 5432)
	v.Set("sync.prune_after", "0s")

	cfg, err := LoadFromViper(v)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Remote.Driver != "postgres" {
		t.Errorf("expected driver 'postgres', got %s", cfg.Remote.Driver)
	}
	if cfg.Remote.Port != 5432 {
		t.Errorf("expected port 5432, got %d", cfg.Remote.Port)
	}
	if cfg.Sync.PruneAfter != 0 {
		t.Errorf("expected prune_after 0, got %s", cfg.Sync.PruneAfter)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("expected default batch_size 50, got %d", cfg.Sync.BatchSize)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultConfig()

	cfg.ApplyOverrides("debug", "text", 25, 3*time.Second, "/tmp/x.db")

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level 'debug' after override, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected log format 'text' after override, got %s", cfg.Logging.Format)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("expected batch size 25 after override, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.FlushInterval != 3*time.Second {
		t.Errorf("expected flush interval 3s after override, got %s", cfg.Sync.FlushInterval)
	}
	if cfg.Local.Path != "/tmp/x.db" {
		t.Errorf("expected local path override, got %s", cfg.Local.Path)
	}
}

func TestApplyOverridesZeroValues(t *testing.T) {
	cfg := &Config{
		Local:   LocalConfig{Path: "keep.db"},
		Logging: LoggingConfig{Level: "warn", Format: "json"},
		Sync:    SyncConfig{BatchSize: 200, FlushInterval: time.Minute},
	}

	// Zero values must not override
	cfg.ApplyOverrides("", "", 0, 0, "")

	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level 'warn' to be preserved, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected log format 'json' to be preserved, got %s", cfg.Logging.Format)
	}
	if cfg.Sync.BatchSize != 200 {
		t.Errorf("expected batch size 200 to be preserved, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.FlushInterval != time.Minute {
		t.Errorf("expected flush interval 1m to be preserved, got %s", cfg.Sync.FlushInterval)
	}
	if cfg.Local.Path != "keep.db" {
		t.Errorf("expected local path to be preserved, got %s", cfg.Local.Path)
	}
}
