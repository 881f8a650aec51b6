package config

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Local defaults
	if cfg.Local.Path != "posmirror.db" {
		t.Errorf("expected local path 'posmirror.db', got %s", cfg.Local.Path)
	}
	if cfg.Local.BusyTimeoutMS != 5000 {
		t.Errorf("expected busy_timeout_ms 5000, got %d", cfg.Local.BusyTimeoutMS)
	}

	// Remote defaults
	if cfg.Remote.Driver != "mysql" {
		t.Errorf("expected remote driver 'mysql', got %s", cfg.Remote.Driver)
	}
	if cfg.Remote.Port != 3306 {
		t.Errorf("expected remote port 3306, got %d", cfg.Remote.Port)
	}
	if cfg.Remote.TLS != "preferred" {
		t.Errorf("expected remote TLS 'preferred', got %s", cfg.Remote.TLS)
	}

	// Sync defaults
	if cfg.Sync.FlushInterval != 10*time.Second {
		t.Errorf("expected flush_interval 10s, got %s", cfg.Sync.FlushInterval)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("expected batch_size 50, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxAttempts != 8 {
		t.Errorf("expected max_attempts 8, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.FeedBuffer != 256 {
		t.Errorf("expected feed_buffer 256, got %d", cfg.Sync.FeedBuffer)
	}
	if cfg.Sync.FeedGapGrace != 10*time.Second {
		t.Errorf("expected feed_gap_grace 10s, got %v", cfg.Sync.FeedGapGrace)
	}
	if cfg.Sync.LagThreshold != 1000 {
		t.Errorf("expected lag_threshold 1000, got %d", cfg.Sync.LagThreshold)
	}
	if len(cfg.Sync.Tables) != 0 {
		t.Errorf("expected no table override by default, got %v", cfg.Sync.Tables)
	}

	// Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected logging format 'json', got %s", cfg.Logging.Format)
	}

	// Telemetry is off until an endpoint is configured
	if cfg.Telemetry.OTLPEndpoint != "" {
		t.Errorf("expected empty otlp endpoint, got %s", cfg.Telemetry.OTLPEndpoint)
	}
}
