// Package config provides configuration structures and loading for posmirror.
package config

import "time"

// Config represents the complete application configuration.
type Config struct {
	Local     LocalConfig     `yaml:"local" mapstructure:"local"`
	Remote    RemoteConfig    `yaml:"remote" mapstructure:"remote"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Identity  IdentityConfig  `yaml:"identity" mapstructure:"identity"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// LocalConfig locates the embedded SQLite database holding the mirror and the outbox.
type LocalConfig struct {
	Path          string `yaml:"path" mapstructure:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// RemoteConfig represents the authoritative remote database connection.
type RemoteConfig struct {
	Driver             string `yaml:"driver" mapstructure:"driver"` // mysql or postgres
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"`
	TLS                string `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
	DSN                string `yaml:"dsn" mapstructure:"dsn"` // overrides the fields above when set
}

// SyncConfig controls the outbox flush loop, retry policy and change feed.
type SyncConfig struct {
	FlushInterval    time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	BatchSize        int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffInitial   time.Duration `yaml:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	PruneAfter       time.Duration `yaml:"prune_after" mapstructure:"prune_after"`       // 0 disables pruning
	FeedPollInterval time.Duration `yaml:"feed_poll_interval" mapstructure:"feed_poll_interval"`
	FeedBuffer       int           `yaml:"feed_buffer" mapstructure:"feed_buffer"`
	FeedGapGrace     time.Duration `yaml:"feed_gap_grace" mapstructure:"feed_gap_grace"` // wait for late-committing journal rows
	FeedChannel      string        `yaml:"feed_channel" mapstructure:"feed_channel"`     // postgres LISTEN channel
	LagThreshold     int64         `yaml:"lag_threshold" mapstructure:"lag_threshold"`   // journal entries
	Tables           []string      `yaml:"tables" mapstructure:"tables"`                 // empty mirrors every registered table
}

// IdentityConfig supplies the identity used to stamp newly created rows.
type IdentityConfig struct {
	UserID  string `yaml:"user_id" mapstructure:"user_id"`
	StoreID string `yaml:"store_id" mapstructure:"store_id"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// TelemetryConfig enables OpenTelemetry tracing when an OTLP endpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" mapstructure:"insecure"`
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Local: LocalConfig{
			Path:          "posmirror.db",
			BusyTimeoutMS: 5000,
		},
		Remote: RemoteConfig{
			Driver:             "mysql",
			Port:               3306,
			TLS:                "preferred",
			MaxConnections:     10,
			MaxIdleConnections: 5,
		},
		Sync: SyncConfig{
			FlushInterval:    10 * time.Second,
			BatchSize:        50,
			MaxAttempts:      8,
			BackoffInitial:   5 * time.Second,
			BackoffMax:       10 * time.Minute,
			PruneAfter:       7 * 24 * time.Hour,
			FeedPollInterval: time.Second,
			FeedBuffer:       256,
			FeedGapGrace:     10 * time.Second,
			FeedChannel:      "sync_changes",
			LagThreshold:     1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "posmirror",
		},
	}
}
