package config

import (
	"fmt"
	"strings"

	"github.com/dbsmedya/posmirror/internal/sqlutil"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateLocal()...)
	errors = append(errors, c.validateRemote()...)
	errors = append(errors, c.validateSync()...)
	errors = append(errors, c.validateLogging()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateLocal() ValidationErrors {
	var errors ValidationErrors

	if c.Local.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "local.path",
			Message: "path is required",
		})
	}

	if c.Local.BusyTimeoutMS < 0 {
		errors = append(errors, ValidationError{
			Field:   "local.busy_timeout_ms",
			Message: "busy_timeout_ms cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateRemote() ValidationErrors {
	var errors ValidationErrors
	r := &c.Remote

	validDrivers := map[string]bool{"mysql": true, "postgres": true}
	if !validDrivers[r.Driver] {
		errors = append(errors, ValidationError{
			Field:   "remote.driver",
			Message: "driver must be 'mysql' or 'postgres'",
		})
	}

	// A DSN carries host, credentials and database itself.
	if r.DSN == "" {
		if r.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "remote.host",
				Message: "host is required",
			})
		}

		if r.Port <= 0 || r.Port > 65535 {
			errors = append(errors, ValidationError{
				Field:   "remote.port",
				Message: "port must be between 1 and 65535",
			})
		}

		if r.User == "" {
			errors = append(errors, ValidationError{
				Field:   "remote.user",
				Message: "user is required",
			})
		}

		if r.Database == "" {
			errors = append(errors, ValidationError{
				Field:   "remote.database",
				Message: "database name is required",
			})
		}
	}

	validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	if !validTLS[r.TLS] {
		errors = append(errors, ValidationError{
			Field:   "remote.tls",
			Message: "tls must be 'disable', 'preferred', or 'required'",
		})
	}

	if r.MaxConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   "remote.max_connections",
			Message: "max_connections cannot be negative",
		})
	}

	if r.MaxIdleConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   "remote.max_idle_connections",
			Message: "max_idle_connections cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateSync() ValidationErrors {
	var errors ValidationErrors
	s := &c.Sync

	if s.FlushInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.flush_interval",
			Message: "flush_interval must be positive",
		})
	}

	if s.BatchSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if s.MaxAttempts <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.max_attempts",
			Message: "max_attempts must be positive",
		})
	}

	if s.BackoffInitial <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.backoff_initial",
			Message: "backoff_initial must be positive",
		})
	}

	if s.BackoffMax < s.BackoffInitial {
		errors = append(errors, ValidationError{
			Field:   "sync.backoff_max",
			Message: "backoff_max cannot be less than backoff_initial",
		})
	}

	if s.PruneAfter < 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.prune_after",
			Message: "prune_after cannot be negative",
		})
	}

	if s.FeedPollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.feed_poll_interval",
			Message: "feed_poll_interval must be positive",
		})
	}

	if s.FeedBuffer <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.feed_buffer",
			Message: "feed_buffer must be positive",
		})
	}

	if s.FeedGapGrace < 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.feed_gap_grace",
			Message: "feed_gap_grace cannot be negative",
		})
	}

	if s.LagThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.lag_threshold",
			Message: "lag_threshold cannot be negative",
		})
	}

	if c.Remote.Driver == "postgres" && !sqlutil.IsValidIdentifier(s.FeedChannel) {
		errors = append(errors, ValidationError{
			Field:   "sync.feed_channel",
			Message: "feed_channel must contain only alphanumeric characters and underscores",
		})
	}

	for i, table := range s.Tables {
		if !sqlutil.IsValidIdentifier(table) {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("sync.tables[%d]", i),
				Message: fmt.Sprintf("invalid table name %q", table),
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
