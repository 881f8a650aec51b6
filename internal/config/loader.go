package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from the specified file path.
// It supports YAML files and performs environment variable substitution.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := substituteEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("failed to substitute environment variables: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(cfg *Config) error {
	cfg.Local.Path = expandEnvVar(cfg.Local.Path)

	cfg.Remote.Host = expandEnvVar(cfg.Remote.Host)
	cfg.Remote.User = expandEnvVar(cfg.Remote.User)
	cfg.Remote.Password = expandEnvVar(cfg.Remote.Password)
	cfg.Remote.Database = expandEnvVar(cfg.Remote.Database)
	cfg.Remote.DSN = expandEnvVar(cfg.Remote.DSN)

	cfg.Identity.UserID = expandEnvVar(cfg.Identity.UserID)
	cfg.Identity.StoreID = expandEnvVar(cfg.Identity.StoreID)

	cfg.Logging.Output = expandEnvVar(cfg.Logging.Output)
	cfg.Telemetry.OTLPEndpoint = expandEnvVar(cfg.Telemetry.OTLPEndpoint)

	return nil
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Return original if env var not found
		return match
	})
}

// ApplyOverrides applies CLI flag overrides to the configuration.
// Only non-zero/non-empty values are applied.
func (c *Config) ApplyOverrides(logLevel, logFormat string, batchSize int, flushInterval time.Duration, dbPath string) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if batchSize > 0 {
		c.Sync.BatchSize = batchSize
	}
	if flushInterval > 0 {
		c.Sync.FlushInterval = flushInterval
	}
	if dbPath != "" {
		c.Local.Path = dbPath
	}
}
