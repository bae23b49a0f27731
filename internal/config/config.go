// Package config provides the keywarden configuration schema: server
// listener, session-key store backend, audit event persistence, and
// admin API authentication. Configuration is file-based (YAML) with
// environment variable overrides.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level keywarden configuration.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures the session-key registry backend.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Events configures the file-based audit event persistence.
	// Only used when the events backend is "file".
	Events EventsConfig `yaml:"events" mapstructure:"events"`

	// Auth configures admin API keys for the management surface.
	// Optional: when empty and dev_mode is off, mutating endpoints are
	// rejected.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Conditions configures the CEL grant-condition evaluator.
	Conditions ConditionsConfig `yaml:"conditions" mapstructure:"conditions"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// DevMode enables development features (debug logging, a default
	// admin key). Never enable in production.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// Only plain HTTP is supported; terminate TLS at a reverse proxy.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout is how long to wait for in-flight requests on
	// shutdown (e.g., "10s"). Defaults to "10s".
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty"`
}

// StoreConfig configures where session-key records are persisted.
type StoreConfig struct {
	// Backend selects the persistence implementation.
	// Valid values: "memory", "file", "sqlite".
	// Defaults to "file".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory file sqlite"`

	// Path is the data location: a JSON state file for the "file"
	// backend, a database file for "sqlite". Ignored for "memory".
	// Defaults to "keywarden-state.json" or "keywarden.db" in the
	// working directory.
	Path string `yaml:"path" mapstructure:"path"`
}

// EventsConfig configures the audit event stream persistence.
type EventsConfig struct {
	// Backend selects the sink implementation.
	// Valid values: "memory" (ring buffer, lost on restart) or "file"
	// (JSON Lines with rotation). Defaults to "file".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory file"`

	// Dir is the directory where event files are stored.
	// Defaults to "events" in the working directory.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// RetentionDays is the number of days to keep event files.
	// Defaults to 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the size per event file in megabytes before
	// rotation. Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// CacheSize is the number of recent events kept in memory for the
	// recent-events endpoint. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// AuthConfig configures admin API keys. All keys are defined in the
// configuration file as hashes; plaintext keys never touch disk.
type AuthConfig struct {
	// AdminKeys are the API keys accepted on the management surface.
	AdminKeys []AdminKeyConfig `yaml:"admin_keys" mapstructure:"admin_keys" validate:"omitempty,dive"`
}

// AdminKeyConfig defines one admin API key by its hash.
type AdminKeyConfig struct {
	// Name is a human-readable label used in logs and audit context.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// KeyHash is the hash of the API key, prefixed with its scheme:
	// "argon2id:" followed by an encoded argon2id hash, or "sha256:"
	// followed by a hex digest. Generate with: keywarden hash-key
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`
}

// ConditionsConfig configures the CEL grant-condition evaluator.
type ConditionsConfig struct {
	// Enabled controls whether grant conditions are accepted. When off,
	// grants carrying a condition are rejected.
	// Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled turns stdout span export on. Defaults to false; without
	// an exporter, spans are no-ops.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only by default. Network exposure must be an
	// explicit choice (http_addr: ":8080" or "0.0.0.0:8080").
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case "sqlite":
			c.Store.Path = "keywarden.db"
		case "file":
			c.Store.Path = "keywarden-state.json"
		}
	}

	if c.Events.Backend == "" {
		c.Events.Backend = "file"
	}
	if c.Events.Dir == "" {
		c.Events.Dir = "events"
	}
	if c.Events.RetentionDays == 0 {
		c.Events.RetentionDays = 30
	}
	if c.Events.MaxFileSizeMB == 0 {
		c.Events.MaxFileSizeMB = 100
	}
	if c.Events.CacheSize == 0 {
		c.Events.CacheSize = 1000
	}

	// viper.IsSet distinguishes "not set" (zero value) from an explicit
	// false in YAML/env.
	if !viper.IsSet("conditions.enabled") {
		c.Conditions.Enabled = true
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied before validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Server.LogLevel = "debug"

	// A default dev admin key if none configured.
	// SHA-256 of "dev-admin-key".
	if len(c.Auth.AdminKeys) == 0 {
		c.Auth.AdminKeys = []AdminKeyConfig{
			{
				Name:    "dev-admin",
				KeyHash: "sha256:df76ff796f70d2c9cb055ea6280553caa27eda26b70e01082c160de75a05a4a9",
			},
		}
	}

	// Dev runs keep everything in memory; nothing survives a restart.
	if !viper.IsSet("store.backend") {
		c.Store.Backend = "memory"
		c.Store.Path = ""
	}
	if !viper.IsSet("events.backend") {
		c.Events.Backend = "memory"
	}
}
