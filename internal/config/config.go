// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the chief-of-staff server. Values are
// layered defaults -> config file -> environment -> CLI flags, and a Holder
// lets a running server pick up a reloaded file.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Auth      AuthConfig      `toml:"auth" json:"auth"`
	Google    GoogleConfig    `toml:"google" json:"google"`
	Aggregate AggregateConfig `toml:"aggregate" json:"aggregate"`
	Sync      SyncConfig      `toml:"sync" json:"sync"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen          string `toml:"listen" json:"listen"`
	PublicURL       string `toml:"public_url" json:"public_url"`
	MaxBodyBytes    int64  `toml:"max_body_bytes" json:"max_body_bytes"`
	ReadTimeout     string `toml:"read_timeout" json:"read_timeout"`
	WriteTimeout    string `toml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout" json:"shutdown_timeout"`
	PIDFile         string `toml:"pid_file" json:"pid_file"`
	WatchConfig     bool   `toml:"watch_config" json:"watch_config"`
}

// StorageConfig selects and configures the key/value backend.
type StorageConfig struct {
	Backend       string `toml:"backend" json:"backend"`
	DataDir       string `toml:"data_dir" json:"data_dir"`
	SQLitePath    string `toml:"sqlite_path" json:"sqlite_path"`
	RedisAddr     string `toml:"redis_addr" json:"redis_addr"`
	RedisURL      string `toml:"redis_url" json:"redis_url"`
	RedisPassword string `toml:"redis_password" json:"redis_password"`
	RedisDB       int    `toml:"redis_db" json:"redis_db"`
}

// AuthConfig controls device tokens and the shared sync key.
type AuthConfig struct {
	APIKey    string `toml:"api_key" json:"api_key"`
	DeviceTTL string `toml:"device_ttl" json:"device_ttl"`
}

// GoogleConfig holds the OAuth client and the allow-listed accounts.
type GoogleConfig struct {
	ClientID     string   `toml:"client_id" json:"client_id"`
	ClientSecret string   `toml:"client_secret" json:"client_secret"`
	Accounts     []string `toml:"accounts" json:"accounts"`
}

// AggregateConfig bounds the per-account fan-out.
type AggregateConfig struct {
	CallTimeout string `toml:"call_timeout" json:"call_timeout"`
	MaxParallel int    `toml:"max_parallel" json:"max_parallel"`
}

// SyncConfig controls the synchronization store.
type SyncConfig struct {
	ContextSuffix string `toml:"context_suffix" json:"context_suffix"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// CLIOverrides holds values from command-line flags. Pointer fields
// distinguish "not specified" (nil) from an explicit value.
type CLIOverrides struct {
	ConfigPath string
	Listen     *string
	Backend    *string
	DataDir    *string
}

// ReadTimeoutDuration returns the parsed read timeout.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return durationOr(s.ReadTimeout, defaultReadTimeout)
}

// WriteTimeoutDuration returns the parsed write timeout.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return durationOr(s.WriteTimeout, defaultWriteTimeout)
}

// ShutdownTimeoutDuration returns the parsed graceful shutdown timeout.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return durationOr(s.ShutdownTimeout, defaultShutdownTimeout)
}

// DeviceTTLDuration returns the parsed device token lifetime.
func (a *AuthConfig) DeviceTTLDuration() time.Duration {
	return durationOr(a.DeviceTTL, defaultDeviceTTL)
}

// CallTimeoutDuration returns the parsed per-account call timeout.
func (a *AggregateConfig) CallTimeoutDuration() time.Duration {
	return durationOr(a.CallTimeout, defaultCallTimeout)
}

// durationOr parses s, returning fallback when s is empty or invalid.
// Validate rejects invalid values before they reach here.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}

	d, err := parseDuration(s)
	if err != nil {
		return fallback
	}

	return d
}
