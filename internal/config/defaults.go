package config

import (
	"path/filepath"
	"time"
)

// Default values for all configuration options. These are chosen to work
// for a single-user deployment without a config file.
const (
	defaultListen          = ":8080"
	defaultPublicURL       = "http://localhost:8080"
	defaultMaxBodyBytes    = 10 << 20
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultBackend         = "dir"
	defaultDeviceTTL       = 90 * 24 * time.Hour
	defaultCallTimeout     = 20 * time.Second
	defaultMaxParallel     = 8
	defaultContextSuffix   = ".md"
	defaultLogLevel        = "info"
	defaultLogFormat       = "auto"
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server:    defaultServerConfig(),
		Storage:   defaultStorageConfig(),
		Auth:      defaultAuthConfig(),
		Aggregate: defaultAggregateConfig(),
		Sync:      SyncConfig{ContextSuffix: defaultContextSuffix},
		Logging:   defaultLoggingConfig(),
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:          defaultListen,
		PublicURL:       defaultPublicURL,
		MaxBodyBytes:    defaultMaxBodyBytes,
		ReadTimeout:     defaultReadTimeout.String(),
		WriteTimeout:    defaultWriteTimeout.String(),
		ShutdownTimeout: defaultShutdownTimeout.String(),
		PIDFile:         filepath.Join(DefaultDataDir(), pidFileName),
	}
}

func defaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend: defaultBackend,
		DataDir: DefaultDataDir(),
	}
}

func defaultAuthConfig() AuthConfig {
	return AuthConfig{
		DeviceTTL: "90d",
	}
}

func defaultAggregateConfig() AggregateConfig {
	return AggregateConfig{
		CallTimeout: defaultCallTimeout.String(),
		MaxParallel: defaultMaxParallel,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
