package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Validation range constants.
const (
	minMaxParallel = 1
	maxMaxParallel = 64
	minBodyBytes   = 1024
)

// Storage backend names, mirrored from internal/kvstore to keep this package
// free of storage imports.
var validBackends = []string{"memory", "dir", "sqlite", "redis"}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns all errors found,
// so users see a complete report and can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateGoogle(&cfg.Google)...)
	errs = append(errs, validateAggregate(&cfg.Aggregate)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.Listen == "" {
		errs = append(errs, errors.New("server.listen: must not be empty"))
	}

	u, err := url.Parse(s.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.public_url: must be an absolute http(s) URL, got %q", s.PublicURL))
	}

	if s.MaxBodyBytes < minBodyBytes {
		errs = append(errs, fmt.Errorf("server.max_body_bytes: must be >= %d, got %d", minBodyBytes, s.MaxBodyBytes))
	}

	errs = appendPositiveDuration(errs, "server.read_timeout", s.ReadTimeout)
	errs = appendPositiveDuration(errs, "server.write_timeout", s.WriteTimeout)
	errs = appendPositiveDuration(errs, "server.shutdown_timeout", s.ShutdownTimeout)

	return errs
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if !slices.Contains(validBackends, s.Backend) {
		return append(errs, fmt.Errorf("storage.backend: must be one of %s, got %q",
			strings.Join(validBackends, ", "), s.Backend))
	}

	switch s.Backend {
	case "dir":
		if s.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir: required for the dir backend"))
		}
	case "sqlite":
		if s.DataDir == "" && s.SQLitePath == "" {
			errs = append(errs, errors.New("storage: data_dir or sqlite_path required for the sqlite backend"))
		}
	case "redis":
		if s.RedisAddr == "" && s.RedisURL == "" {
			errs = append(errs, errors.New("storage: redis_addr or redis_url required for the redis backend"))
		}
	}

	if s.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("storage.redis_db: must be >= 0, got %d", s.RedisDB))
	}

	return errs
}

func validateAuth(a *AuthConfig) []error {
	return appendPositiveDuration(nil, "auth.device_ttl", a.DeviceTTL)
}

func validateGoogle(g *GoogleConfig) []error {
	var errs []error

	if g.ClientSecret != "" && g.ClientID == "" {
		errs = append(errs, errors.New("google.client_id: required when client_secret is set"))
	}

	seen := make(map[string]bool, len(g.Accounts))

	for _, a := range g.Accounts {
		if !strings.Contains(a, "@") {
			errs = append(errs, fmt.Errorf("google.accounts: %q is not an email address", a))
		}

		if seen[a] {
			errs = append(errs, fmt.Errorf("google.accounts: %q listed twice", a))
		}

		seen[a] = true
	}

	return errs
}

func validateAggregate(a *AggregateConfig) []error {
	errs := appendPositiveDuration(nil, "aggregate.call_timeout", a.CallTimeout)

	if a.MaxParallel < minMaxParallel || a.MaxParallel > maxMaxParallel {
		errs = append(errs, fmt.Errorf("aggregate.max_parallel: must be %d-%d, got %d",
			minMaxParallel, maxMaxParallel, a.MaxParallel))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	if !strings.HasPrefix(s.ContextSuffix, ".") || len(s.ContextSuffix) < 2 {
		return []error{fmt.Errorf("sync.context_suffix: must look like \".md\", got %q", s.ContextSuffix)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, l.LogLevel) {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of %s, got %q",
			strings.Join(validLogLevels, ", "), l.LogLevel))
	}

	if !slices.Contains(validLogFormats, l.LogFormat) {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of %s, got %q",
			strings.Join(validLogFormats, ", "), l.LogFormat))
	}

	return errs
}

func appendPositiveDuration(errs []error, field, value string) []error {
	d, err := parseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", field, err))
	}

	if d <= 0 {
		return append(errs, fmt.Errorf("%s: must be positive, got %q", field, value))
	}

	return errs
}
