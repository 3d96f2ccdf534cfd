package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COS"

// EnvConfig overrides the config file path.
const EnvConfig = "COS_CONFIG"

// envOverrides mirrors the settings that deployments set through the
// environment. envconfig looks up COS_<tag> first and falls back to the bare
// tag, so the bare names double as the legacy deployment variables (PORT,
// DATA_DIR, GMAIL_CLIENT_ID, API_KEY, SERVER_URL, REDIS_URL, ...). Nil means
// unset.
type envOverrides struct {
	Listen        *string  `envconfig:"LISTEN"`
	Port          *int     `envconfig:"PORT"`
	PublicURL     *string  `envconfig:"SERVER_URL"`
	Backend       *string  `envconfig:"STORAGE_BACKEND"`
	DataDir       *string  `envconfig:"DATA_DIR"`
	SQLitePath    *string  `envconfig:"SQLITE_PATH"`
	RedisAddr     *string  `envconfig:"REDIS_ADDR"`
	RedisURL      *string  `envconfig:"REDIS_URL"`
	RedisPassword *string  `envconfig:"REDIS_PASSWORD"`
	RedisDB       *int     `envconfig:"REDIS_DB"`
	APIKey        *string  `envconfig:"API_KEY"`
	DeviceTTL     *string  `envconfig:"DEVICE_TTL"`
	ClientID      *string  `envconfig:"GMAIL_CLIENT_ID"`
	ClientSecret  *string  `envconfig:"GMAIL_CLIENT_SECRET"`
	Accounts      []string `envconfig:"GMAIL_ACCOUNTS"`
	CallTimeout   *string  `envconfig:"CALL_TIMEOUT"`
	MaxParallel   *int     `envconfig:"MAX_PARALLEL"`
	LogLevel      *string  `envconfig:"LOG_LEVEL"`
	LogFormat     *string  `envconfig:"LOG_FORMAT"`
}

// ApplyEnv overlays environment variables onto cfg. An explicit listen
// address wins over PORT.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	setString(&cfg.Server.PublicURL, env.PublicURL)

	switch {
	case env.Listen != nil:
		cfg.Server.Listen = *env.Listen
	case env.Port != nil:
		cfg.Server.Listen = ":" + strconv.Itoa(*env.Port)
	}

	setString(&cfg.Storage.Backend, env.Backend)
	setString(&cfg.Storage.DataDir, env.DataDir)
	setString(&cfg.Storage.SQLitePath, env.SQLitePath)
	setString(&cfg.Storage.RedisAddr, env.RedisAddr)
	setString(&cfg.Storage.RedisURL, env.RedisURL)
	setString(&cfg.Storage.RedisPassword, env.RedisPassword)

	if env.RedisDB != nil {
		cfg.Storage.RedisDB = *env.RedisDB
	}

	// REDIS_URL alone implies the redis backend, matching how the hosted
	// deployment was configured.
	if env.RedisURL != nil && env.Backend == nil && *env.RedisURL != "" {
		cfg.Storage.Backend = "redis"
	}

	setString(&cfg.Auth.APIKey, env.APIKey)
	setString(&cfg.Auth.DeviceTTL, env.DeviceTTL)
	setString(&cfg.Google.ClientID, env.ClientID)
	setString(&cfg.Google.ClientSecret, env.ClientSecret)

	if env.Accounts != nil {
		cfg.Google.Accounts = splitAccounts(env.Accounts)
	}

	setString(&cfg.Aggregate.CallTimeout, env.CallTimeout)

	if env.MaxParallel != nil {
		cfg.Aggregate.MaxParallel = *env.MaxParallel
	}

	setString(&cfg.Logging.LogLevel, env.LogLevel)
	setString(&cfg.Logging.LogFormat, env.LogFormat)

	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// splitAccounts trims entries and drops empty ones ("a@x.com, b@x.com,").
func splitAccounts(in []string) []string {
	out := make([]string, 0, len(in))

	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}

	return out
}

// parseDuration extends time.ParseDuration with a whole-day "d" suffix.
func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}

		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	return d, nil
}
