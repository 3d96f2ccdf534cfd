package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal and carry "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values, so the server can start
// from environment variables alone.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain
// defaults -> config file -> environment variables -> CLI flags.
// It returns the validated Config and the config file path it used.
func Resolve(cli CLIOverrides) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if p := os.Getenv(EnvConfig); p != "" {
		cfgPath = p
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, cfgPath, err
	}

	applyCLI(cfg, cli)

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}

// Reload re-reads path and re-applies environment overrides. CLI flags are
// not re-applied; a reload reflects the file and the process environment.
func Reload(path string) (*Config, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func applyCLI(cfg *Config, cli CLIOverrides) {
	if cli.Listen != nil {
		cfg.Server.Listen = *cli.Listen
	}

	if cli.Backend != nil {
		cfg.Storage.Backend = *cli.Backend
	}

	if cli.DataDir != nil {
		cfg.Storage.DataDir = *cli.DataDir
	}
}
