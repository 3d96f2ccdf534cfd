// Package kvstore is the persistence layer for device tokens, synced
// collections, and delegated credentials. Every record is a single opaque
// value under its own key; backends differ only in where bytes live, so the
// request-handling code above this package is written exactly once.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

// ErrNotFound is returned by Get when no value is stored under the key.
// Use errors.Is(err, kvstore.ErrNotFound) to check.
var ErrNotFound = errors.New("kvstore: not found")

// Store is the key/value abstraction every backend implements. Values are
// replaced wholesale on Set; there is no partial update.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendDir    = "dir"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// CorruptError reports a stored value that exists but cannot be decoded.
// Consumers return it instead of silently falling back to an empty default.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("kvstore: corrupt value for key %q: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Options selects and parameterizes a backend. Only the fields relevant to
// the chosen backend are read.
type Options struct {
	Backend string

	// DataDir is the root for the dir backend and the default location of
	// the sqlite database.
	DataDir    string
	SQLitePath string

	RedisAddr     string
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// sqliteFileName is the database file created under DataDir when no
// explicit SQLitePath is configured.
const sqliteFileName = "cos.db"

// Open constructs the configured backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case BackendMemory, "":
		logger.Info("using in-memory store (state is lost on restart)")
		return NewMemory(), nil
	case BackendDir:
		return NewDir(opts.DataDir, logger)
	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.DataDir, sqliteFileName)
		}

		return NewSQLite(ctx, path, logger)
	case BackendRedis:
		return NewRedis(ctx, RedisOptions{
			Addr:     opts.RedisAddr,
			URL:      opts.RedisURL,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		}, logger)
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", opts.Backend)
	}
}
