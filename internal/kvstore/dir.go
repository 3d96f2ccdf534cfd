package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
)

// FilePerms restricts stored files to owner-only read/write because several
// keys hold refresh tokens.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// Dir stores each key as a JSON file in a single directory. Writes are
// atomic (temp file + rename) so a crash never leaves a truncated value.
type Dir struct {
	root   string
	logger *slog.Logger
}

// NewDir creates the directory if needed and returns a Dir store rooted there.
func NewDir(root string, logger *slog.Logger) (*Dir, error) {
	if root == "" {
		return nil, errors.New("kvstore: dir backend requires a data directory")
	}

	if err := os.MkdirAll(root, DirPerms); err != nil {
		return nil, fmt.Errorf("kvstore: creating data directory %s: %w", root, err)
	}

	logger.Info("using directory store", slog.String("dir", root))

	return &Dir{root: root, logger: logger}, nil
}

// Path returns the file backing key. Exported for diagnostics and tests.
// Keys are percent-escaped as a single path segment, which keeps the
// mapping one-to-one and leaves account addresses readable
// (gmail_token_a.b@example.com.json).
func (d *Dir) Path(key string) string {
	return filepath.Join(d.root, url.PathEscape(key)+".json")
}

func (d *Dir) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(d.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("kvstore: reading %s: %w", key, err)
	}

	return data, nil
}

func (d *Dir) Set(_ context.Context, key string, value []byte) error {
	path := d.Path(key)

	tmp, err := os.CreateTemp(d.root, ".kv-*.tmp")
	if err != nil {
		return fmt.Errorf("kvstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: writing %s: %w", key, err)
	}

	// Flush before rename so a power loss cannot publish an empty file.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("kvstore: syncing %s: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kvstore: closing %s: %w", key, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("kvstore: renaming %s: %w", key, err)
	}

	success = true

	d.logger.Debug("stored value", slog.String("key", key), slog.Int("bytes", len(value)))

	return nil
}

func (d *Dir) Close() error {
	return nil
}
