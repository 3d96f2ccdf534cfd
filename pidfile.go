package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePermissions matches the standard config file permissions (owner rw, group/other r).
const pidFilePermissions = 0o644

// pidDirPermissions matches the standard directory permissions (owner rwx, group/other rx).
const pidDirPermissions = 0o755

var (
	// errServerRunning means another cos server holds the PID file lock.
	errServerRunning = errors.New("another cos server is already running")

	// errNoServer means no live server is recorded in the PID file.
	errNoServer = errors.New("no running cos server")
)

// serverRecord is the content of the server PID file: the process ID on the
// first line and the configured listen address on the second.
type serverRecord struct {
	PID    int
	Listen string
}

func (r serverRecord) String() string {
	if r.Listen == "" {
		return fmt.Sprintf("PID %d", r.PID)
	}

	return fmt.Sprintf("PID %d, listening on %s", r.PID, r.Listen)
}

// writePIDFile records the current process and its listen address in path
// and holds an exclusive flock on it until cleanup runs. errServerRunning is
// returned while another server holds the lock.
func writePIDFile(path, listen string) (cleanup func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty")
	}

	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	// Non-blocking: fails immediately if another process holds the lock.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if holder, readErr := readPIDFile(path); readErr == nil {
			return nil, fmt.Errorf("%w (%s)", errServerRunning, holder)
		}

		return nil, fmt.Errorf("%w (could not lock %s)", errServerRunning, path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), listen); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	// Sync to disk so "cos reload" sees the PID immediately.
	if err := f.Sync(); err != nil {
		f.Close()

		return nil, fmt.Errorf("syncing PID file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readPIDFile parses a PID file. Files holding only a PID are accepted.
func readPIDFile(path string) (serverRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return serverRecord{}, fmt.Errorf("reading PID file: %w", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))

	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}

	if len(lines) == 0 {
		return serverRecord{}, fmt.Errorf("invalid PID in %s: file is empty", path)
	}

	pid, err := strconv.Atoi(lines[0])
	if err != nil || pid <= 0 {
		return serverRecord{}, fmt.Errorf("invalid PID in %s: %q", path, lines[0])
	}

	rec := serverRecord{PID: pid}
	if len(lines) > 1 {
		rec.Listen = lines[1]
	}

	return rec, nil
}

// sendSIGHUP signals the server recorded in pidPath to reload its config and
// returns the record it signalled. A PID file left by a dead process is
// removed and reported as errNoServer.
func sendSIGHUP(pidPath string) (serverRecord, error) {
	rec, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return serverRecord{}, fmt.Errorf("%w (no PID file at %s)", errNoServer, pidPath)
		}

		return serverRecord{}, err
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return serverRecord{}, fmt.Errorf("finding process %d: %w", rec.PID, err)
	}

	// Signal 0 checks liveness without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidPath)

		return serverRecord{}, fmt.Errorf("%w: PID %d is not running (stale PID file removed)", errNoServer, rec.PID)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return serverRecord{}, fmt.Errorf("sending SIGHUP to server (PID %d): %w", rec.PID, err)
	}

	return rec, nil
}
