package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Lock is an exclusive, process-wide claim on one probe, backed by a lock
// file so that two probe-mcp processes never drive the same adapter.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the lock for key inside dir without blocking.
// An empty dir disables locking and returns a no-op lock.
func AcquireLock(dir, key string) (*Lock, error) {
	if dir == "" {
		return &Lock{}, nil
	}

	//nolint:gosec // G301: lock directory must be traversable by the user's other tools
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := filepath.Join(dir, lockFileName(key))
	//nolint:gosec // G304: path is built from the configured lock directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("probe %s is in use by another process: %w", key, err)
	}

	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path, empty for no-op locks.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	unlockErr := unlockFile(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

func lockFileName(key string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return r.Replace(key) + ".lock"
}
