package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTempFile writes data to name inside a per-test temporary directory
// and returns the full path. Used for firmware images and config files.
func WriteTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}
