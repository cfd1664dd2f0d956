// Package testutil provides shared test helpers for sensorlog packages.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TempLogDir returns a temporary log directory and the path of its archive
// subdirectory. The directory is cleaned up when the test completes.
func TempLogDir(t *testing.T) (logDir, archiveDir string) {
	t.Helper()
	logDir = t.TempDir()
	archiveDir = filepath.Join(logDir, "archive")
	return logDir, archiveDir
}

// MustNotExist asserts that the file does not exist.
func MustNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to not exist", path)
	}
}

// CountFiles returns the number of entries in dir matching the glob pattern.
func CountFiles(t *testing.T, dir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return len(matches)
}
