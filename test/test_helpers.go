// Package test provides shared testing utilities for the irctest harness:
// executable shell fixtures standing in for the IRC service and the client,
// temp directories, and file assertions.
package test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a context canceled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// TempDir creates a temporary directory removed when the test completes.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "irctest-test-*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

// TempFile creates a file named name with content in a fresh temp directory.
func TempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(TempDir(t), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "failed to write temp file")
	return path
}

// WriteScript writes an executable /bin/sh script with body and returns its path.
func WriteScript(t *testing.T, name, body string) string {
	t.Helper()
	RequireUnix(t)
	path := filepath.Join(TempDir(t), name)
	content := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755), "failed to write script")
	return path
}

// RequireUnix skips tests that need POSIX process groups.
func RequireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell and process groups")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

// ProcessGone reports whether pid no longer exists.
func ProcessGone(pid int) bool {
	err := syscall.Kill(pid, 0)
	return errors.Is(err, syscall.ESRCH)
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}

// AssertFileExists checks if a file exists.
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.NoError(t, err, "file should exist: %s", path)
}

// AssertFileNotExists checks if a file does not exist.
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.Error(t, err, "file should not exist: %s", path)
}

// AssertFileContent checks if a file has the expected content.
func AssertFileContent(t *testing.T, path, expectedContent string) {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	assert.Equal(t, expectedContent, string(content), "file content mismatch")
}

// AssertErrorIs checks if an error wraps the expected error.
func AssertErrorIs(t *testing.T, err error, expectedErr error) {
	t.Helper()
	assert.ErrorIs(t, err, expectedErr, "error should wrap expected error")
}
