package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("decode log line %q: %v", scanner.Text(), err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan log: %v", err)
	}
	return records
}

func TestNewWritesJSONUnderExplicitDir(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	logger, err := New(context.Background(),
		WithDir(dir),
		WithRunID("run-1"),
		withClock(func() time.Time { return fixed }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	wantPath := filepath.Join(dir, "irctest-20260304-050607-run-1.log")
	if logger.Path() != wantPath {
		t.Fatalf("Path() = %q, want %q", logger.Path(), wantPath)
	}

	logger.Logger.Info("service started", "port", 6667)
	logger.WithTraceID("trace-abc").Logger.Warn("service stopped")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records := readRecords(t, wantPath)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[0]["msg"] != "logger initialized" {
		t.Fatalf("first msg = %v", records[0]["msg"])
	}
	if records[1]["run_id"] != "run-1" || records[1]["port"] != float64(6667) {
		t.Fatalf("second record = %v", records[1])
	}
	if records[2]["trace_id"] != "trace-abc" {
		t.Fatalf("trace_id = %v, want trace-abc", records[2]["trace_id"])
	}
}

func TestNewUsesEnvironmentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	t.Setenv(DirEnv, dir)

	logger, err := New(context.Background())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Close()

	if !strings.HasPrefix(logger.Path(), dir+string(filepath.Separator)) {
		t.Fatalf("Path() = %q, want under %q", logger.Path(), dir)
	}
	if !strings.HasPrefix(filepath.Base(logger.Path()), "irctest-") {
		t.Fatalf("file name = %q", filepath.Base(logger.Path()))
	}
}

func TestDebugLevel(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(context.Background(), WithDir(dir), WithDebug(true))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Logger.Debug("probe attempt")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records := readRecords(t, logger.Path())
	if len(records) != 2 || records[1]["level"] != "debug" {
		t.Fatalf("records = %v, want debug record", records)
	}
}

func TestNilRuntimeLogger(t *testing.T) {
	t.Parallel()

	var logger *RuntimeLogger
	if logger.Path() != "" || logger.Close() != nil || logger.WithRunID("x") != nil {
		t.Fatal("nil RuntimeLogger methods should be no-ops")
	}
}
