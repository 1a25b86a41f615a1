// Package results persists suite verdicts as a flat document: one record per
// test, in execution order.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/suite"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where results go when no destination is given.
const DefaultPath = "test_results.json"

// Format selects the document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Record is the persisted form of one suite entry.
type Record struct {
	Test    string        `json:"test" yaml:"test"`
	Passed  bool          `json:"passed" yaml:"passed"`
	Failure string        `json:"failure,omitempty" yaml:"failure,omitempty"`
	Detail  string        `json:"detail,omitempty" yaml:"detail,omitempty"`
	Result  SessionRecord `json:"result" yaml:"result"`
}

// SessionRecord is the persisted form of a session result.
type SessionRecord struct {
	Nickname   string   `json:"nickname" yaml:"nickname"`
	Commands   []string `json:"commands" yaml:"commands"`
	Success    bool     `json:"success" yaml:"success"`
	Output     string   `json:"output" yaml:"output"`
	Stderr     string   `json:"stderr" yaml:"stderr"`
	Error      string   `json:"error" yaml:"error"`
	ExitCode   int      `json:"exit_code" yaml:"exit_code"`
	TimedOut   bool     `json:"timed_out" yaml:"timed_out"`
	DurationMS int64    `json:"duration_ms" yaml:"duration_ms"`
}

// Recorder writes suite results to disk.
type Recorder struct {
	// Format overrides detection from the destination extension.
	Format Format
	now    func() time.Time
}

// FormatFor picks YAML for .yaml/.yml destinations and JSON otherwise.
func FormatFor(destination string) Format {
	switch strings.ToLower(filepath.Ext(destination)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Records converts a suite result into its persisted records.
func Records(result suite.Result) []Record {
	records := make([]Record, 0, len(result.Entries))
	for _, entry := range result.Entries {
		commands := entry.Result.Commands
		if commands == nil {
			commands = []string{}
		}
		records = append(records, Record{
			Test:    entry.Test,
			Passed:  entry.Passed,
			Failure: string(entry.Failure),
			Detail:  entry.Detail,
			Result: SessionRecord{
				Nickname:   entry.Result.Nickname,
				Commands:   commands,
				Success:    entry.Result.Success,
				Output:     entry.Result.Output,
				Stderr:     entry.Result.Stderr,
				Error:      entry.Result.Error,
				ExitCode:   entry.Result.ExitCode,
				TimedOut:   entry.Result.TimedOut,
				DurationMS: entry.Result.Duration.Milliseconds(),
			},
		})
	}
	return records
}

// Encode renders result in format.
func Encode(result suite.Result, format Format) ([]byte, error) {
	records := Records(result)
	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(records)
		if err != nil {
			return nil, fmt.Errorf("encode results yaml: %w", err)
		}
		return data, nil
	case FormatJSON, "":
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetIndent("", "  ")
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(records); err != nil {
			return nil, fmt.Errorf("encode results json: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported results format %q", format)
	}
}

// Save writes result to destination, replacing it atomically.
func (r Recorder) Save(ctx context.Context, result suite.Result, destination string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		destination = DefaultPath
	}
	format := r.Format
	if format == "" {
		format = FormatFor(destination)
	}

	data, err := Encode(result, format)
	if err != nil {
		return err
	}
	return r.writeAtomic(destination, data)
}

func (r Recorder) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create results directory %q: %w", dir, err)
	}

	now := r.now
	if now == nil {
		now = time.Now
	}
	tmp := fmt.Sprintf("%s.tmp-%d", path, now().UnixNano())
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	defer func() {
		_ = file.Close()
		_ = os.Remove(tmp)
	}()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write results file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync results file: %w", err)
	}
	if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close results file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace results file %q: %w", path, err)
	}
	return nil
}
