package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func chdirTemp(t *testing.T) (home, work string) {
	t.Helper()
	home = t.TempDir()
	work = t.TempDir()
	t.Setenv("HOME", home)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(work); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return home, work
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, DirName, FileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server != defaultServer {
		t.Fatalf("server = %q, want %q", cfg.Server, defaultServer)
	}
	if cfg.Port != defaultPort {
		t.Fatalf("port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.Password != defaultPassword {
		t.Fatalf("password = %q, want %q", cfg.Password, defaultPassword)
	}
	if cfg.Client != defaultClient || cfg.Address != defaultAddress {
		t.Fatalf("client/address = %q/%q", cfg.Client, cfg.Address)
	}
	if cfg.Results != defaultResults {
		t.Fatalf("results = %q, want %q", cfg.Results, defaultResults)
	}
	if cfg.Readiness != ReadinessFixed || !cfg.ScriptPauses {
		t.Fatalf("readiness = %q pauses = %v", cfg.Readiness, cfg.ScriptPauses)
	}
	if cfg.StartupGrace != 2*time.Second || cfg.StopTimeout != 5*time.Second {
		t.Fatalf("startup_grace = %s stop_timeout = %s", cfg.StartupGrace, cfg.StopTimeout)
	}
	if cfg.SettleDelay != 3*time.Second || cfg.TestPacing != 2*time.Second {
		t.Fatalf("settle_delay = %s test_pacing = %s", cfg.SettleDelay, cfg.TestPacing)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverlayOrder(t *testing.T) {
	home, work := chdirTemp(t)
	writeConfig(t, home, `
port = 7000
password = "home-secret"
settle_delay = "1s"
[otel]
endpoint = "http://collector:4318"
`)
	writeConfig(t, work, `
port = 7001
readiness = "TCP"
results_format = " YAML "
test_pacing = "500ms"
`)
	explicit := filepath.Join(t.TempDir(), "ci.toml")
	if err := os.WriteFile(explicit, []byte("port = 7002\nscript_pauses = false\n"), 0o644); err != nil {
		t.Fatalf("write explicit config: %v", err)
	}

	cfg, err := Load(context.Background(), explicit)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 7002 {
		t.Fatalf("port = %d, want explicit file to win", cfg.Port)
	}
	if cfg.Password != "home-secret" {
		t.Fatalf("password = %q, want home value", cfg.Password)
	}
	if cfg.Readiness != ReadinessTCP {
		t.Fatalf("readiness = %q, want normalized %q", cfg.Readiness, ReadinessTCP)
	}
	if cfg.ResultsFormat != ResultsFormatYAML {
		t.Fatalf("results_format = %q, want normalized %q", cfg.ResultsFormat, ResultsFormatYAML)
	}
	if cfg.SettleDelay != time.Second || cfg.TestPacing != 500*time.Millisecond {
		t.Fatalf("settle_delay = %s test_pacing = %s", cfg.SettleDelay, cfg.TestPacing)
	}
	if cfg.ScriptPauses {
		t.Fatal("script_pauses = true, want explicit false")
	}
	if cfg.OTelEndpoint != "http://collector:4318" {
		t.Fatalf("otel endpoint = %q", cfg.OTelEndpoint)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad duration", content: `stop_timeout = "forever"`, want: "parse stop_timeout"},
		{name: "unknown key", content: `wip_limit = 3`, want: "unsupported key"},
		{name: "bad toml", content: `port = `, want: "decode config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, work := chdirTemp(t)
			writeConfig(t, work, tt.content)
			_, err := Load(context.Background(), "")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	chdirTemp(t)

	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "missing.toml") {
		t.Fatalf("Load() error = %v, want missing explicit file", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "port", mutate: func(c *Config) { c.Port = 70000 }, want: "out of range"},
		{name: "server", mutate: func(c *Config) { c.Server = " " }, want: "server path"},
		{name: "client", mutate: func(c *Config) { c.Client = "" }, want: "client"},
		{name: "readiness", mutate: func(c *Config) { c.Readiness = "polling" }, want: "readiness"},
		{name: "password space", mutate: func(c *Config) { c.Password = "pass word" }, want: "password must not contain"},
		{name: "password control", mutate: func(c *Config) { c.Password = "pw\r\n/quit" }, want: "password must not contain"},
		{name: "results format", mutate: func(c *Config) { c.ResultsFormat = "xml" }, want: "results_format"},
		{name: "negative", mutate: func(c *Config) { c.TestPacing = -time.Second }, want: "test_pacing must not be negative"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
