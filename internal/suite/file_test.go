package suite

import (
	"strings"
	"testing"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/session"
	"github.com/Shunpei0902/ft-irc/test"
)

func TestLoadFileBuildsCases(t *testing.T) {
	t.Parallel()

	path := test.TempFile(t, "suite.toml", `
[[test]]
name = "welcome"
description = "server greets new clients"
nickname = "alice"
timeout = "12s"
expect_contains = ["Welcome"]
expect_not_contains = ["ERROR"]
expect_match = "001 alice"

[[test]]
name = "join"
nickname = "bob"
commands = ["/join #go", "/part #go"]
require_clean_exit = false
`)

	cases, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("cases = %d, want 2", len(cases))
	}

	welcome := cases[0]
	if welcome.Name != "welcome" || welcome.Identity.Nickname != "alice" || welcome.Timeout != 12*time.Second {
		t.Fatalf("welcome = %+v", welcome)
	}
	if welcome.Description != "server greets new clients" {
		t.Fatalf("description = %q", welcome.Description)
	}
	if !welcome.Predicate(session.Result{Success: true, Output: ":srv 001 alice :Welcome"}) {
		t.Fatal("welcome predicate rejected a matching transcript")
	}
	if welcome.Predicate(session.Result{Success: true, Output: ":srv 001 alice :Welcome\nERROR"}) {
		t.Fatal("welcome predicate accepted forbidden text")
	}
	if welcome.Predicate(session.Result{Success: false, Output: ":srv 001 alice :Welcome"}) {
		t.Fatal("welcome predicate accepted an unclean exit")
	}

	join := cases[1]
	if join.Timeout != defaultFileTimeout {
		t.Fatalf("join timeout = %s, want %s", join.Timeout, defaultFileTimeout)
	}
	if got := join.Script.Commands(); len(got) != 2 || got[0] != "/join #go" {
		t.Fatalf("join commands = %v", got)
	}
	if !join.Predicate(session.Result{Success: false}) {
		t.Fatal("require_clean_exit = false should accept an unclean exit")
	}
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "empty", content: "", want: "no [[test]] entries"},
		{name: "unknown key", content: "[[test]]\nname = \"a\"\nnickname = \"a\"\nexpect = \"x\"\n", want: "unknown keys"},
		{name: "missing name", content: "[[test]]\nnickname = \"a\"\n", want: "name is required"},
		{name: "bad timeout", content: "[[test]]\nname = \"a\"\nnickname = \"a\"\ntimeout = \"soon\"\n", want: "parse timeout"},
		{name: "negative timeout", content: "[[test]]\nname = \"a\"\nnickname = \"a\"\ntimeout = \"-1s\"\n", want: "must be positive"},
		{name: "bad regexp", content: "[[test]]\nname = \"a\"\nnickname = \"a\"\nexpect_match = \"(\"\n", want: "compile expect_match"},
		{name: "bad toml", content: "[[test]\n", want: "decode suite file"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := test.TempFile(t, "suite.toml", tt.content)
			_, err := LoadFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadFile() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()

	if _, err := LoadFile("/nonexistent/suite.toml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
