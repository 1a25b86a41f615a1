package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	t.Parallel()

	cause := errors.New("exit status 1")
	err := fmt.Errorf("start service: %w", New(StartupFailure, "service.start", cause))

	if !errors.Is(err, Sentinel(StartupFailure)) {
		t.Fatalf("errors.Is(%v, StartupFailure) = false, want true", err)
	}
	if errors.Is(err, Sentinel(SessionTimeout)) {
		t.Fatalf("errors.Is(%v, SessionTimeout) = true, want false", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to stay reachable")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: ""},
		{name: "direct", err: Newf(SessionTimeout, "session.run", "timed out"), want: SessionTimeout},
		{name: "wrapped", err: fmt.Errorf("outer: %w", New(MissingDependency, "preflight", errors.New("x"))), want: MissingDependency},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestFatalKinds(t *testing.T) {
	t.Parallel()

	fatal := map[Kind]bool{
		MissingDependency:   true,
		StartupFailure:      true,
		SessionTimeout:      false,
		SessionProcessError: false,
		PredicateFailure:    false,
		ShutdownAnomaly:     false,
	}
	for kind, want := range fatal {
		if got := kind.Fatal(); got != want {
			t.Fatalf("%s.Fatal() = %t, want %t", kind, got, want)
		}
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	t.Parallel()

	err := New(SessionProcessError, "session.run", errors.New("exec: \"irssi\": not found"))
	want := "session.run: session_process_error: exec: \"irssi\": not found"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
