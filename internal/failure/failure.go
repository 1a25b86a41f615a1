// Package failure defines the harness error taxonomy.
//
// Fatal kinds abort a run before any test executes. Per-test kinds are
// recorded on the failing entry and the suite moves on. ShutdownAnomaly is a
// warning only and never changes a verdict.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a harness failure.
type Kind string

const (
	// MissingDependency means the service binary or the client tool cannot be found.
	MissingDependency Kind = "missing_dependency"
	// StartupFailure means the service did not stay alive past its readiness check.
	StartupFailure Kind = "startup_failure"
	// SessionTimeout means a scripted session exceeded its allotted time.
	SessionTimeout Kind = "session_timeout"
	// SessionProcessError means the client could not be launched or its I/O failed.
	SessionProcessError Kind = "session_process_error"
	// PredicateFailure means the captured session did not satisfy the test predicate.
	PredicateFailure Kind = "predicate_failure"
	// ShutdownAnomaly means the service needed a forceful kill to stop.
	ShutdownAnomaly Kind = "shutdown_anomaly"
)

// Fatal reports whether the kind aborts the whole run.
func (k Kind) Fatal() bool {
	return k == MissingDependency || k == StartupFailure
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// Error is a classified harness failure wrapping its cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds a classified error for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Err: err}
}

// Newf builds a classified error with a formatted cause.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	cause := "unknown error"
	if e.Err != nil {
		cause = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, cause)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same kind, so kind sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Kind == e.Kind && other.Err == nil
}

// Sentinel returns a cause-free error usable as an errors.Is target for kind.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) && classified != nil {
		return classified.Kind
	}
	return ""
}
