// Package suite defines named test cases and runs them in order against one
// supervised service instance.
package suite

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/clientconfig"
	"github.com/Shunpei0902/ft-irc/internal/session"
)

// Predicate judges a captured session.
type Predicate func(session.Result) bool

// TestCase is one named scripted session and its success predicate.
type TestCase struct {
	Name        string
	Description string
	Identity    clientconfig.Identity
	Script      session.Script
	Timeout     time.Duration
	Predicate   Predicate
}

// Validate checks the fields the orchestrator relies on.
func (tc TestCase) Validate() error {
	if strings.TrimSpace(tc.Name) == "" {
		return errors.New("test name is required")
	}
	if strings.TrimSpace(tc.Identity.Nickname) == "" {
		return fmt.Errorf("test %q: nickname is required", tc.Name)
	}
	if tc.Timeout <= 0 {
		return fmt.Errorf("test %q: timeout must be positive", tc.Name)
	}
	if tc.Predicate == nil {
		return fmt.Errorf("test %q: predicate is required", tc.Name)
	}
	return nil
}

// Succeeded holds when the client exited cleanly within its timeout.
func Succeeded() Predicate {
	return func(result session.Result) bool {
		return result.Success
	}
}

// OutputContains holds when stdout contains text.
func OutputContains(text string) Predicate {
	return func(result session.Result) bool {
		return strings.Contains(result.Output, text)
	}
}

// OutputNotContains holds when stdout does not contain text.
func OutputNotContains(text string) Predicate {
	return func(result session.Result) bool {
		return !strings.Contains(result.Output, text)
	}
}

// OutputMatches holds when stdout matches re.
func OutputMatches(re *regexp.Regexp) Predicate {
	return func(result session.Result) bool {
		return re != nil && re.MatchString(result.Output)
	}
}

// All holds when every predicate holds. Nil predicates are skipped.
func All(predicates ...Predicate) Predicate {
	return func(result session.Result) bool {
		for _, predicate := range predicates {
			if predicate != nil && !predicate(result) {
				return false
			}
		}
		return true
	}
}

// Registry keeps test cases in registration order.
type Registry struct {
	cases []TestCase
	names map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: map[string]struct{}{}}
}

// Register appends tc. Names must be unique.
func (r *Registry) Register(tc TestCase) error {
	tc.Name = strings.TrimSpace(tc.Name)
	if err := tc.Validate(); err != nil {
		return err
	}
	if _, exists := r.names[tc.Name]; exists {
		return fmt.Errorf("test %q already registered", tc.Name)
	}
	r.names[tc.Name] = struct{}{}
	r.cases = append(r.cases, tc)
	return nil
}

// RegisterAll registers cases in order and stops at the first error.
func (r *Registry) RegisterAll(cases ...TestCase) error {
	for _, tc := range cases {
		if err := r.Register(tc); err != nil {
			return err
		}
	}
	return nil
}

// Cases returns the registered cases in order.
func (r *Registry) Cases() []TestCase {
	return append([]TestCase(nil), r.cases...)
}

// Len returns the number of registered cases.
func (r *Registry) Len() int {
	return len(r.cases)
}
