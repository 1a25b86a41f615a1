package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Lifecycle identifies which transition table a Machine enforces.
type Lifecycle string

const (
	// LifecycleService is the service-under-test handle lifecycle.
	LifecycleService Lifecycle = "service"
	// LifecycleSuite is the suite orchestrator lifecycle.
	LifecycleSuite Lifecycle = "suite"
)

const (
	ServiceNotStarted = "not_started"
	ServiceRunning    = "running"
	ServiceStopping   = "stopping"
	ServiceStopped    = "stopped"
	ServiceFailed     = "failed"
)

const (
	SuiteIdle            = "idle"
	SuiteServiceStarting = "service_starting"
	SuiteRunning         = "running"
	SuiteServiceStopping = "service_stopping"
	SuiteDone            = "done"
)

var allowedTransitions = map[Lifecycle]map[string]map[string]struct{}{
	LifecycleService: {
		ServiceNotStarted: {
			ServiceRunning: {},
			ServiceFailed:  {},
			ServiceStopped: {},
		},
		ServiceRunning: {
			ServiceStopping: {},
			ServiceFailed:   {},
		},
		ServiceStopping: {
			ServiceStopped: {},
		},
		ServiceFailed: {
			ServiceStopped: {},
		},
	},
	LifecycleSuite: {
		SuiteIdle: {
			SuiteServiceStarting: {},
		},
		SuiteServiceStarting: {
			SuiteRunning: {},
			SuiteDone:    {},
		},
		SuiteRunning: {
			SuiteServiceStopping: {},
		},
		SuiteServiceStopping: {
			SuiteDone: {},
		},
	},
}

var initialStates = map[Lifecycle]string{
	LifecycleService: ServiceNotStarted,
	LifecycleSuite:   SuiteIdle,
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer func(TransitionRecord)) Option {
	return func(machine *Machine) {
		machine.observer = observer
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	Lifecycle Lifecycle
	EntityID  string
	FromState string
	ToState   string
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	Lifecycle Lifecycle
	EntityID  string
	FromState string
	ToState   string
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.Lifecycle,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks the current state of one entity and rejects transitions
// that its lifecycle table does not allow.
type Machine struct {
	lifecycle Lifecycle
	entityID  string
	tracer    trace.Tracer
	observer  func(TransitionRecord)
	now       func() time.Time

	mu      sync.Mutex
	current string
	history []TransitionRecord
}

// NewMachine builds a machine for entityID positioned at the lifecycle's initial state.
func NewMachine(lifecycle Lifecycle, entityID string, options ...Option) (*Machine, error) {
	initial, ok := initialStates[lifecycle]
	if !ok {
		return nil, fmt.Errorf("unknown lifecycle %q", lifecycle)
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, errors.New("entity id must not be empty")
	}

	machine := &Machine{
		lifecycle: lifecycle,
		entityID:  entityID,
		tracer:    otel.Tracer("irctest/state"),
		now:       time.Now,
		current:   initial,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Current returns the current state.
func (m *Machine) Current() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Is reports whether the machine is currently in any of states.
func (m *Machine) Is(states ...string) bool {
	current := m.Current()
	for _, candidate := range states {
		if candidate == current {
			return true
		}
	}
	return false
}

// Transition validates and applies a move from the current state to toState.
func (m *Machine) Transition(ctx context.Context, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)
	toState = strings.TrimSpace(toState)

	var accepted *TransitionRecord
	defer func() {
		if accepted != nil && m.observer != nil {
			m.observer(*accepted)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	fromState := m.current

	_, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("lifecycle", string(m.lifecycle)),
		attribute.String("entity_id", m.entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if toState == "" {
		err := errors.New("to state must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !isAllowed(m.lifecycle, fromState, toState) {
		err := &IllegalTransitionError{
			Lifecycle: m.lifecycle,
			EntityID:  m.entityID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		Lifecycle: m.lifecycle,
		EntityID:  m.entityID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	span.SetStatus(codes.Ok, "state transition applied")
	accepted = &record
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(lifecycle Lifecycle, fromState, toState string) bool {
	lifecycleTransitions, ok := allowedTransitions[lifecycle]
	if !ok {
		return false
	}
	nextStates, ok := lifecycleTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
