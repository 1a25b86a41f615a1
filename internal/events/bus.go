// Package events carries harness progress notifications from the suite
// orchestrator to reporters.
//
// Delivery is synchronous: Publish returns after every subscriber has handled
// the event, so console output keeps the order in which the suite ran.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// EventTypeSuiteStarted is published before the service is launched.
	EventTypeSuiteStarted = "SuiteStarted"
	// EventTypeServiceStarted is published once the service passed its readiness check.
	EventTypeServiceStarted = "ServiceStarted"
	// EventTypeServiceFailed is published when the service could not be started.
	EventTypeServiceFailed = "ServiceFailed"
	// EventTypeServiceExited is published when the service died while tests were running.
	EventTypeServiceExited = "ServiceExited"
	// EventTypeTestStarted is published before a scripted session launches.
	EventTypeTestStarted = "TestStarted"
	// EventTypeTestFinished is published after a test verdict is recorded.
	EventTypeTestFinished = "TestFinished"
	// EventTypeSuiteFinished is published after the last test verdict.
	EventTypeSuiteFinished = "SuiteFinished"
	// EventTypeServiceStopped is published after the service lifecycle ends.
	EventTypeServiceStopped = "ServiceStopped"
	// EventTypeShutdownAnomaly is published when the service needed SIGKILL.
	EventTypeShutdownAnomaly = "ShutdownAnomaly"
	// EventTypeResultsSaved is published after the result file was written or failed to write.
	EventTypeResultsSaved = "ResultsSaved"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is the normalized message delivered through the bus.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// SuitePayload describes the suite as a whole.
type SuitePayload struct {
	Name   string
	Passed int
	Total  int
}

// ServicePayload describes the service-under-test.
type ServicePayload struct {
	Path       string
	Port       int
	PID        int
	Diagnostic string
	// Stderr is a bounded tail of the service's stderr, set when it dies mid-suite.
	Stderr string
	// Forced marks a stop that needed SIGKILL.
	Forced bool
}

// TestPayload describes one test case and, once finished, its verdict.
type TestPayload struct {
	Name        string
	Description string
	Index       int
	Total       int
	Passed      bool
	Success     bool
	Failure     string
	Detail      string
	OutputBytes int
	Duration    time.Duration
}

// ResultsPayload describes the persisted result document.
type ResultsPayload struct {
	Path  string
	Error string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warnings for misbehaving subscribers.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithLogger configures the log sink used for subscriber panics.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// WithClock overrides the timestamp source for events published without one.
func WithClock(now func() time.Time) Option {
	return func(bus *InMemoryBus) {
		if now != nil {
			bus.now = now
		}
	}
}

// InMemoryBus is an in-process pub/sub bus that delivers on the publisher's goroutine.
type InMemoryBus struct {
	mu           sync.RWMutex
	logger       Logger
	now          func() time.Time
	typedSubs    map[string][]Handler
	wildcardSubs []Handler
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		logger:       log.Default(),
		now:          time.Now,
		typedSubs:    make(map[string][]Handler),
		wildcardSubs: make([]Handler, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], handler)
	b.mu.Unlock()
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, handler)
	b.mu.Unlock()
}

// Publish delivers an event to typed subscribers, then wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	typed, wildcard := b.snapshotSubscribers(strings.TrimSpace(event.Type))
	for _, handler := range typed {
		b.deliver(handler, event)
	}
	for _, handler := range wildcard {
		b.deliver(handler, event)
	}
}

func (b *InMemoryBus) snapshotSubscribers(eventType string) ([]Handler, []Handler) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typed := make([]Handler, len(b.typedSubs[eventType]))
	copy(typed, b.typedSubs[eventType])

	wildcard := make([]Handler, len(b.wildcardSubs))
	copy(wildcard, b.wildcardSubs)

	return typed, wildcard
}

func (b *InMemoryBus) deliver(handler Handler, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Printf(
				"events: subscriber panicked type=%s entity_type=%s entity_id=%s: %v",
				event.Type,
				event.EntityType,
				event.EntityID,
				recovered,
			)
		}
	}()
	handler(event)
}

// Discard is a Bus that drops every event.
type Discard struct{}

// Subscribe implements Bus.
func (Discard) Subscribe(string, Handler) {}

// SubscribeAll implements Bus.
func (Discard) SubscribeAll(Handler) {}

// Publish implements Bus.
func (Discard) Publish(Event) {}

var _ Bus = (*InMemoryBus)(nil)
var _ Bus = Discard{}
