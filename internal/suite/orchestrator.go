package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/clientconfig"
	"github.com/Shunpei0902/ft-irc/internal/events"
	"github.com/Shunpei0902/ft-irc/internal/failure"
	"github.com/Shunpei0902/ft-irc/internal/process"
	"github.com/Shunpei0902/ft-irc/internal/session"
	"github.com/Shunpei0902/ft-irc/internal/state"
	"github.com/Shunpei0902/ft-irc/internal/tracing"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultSettleDelay is the pause between service readiness and the first test.
	DefaultSettleDelay = 3 * time.Second
	// DefaultTestPacing is the pause between consecutive tests.
	DefaultTestPacing = 2 * time.Second
)

// ServiceController starts, stops, and polls the service-under-test.
type ServiceController interface {
	Start(ctx context.Context, executablePath string, args []string) (*process.ServiceHandle, error)
	Stop(ctx context.Context, handle *process.ServiceHandle) error
	Alive(ctx context.Context, handle *process.ServiceHandle) bool
}

// SessionRunner runs one scripted client session.
type SessionRunner interface {
	Run(ctx context.Context, req session.Request) session.Result
}

// Entry is the verdict for one test case.
type Entry struct {
	Test        string
	Description string
	Result      session.Result
	Passed      bool
	Failure     failure.Kind
	Detail      string
}

// Result is the ordered outcome of a suite run.
type Result struct {
	RunID    string
	Entries  []Entry
	Started  time.Time
	Finished time.Time
	// ServiceDiagnostic carries startup or shutdown notes about the service.
	ServiceDiagnostic string
}

// Passed counts passing entries.
func (r Result) Passed() int {
	passed := 0
	for _, entry := range r.Entries {
		if entry.Passed {
			passed++
		}
	}
	return passed
}

// Total counts entries.
func (r Result) Total() int {
	return len(r.Entries)
}

// OK reports whether every test passed.
func (r Result) OK() bool {
	return r.Total() > 0 && r.Passed() == r.Total()
}

// Options configures an Orchestrator.
type Options struct {
	RunID      string
	SuiteName  string
	ServerPath string
	Address    string
	Port       int
	Password   string

	// SettleDelay and TestPacing default to DefaultSettleDelay and
	// DefaultTestPacing; negative values disable the pause.
	SettleDelay time.Duration
	TestPacing  time.Duration

	Cases      []TestCase
	Controller ServiceController
	Runner     SessionRunner
	Bus        events.Bus
	Logger     *log.Logger
	Tracer     trace.Tracer
	// Sleep waits d or until ctx ends.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Orchestrator sequences test cases against one service instance.
type Orchestrator struct {
	opts Options
}

// NewOrchestrator validates opts and fills defaults.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if strings.TrimSpace(opts.ServerPath) == "" {
		return nil, errors.New("server path is required")
	}
	if opts.Port < 1 || opts.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range 1-65535", opts.Port)
	}
	if opts.Controller == nil {
		return nil, errors.New("service controller is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("session runner is required")
	}
	if len(opts.Cases) == 0 {
		return nil, errors.New("at least one test case is required")
	}
	registry := NewRegistry()
	if err := registry.RegisterAll(opts.Cases...); err != nil {
		return nil, err
	}
	opts.Cases = registry.Cases()

	if opts.SuiteName == "" {
		opts.SuiteName = "irc"
	}
	if opts.Address == "" {
		opts.Address = clientconfig.DefaultAddress
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.TestPacing == 0 {
		opts.TestPacing = DefaultTestPacing
	}
	if opts.Bus == nil {
		opts.Bus = events.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("irctest/suite")
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts}, nil
}

// Run starts the service, runs every case in order, and stops the service.
// A startup failure returns a StartupFailure and runs no tests. Otherwise the
// result holds exactly one entry per case.
func (o *Orchestrator) Run(ctx context.Context) (result Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := o.opts
	logger := opts.Logger.With("suite", opts.SuiteName)
	result = Result{RunID: opts.RunID, Started: opts.Now().UTC()}

	machine, err := state.NewMachine(state.LifecycleSuite, opts.SuiteName, state.WithTracer(opts.Tracer))
	if err != nil {
		return result, err
	}
	ctx, span := opts.Tracer.Start(ctx, "suite.run", trace.WithAttributes(
		attribute.String("suite.name", opts.SuiteName),
		attribute.String("run_id", opts.RunID),
		attribute.Int("suite.tests", len(opts.Cases)),
	))
	defer span.End()

	o.publish(events.Event{
		Type:       events.EventTypeSuiteStarted,
		EntityType: "suite",
		EntityID:   opts.SuiteName,
		Payload:    events.SuitePayload{Name: opts.SuiteName, Total: len(opts.Cases)},
	})

	o.transition(ctx, machine, state.SuiteServiceStarting, "starting service")
	args := []string{strconv.Itoa(opts.Port), opts.Password}
	handle, startErr := opts.Controller.Start(ctx, opts.ServerPath, args)
	if startErr != nil {
		diagnostic := handle.Diagnostic()
		if diagnostic == "" {
			diagnostic = startErr.Error()
		}
		result.ServiceDiagnostic = diagnostic
		logger.Error("service failed to start", "server", opts.ServerPath, "err", startErr)
		o.publish(events.Event{
			Type:       events.EventTypeServiceFailed,
			EntityType: "service",
			EntityID:   opts.ServerPath,
			Severity:   events.SeverityError,
			Payload:    events.ServicePayload{Path: opts.ServerPath, Port: opts.Port, PID: handle.PID(), Diagnostic: diagnostic},
		})
		if handle != nil {
			_ = opts.Controller.Stop(context.WithoutCancel(ctx), handle)
		}
		o.transition(ctx, machine, state.SuiteDone, "service failed to start")
		result.Finished = opts.Now().UTC()
		if failure.KindOf(startErr) == "" {
			startErr = failure.New(failure.StartupFailure, "start service", startErr)
		}
		tracing.Finish(span, startErr, "")
		return result, startErr
	}

	defer func() {
		o.transition(ctx, machine, state.SuiteServiceStopping, "tests finished")
		if err := opts.Controller.Stop(context.WithoutCancel(ctx), handle); err != nil {
			result.ServiceDiagnostic = err.Error()
			logger.Warn("service shutdown anomaly", "err", err)
			o.publish(events.Event{
				Type:       events.EventTypeShutdownAnomaly,
				EntityType: "service",
				EntityID:   opts.ServerPath,
				Severity:   events.SeverityWarn,
				Payload:    events.ServicePayload{Path: opts.ServerPath, Port: opts.Port, PID: handle.PID(), Diagnostic: err.Error()},
			})
		}
		o.publish(events.Event{
			Type:       events.EventTypeServiceStopped,
			EntityType: "service",
			EntityID:   opts.ServerPath,
			Payload:    events.ServicePayload{Path: opts.ServerPath, Port: opts.Port, PID: handle.PID(), Forced: handle.ForcedKill()},
		})
		o.transition(ctx, machine, state.SuiteDone, "service stopped")
	}()

	logger.Info("service started", "server", opts.ServerPath, "port", opts.Port, "pid", handle.PID())
	o.publish(events.Event{
		Type:       events.EventTypeServiceStarted,
		EntityType: "service",
		EntityID:   opts.ServerPath,
		Payload:    events.ServicePayload{Path: opts.ServerPath, Port: opts.Port, PID: handle.PID()},
	})
	o.transition(ctx, machine, state.SuiteRunning, "service ready")

	canceled := o.pause(ctx, opts.SettleDelay) != nil
	serviceLost := false
	for index, tc := range opts.Cases {
		if !canceled && index > 0 {
			canceled = o.pause(ctx, opts.TestPacing) != nil
		}
		if !canceled && ctx.Err() != nil {
			canceled = true
		}

		o.publish(events.Event{
			Type:       events.EventTypeTestStarted,
			EntityType: "test",
			EntityID:   tc.Name,
			Payload:    events.TestPayload{Name: tc.Name, Description: tc.Description, Index: index + 1, Total: len(opts.Cases)},
		})

		var entry Entry
		switch {
		case canceled:
			entry = skippedEntry(tc, session.CanceledMessage)
		case !opts.Controller.Alive(ctx, handle):
			diagnostic := handle.Diagnostic()
			if diagnostic == "" {
				diagnostic = "service is not running"
			}
			if !serviceLost {
				serviceLost = true
				stderr := serviceStderrTail(handle, opts.Password)
				logger.Error("service exited during suite", "diagnostic", diagnostic, "stderr", stderr)
				o.publish(events.Event{
					Type:       events.EventTypeServiceExited,
					EntityType: "service",
					EntityID:   opts.ServerPath,
					Severity:   events.SeverityError,
					Payload: events.ServicePayload{
						Path:       opts.ServerPath,
						Port:       opts.Port,
						PID:        handle.PID(),
						Diagnostic: diagnostic,
						Stderr:     stderr,
					},
				})
			}
			entry = skippedEntry(tc, "service not running: "+diagnostic)
		default:
			entry = o.runTest(ctx, tc)
		}
		result.Entries = append(result.Entries, entry)

		severity := events.SeverityInfo
		if !entry.Passed {
			severity = events.SeverityWarn
		}
		logger.Info(
			"test finished",
			"test", tc.Name,
			"passed", entry.Passed,
			"failure", string(entry.Failure),
			"duration", entry.Result.Duration.String(),
		)
		o.publish(events.Event{
			Type:       events.EventTypeTestFinished,
			EntityType: "test",
			EntityID:   tc.Name,
			Severity:   severity,
			Payload: events.TestPayload{
				Name:        tc.Name,
				Description: tc.Description,
				Index:       index + 1,
				Total:       len(opts.Cases),
				Passed:      entry.Passed,
				Success:     entry.Result.Success,
				Failure:     string(entry.Failure),
				Detail:      entry.Detail,
				OutputBytes: len(entry.Result.Output),
				Duration:    entry.Result.Duration,
			},
		})
	}

	result.Finished = opts.Now().UTC()
	span.SetAttributes(
		attribute.Int("suite.passed", result.Passed()),
		attribute.Int("suite.total", result.Total()),
	)
	o.publish(events.Event{
		Type:       events.EventTypeSuiteFinished,
		EntityType: "suite",
		EntityID:   opts.SuiteName,
		Payload:    events.SuitePayload{Name: opts.SuiteName, Passed: result.Passed(), Total: result.Total()},
	})
	logger.Info("suite finished", "passed", result.Passed(), "total", result.Total())
	tracing.Finish(span, nil, "suite finished")
	return result, nil
}

func (o *Orchestrator) runTest(ctx context.Context, tc TestCase) Entry {
	ctx, span := o.opts.Tracer.Start(ctx, "suite.test", trace.WithAttributes(
		attribute.String("test.name", tc.Name),
		attribute.String("test.nickname", tc.Identity.Nickname),
	))
	defer span.End()

	outcome := o.opts.Runner.Run(ctx, session.Request{
		Identity: tc.Identity,
		Target: clientconfig.Target{
			Address:  o.opts.Address,
			Port:     o.opts.Port,
			Password: o.opts.Password,
		},
		Script:  tc.Script,
		Timeout: tc.Timeout,
	})

	entry := Entry{Test: tc.Name, Description: tc.Description, Result: outcome}
	entry.Passed, entry.Failure, entry.Detail = judge(tc.Predicate, outcome)
	span.SetAttributes(attribute.Bool("test.passed", entry.Passed))
	if !entry.Passed {
		tracing.Finish(span, failure.New(entry.Failure, tc.Name, errors.New(entry.Detail)), "")
	} else {
		tracing.Finish(span, nil, "test passed")
	}
	return entry
}

// judge applies predicate to a completed session. Session-level failures
// fail the test regardless of the predicate.
func judge(predicate Predicate, outcome session.Result) (passed bool, kind failure.Kind, detail string) {
	if outcome.Failure != "" {
		return false, outcome.Failure, outcome.Error
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			passed = false
			kind = failure.PredicateFailure
			detail = fmt.Sprintf("predicate panicked: %v", recovered)
		}
	}()
	if predicate(outcome) {
		return true, "", ""
	}
	detail = "predicate not satisfied"
	if outcome.Error != "" {
		detail += " (" + outcome.Error + ")"
	}
	return false, failure.PredicateFailure, detail
}

// serviceStderrTail returns the last bytes the service wrote to stderr with
// the password masked.
func serviceStderrTail(handle *process.ServiceHandle, password string) string {
	stderr := strings.TrimSpace(handle.Output().Stderr)
	if len(stderr) > tracing.MaxOutputEventBytes {
		stderr = "..." + stderr[len(stderr)-tracing.MaxOutputEventBytes:]
	}
	return tracing.RedactText(stderr, password)
}

func skippedEntry(tc TestCase, reason string) Entry {
	return Entry{
		Test:        tc.Name,
		Description: tc.Description,
		Result: session.Result{
			Nickname: tc.Identity.Nickname,
			Commands: tc.Script.Commands(),
			Error:    reason,
			ExitCode: -1,
			Failure:  failure.SessionProcessError,
		},
		Failure: failure.SessionProcessError,
		Detail:  reason,
	}
}

func (o *Orchestrator) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return o.opts.Sleep(ctx, d)
}

func (o *Orchestrator) publish(event events.Event) {
	o.opts.Bus.Publish(event)
}

func (o *Orchestrator) transition(ctx context.Context, machine *state.Machine, to, reason string) {
	if err := machine.Transition(ctx, to, reason); err != nil {
		o.opts.Logger.Warn("suite state transition rejected", "to", to, "err", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
