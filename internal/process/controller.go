package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/failure"
	"github.com/Shunpei0902/ft-irc/internal/state"
	"github.com/Shunpei0902/ft-irc/internal/tracing"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

const (
	// DefaultStopTimeout is how long Stop waits after SIGTERM before escalating.
	DefaultStopTimeout = 5 * time.Second
	// DefaultForcedExitWait is how long Stop waits after SIGKILL.
	DefaultForcedExitWait = 2 * time.Second

	groupPollInterval = 25 * time.Millisecond
)

// Options configures a Controller.
type Options struct {
	Spawner        Spawner
	Readiness      ReadinessProbe
	StopTimeout    time.Duration
	ForcedExitWait time.Duration
	Logger         *log.Logger
	Tracer         trace.Tracer
	// Secrets are masked wherever the service command line is logged or traced.
	Secrets []string
}

// Controller owns the lifecycle of the service-under-test.
type Controller struct {
	spawner        Spawner
	readiness      ReadinessProbe
	stopTimeout    time.Duration
	forcedExitWait time.Duration
	logger         *log.Logger
	tracer         trace.Tracer
	secrets        []string
}

// NewController fills omitted options with the OS spawner and a fixed startup delay.
func NewController(opts Options) *Controller {
	controller := &Controller{
		spawner:        opts.Spawner,
		readiness:      opts.Readiness,
		stopTimeout:    opts.StopTimeout,
		forcedExitWait: opts.ForcedExitWait,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		secrets:        append([]string(nil), opts.Secrets...),
	}
	if controller.spawner == nil {
		controller.spawner = ExecSpawner{}
	}
	if controller.readiness == nil {
		controller.readiness = FixedDelay{Grace: DefaultStartupGrace}
	}
	if controller.stopTimeout <= 0 {
		controller.stopTimeout = DefaultStopTimeout
	}
	if controller.forcedExitWait <= 0 {
		controller.forcedExitWait = DefaultForcedExitWait
	}
	if controller.logger == nil {
		controller.logger = log.New(io.Discard)
	}
	if controller.tracer == nil {
		controller.tracer = otel.Tracer("irctest/process")
	}
	return controller
}

// ServiceHandle is the supervised service process. Only the Controller
// changes its state.
type ServiceHandle struct {
	path    string
	args    []string
	machine *state.Machine

	mu         sync.Mutex
	proc       Process
	diagnostic string
	anomaly    bool
}

// State returns the current lifecycle state.
func (h *ServiceHandle) State() string {
	if h == nil {
		return state.ServiceNotStarted
	}
	return h.machine.Current()
}

// PID returns the service process id, or 0 if it never launched.
func (h *ServiceHandle) PID() int {
	proc := h.process()
	if proc == nil {
		return 0
	}
	return proc.PID()
}

// PGID returns the process group id. The service leads its own group.
func (h *ServiceHandle) PGID() int {
	return h.PID()
}

// Path returns the service executable path.
func (h *ServiceHandle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Diagnostic explains the most recent failure or anomaly, if any.
func (h *ServiceHandle) Diagnostic() string {
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.diagnostic
}

// ForcedKill reports whether Stop had to escalate to SIGKILL.
func (h *ServiceHandle) ForcedKill() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.anomaly
}

// Output returns what the service has written so far.
func (h *ServiceHandle) Output() Output {
	proc := h.process()
	if proc == nil {
		return Output{}
	}
	return proc.Output()
}

func (h *ServiceHandle) process() Process {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

func (h *ServiceHandle) setDiagnostic(diagnostic string) {
	h.mu.Lock()
	h.diagnostic = diagnostic
	h.mu.Unlock()
}

// Start launches the service and waits for the readiness probe. On failure
// the returned handle is Failed and the error is a StartupFailure.
func (c *Controller) Start(ctx context.Context, executablePath string, args []string) (*ServiceHandle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	executablePath = strings.TrimSpace(executablePath)
	if executablePath == "" {
		return nil, errors.New("executable path is required")
	}

	machine, err := state.NewMachine(state.LifecycleService, executablePath, state.WithTracer(c.tracer))
	if err != nil {
		return nil, err
	}
	handle := &ServiceHandle{
		path:    executablePath,
		args:    append([]string(nil), args...),
		machine: machine,
	}

	commandLine := tracing.FormatCommand(executablePath, tracing.RedactArgs(args, c.secrets...))
	ctx, span := c.tracer.Start(ctx, "service.start", trace.WithAttributes(
		attribute.String("service.command", commandLine),
	))
	defer span.End()

	logger := c.logger.With("service", executablePath)
	logger.Info("starting service", "command", commandLine)

	proc, err := c.spawner.Spawn(ctx, Spec{Path: executablePath, Args: handle.args})
	if err != nil {
		startErr := failure.New(failure.StartupFailure, "start service", err)
		c.markFailed(ctx, handle, err.Error())
		logger.Error("service launch failed", "err", err)
		tracing.Finish(span, startErr, "")
		return handle, startErr
	}
	handle.mu.Lock()
	handle.proc = proc
	handle.mu.Unlock()
	span.SetAttributes(attribute.Int("service.pid", proc.PID()))

	if err := c.readiness.Ready(ctx, proc); err != nil {
		// The leader may be gone while children it forked still run.
		if signalErr := proc.Signal(unix.SIGKILL); signalErr != nil {
			logger.Warn("kill unready service", "pid", proc.PID(), "err", signalErr)
		}
		_, _ = proc.Wait(c.forcedExitWait)
		output := proc.Output()
		diagnostic := startupDiagnostic(err, output)
		startErr := failure.New(failure.StartupFailure, "start service", errors.New(diagnostic))
		c.markFailed(ctx, handle, diagnostic)
		tracing.RecordOutput(span, output.Stdout, output.Stderr, c.secrets...)
		tracing.Finish(span, startErr, "")
		logger.Error("service failed readiness", "pid", proc.PID(), "err", err)
		return handle, startErr
	}

	if err := machine.Transition(ctx, state.ServiceRunning, "readiness passed"); err != nil {
		tracing.Finish(span, err, "")
		return handle, err
	}
	logger.Info("service running", "pid", proc.PID(), "pgid", proc.PID())
	tracing.Finish(span, nil, "service running")
	return handle, nil
}

// Stop terminates the service group: SIGTERM, then SIGKILL if the leader or
// any group member outlives the stop timeout. It always leaves the handle Stopped. Signal errors are
// logged. A non-nil result is a ShutdownAnomaly warning.
func (c *Controller) Stop(ctx context.Context, handle *ServiceHandle) error {
	if handle == nil || handle.machine.Is(state.ServiceStopped) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "service.stop")
	defer span.End()

	logger := c.logger.With("service", handle.path)
	proc := handle.process()

	if handle.machine.Is(state.ServiceRunning) {
		c.transition(ctx, handle, state.ServiceStopping, "stop requested")
	}
	if proc == nil {
		c.transition(ctx, handle, state.ServiceStopped, "never launched")
		tracing.Finish(span, nil, "service never launched")
		return nil
	}

	span.SetAttributes(attribute.Int("service.pgid", proc.PID()))
	// The group may outlive its leader, so it is signaled even when the leader is gone.
	if err := proc.Signal(unix.SIGTERM); err != nil {
		logger.Warn("send SIGTERM", "pgid", proc.PID(), "err", err)
	}

	var anomaly error
	if !c.awaitGroupExit(proc, c.stopTimeout) {
		leaderExited := !proc.Alive()
		logger.Warn("service group ignored SIGTERM, escalating",
			"pgid", proc.PID(),
			"timeout", c.stopTimeout.String(),
			"leader_exited", leaderExited,
		)
		if err := proc.Signal(unix.SIGKILL); err != nil {
			logger.Warn("send SIGKILL", "pgid", proc.PID(), "err", err)
		}
		if !c.awaitGroupExit(proc, c.forcedExitWait) {
			logger.Warn("service group still present after SIGKILL", "pgid", proc.PID())
		}
		format := "process group %d required SIGKILL after %s"
		if leaderExited {
			format = "process group %d outlived its leader and required SIGKILL after %s"
		}
		anomaly = failure.Newf(failure.ShutdownAnomaly, "stop service", format, proc.PID(), c.stopTimeout)
		handle.mu.Lock()
		handle.anomaly = true
		handle.diagnostic = anomaly.Error()
		handle.mu.Unlock()
		span.AddEvent("service.forced_kill")
	}
	// Anything that slipped into the group between the checks goes too.
	if err := proc.Signal(unix.SIGKILL); err != nil {
		logger.Debug("final group SIGKILL", "pgid", proc.PID(), "err", err)
	}

	c.transition(ctx, handle, state.ServiceStopped, "service stopped")
	logger.Info("service stopped", "pgid", proc.PID(), "forced", anomaly != nil)
	tracing.Finish(span, nil, "service stopped")
	return anomaly
}

// awaitGroupExit waits up to timeout for the leader to be reaped and the
// rest of its process group to disappear.
func (c *Controller) awaitGroupExit(proc Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	if _, err := proc.Wait(timeout); err != nil {
		return false
	}
	for proc.GroupAlive() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		time.Sleep(min(groupPollInterval, remaining))
	}
	return true
}

// Alive polls liveness. A Running service found dead moves to Failed.
func (c *Controller) Alive(ctx context.Context, handle *ServiceHandle) bool {
	proc := handle.process()
	if proc == nil {
		return false
	}
	if proc.Alive() {
		return handle.machine.Is(state.ServiceRunning)
	}
	if handle.machine.Is(state.ServiceRunning) {
		diagnostic := exitedDuringRun(proc)
		c.markFailed(ctx, handle, diagnostic)
		c.logger.Warn("service exited unexpectedly", "service", handle.path, "pid", proc.PID(), "diagnostic", diagnostic)
	}
	return false
}

func (c *Controller) markFailed(ctx context.Context, handle *ServiceHandle, diagnostic string) {
	handle.setDiagnostic(diagnostic)
	c.transition(ctx, handle, state.ServiceFailed, diagnostic)
}

func (c *Controller) transition(ctx context.Context, handle *ServiceHandle, to, reason string) {
	if err := handle.machine.Transition(ctx, to, reason); err != nil {
		c.logger.Warn("service state transition rejected", "service", handle.path, "to", to, "err", err)
	}
}

func startupDiagnostic(cause error, output Output) string {
	var builder strings.Builder
	builder.WriteString(cause.Error())
	if text := strings.TrimSpace(output.Stdout); text != "" {
		fmt.Fprintf(&builder, "\nstdout: %s", tracing.TruncateOutput(text, tracing.MaxOutputEventBytes))
	}
	if text := strings.TrimSpace(output.Stderr); text != "" {
		fmt.Fprintf(&builder, "\nstderr: %s", tracing.TruncateOutput(text, tracing.MaxOutputEventBytes))
	}
	return builder.String()
}

func exitedDuringRun(proc Process) string {
	info, err := proc.Wait(0)
	if err != nil {
		return "service exited"
	}
	if info.Signaled {
		return fmt.Sprintf("service exited (signal %s)", info.Signal)
	}
	return fmt.Sprintf("service exited (exit code %d)", info.Code)
}
