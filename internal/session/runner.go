package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/clientconfig"
	"github.com/Shunpei0902/ft-irc/internal/failure"
	"github.com/Shunpei0902/ft-irc/internal/process"
	"github.com/Shunpei0902/ft-irc/internal/tracing"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

const (
	// DefaultClient is the interactive client executable.
	DefaultClient = "irssi"
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout = 10 * time.Second
	// TimeoutMessage is the Result.Error of a session killed at its deadline.
	TimeoutMessage = "timed out"
	// CanceledMessage is the Result.Error of a session cut short by the caller.
	CanceledMessage = "canceled"

	defaultKillWait = 2 * time.Second
)

// Request describes one session to run.
type Request struct {
	Identity clientconfig.Identity
	Target   clientconfig.Target
	Script   Script
	Timeout  time.Duration
}

// Result is the outcome of one Run.
type Result struct {
	Nickname string
	Commands []string
	// Success is a clean client exit within the timeout.
	Success  bool
	Output   string
	Stderr   string
	Error    string
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Failure  failure.Kind
}

// Options configures a Runner.
type Options struct {
	Client      string
	Spawner     process.Spawner
	Builder     clientconfig.Builder
	OutputLimit int
	// TempRoot is where per-session directories are created; empty uses os.TempDir.
	TempRoot string
	KillWait time.Duration
	Logger   *log.Logger
	Tracer   trace.Tracer
}

// Runner launches the client once per Request.
type Runner struct {
	client      string
	spawner     process.Spawner
	builder     clientconfig.Builder
	outputLimit int
	tempRoot    string
	killWait    time.Duration
	logger      *log.Logger
	tracer      trace.Tracer
}

// NewRunner builds a Runner with defaults for omitted options.
func NewRunner(opts Options) *Runner {
	runner := &Runner{
		client:      strings.TrimSpace(opts.Client),
		spawner:     opts.Spawner,
		builder:     opts.Builder,
		outputLimit: opts.OutputLimit,
		tempRoot:    opts.TempRoot,
		killWait:    opts.KillWait,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
	}
	if runner.client == "" {
		runner.client = DefaultClient
	}
	if runner.spawner == nil {
		runner.spawner = process.ExecSpawner{}
	}
	if runner.outputLimit <= 0 {
		runner.outputLimit = process.DefaultOutputLimitBytes
	}
	if runner.killWait <= 0 {
		runner.killWait = defaultKillWait
	}
	if runner.logger == nil {
		runner.logger = log.New(io.Discard)
	}
	if runner.tracer == nil {
		runner.tracer = otel.Tracer("irctest/session")
	}
	return runner
}

// Client returns the client executable the runner launches.
func (r *Runner) Client() string {
	return r.client
}

// Run executes req and always returns exactly one Result. It never retries.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	result := Result{
		Nickname: req.Identity.Nickname,
		Commands: req.Script.Commands(),
		ExitCode: -1,
	}

	ctx, span := r.tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String("session.nickname", req.Identity.Nickname),
		attribute.Int("session.commands", req.Script.Len()),
		attribute.Int64("session.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()
	logger := r.logger.With("nickname", req.Identity.Nickname)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	finish := func(err error) Result {
		result.Duration = time.Since(started)
		tracing.RecordOutput(span, result.Output, result.Stderr, req.Target.Password)
		span.SetAttributes(
			attribute.Bool("session.success", result.Success),
			attribute.Int("process.exit_code", result.ExitCode),
			attribute.Int64("duration_ms", result.Duration.Milliseconds()),
		)
		tracing.Finish(span, err, "session finished")
		logger.Info(
			"session finished",
			"success", result.Success,
			"exit_code", result.ExitCode,
			"timed_out", result.TimedOut,
			"duration", result.Duration.String(),
		)
		return result
	}
	fail := func(op string, err error) Result {
		result.Error = err.Error()
		result.Failure = failure.SessionProcessError
		logger.Error("session failed", "op", op, "err", err)
		return finish(failure.New(failure.SessionProcessError, op, err))
	}

	dir, err := os.MkdirTemp(r.tempRoot, "irctest-session-*")
	if err != nil {
		return fail("create session directory", err)
	}
	defer os.RemoveAll(dir)

	cfg, err := r.builder.Build(req.Identity, req.Target, dir)
	if err != nil {
		return fail("build client config", err)
	}

	args := []string{"--home", dir, "--config", cfg.Path, "--noconnect"}
	span.SetAttributes(attribute.String("process.command", tracing.FormatCommand(r.client, args)))
	proc, err := r.spawner.Spawn(runCtx, process.Spec{
		Path:        r.client,
		Args:        args,
		Dir:         dir,
		Stdin:       true,
		OutputLimit: r.outputLimit,
	})
	if err != nil {
		return fail("launch client", err)
	}
	logger.Debug("client launched", "pid", proc.PID(), "timeout", timeout.String())

	input := req.Script.Input(cfg.Target)
	if err := proc.WriteInput(runCtx, []byte(input)); err != nil {
		// A client that exits before reading everything is judged by its exit status.
		logger.Debug("write client input", "err", err)
	}
	if err := proc.CloseInput(); err != nil {
		logger.Debug("close client input", "err", err)
	}

	info, waitErr := waitForExit(runCtx, proc)
	if waitErr != nil {
		if err := proc.Signal(unix.SIGKILL); err != nil {
			logger.Warn("kill client", "pid", proc.PID(), "err", err)
		}
		if _, err := proc.Wait(r.killWait); err != nil {
			logger.Warn("client still running after SIGKILL", "pid", proc.PID(), "err", err)
		}
		output := proc.Output()
		result.Output = output.Stdout
		result.Stderr = output.Stderr
		if ctx.Err() != nil {
			result.Error = CanceledMessage
			result.Failure = failure.SessionProcessError
			return finish(failure.New(failure.SessionProcessError, "run session", ctx.Err()))
		}
		result.Error = TimeoutMessage
		result.TimedOut = true
		result.Failure = failure.SessionTimeout
		logger.Warn("session timed out", "pid", proc.PID(), "timeout", timeout.String())
		return finish(failure.Newf(failure.SessionTimeout, "run session", "client exceeded %s", timeout))
	}

	// The verdict belongs to the leader; anything it left in its group is
	// killed before the output is read.
	if err := proc.Signal(unix.SIGKILL); err != nil {
		logger.Debug("kill client group", "pid", proc.PID(), "err", err)
	}

	output := proc.Output()
	result.Output = output.Stdout
	result.Stderr = output.Stderr
	result.ExitCode = info.Code
	result.Success = info.Clean()
	switch {
	case info.Signaled:
		result.Error = fmt.Sprintf("client killed by %s", info.Signal)
	case info.Code != 0:
		result.Error = fmt.Sprintf("client exited with code %d", info.Code)
	case info.Err != nil:
		result.Error = info.Err.Error()
	}
	return finish(nil)
}

func waitForExit(ctx context.Context, proc process.Process) (process.ExitInfo, error) {
	select {
	case <-proc.Done():
		info, err := proc.Wait(0)
		if err != nil && !errors.Is(err, process.ErrWaitTimeout) {
			return process.ExitInfo{}, err
		}
		return info, nil
	case <-ctx.Done():
		return process.ExitInfo{}, ctx.Err()
	}
}
