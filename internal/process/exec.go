package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExecSpawner launches real OS processes in their own process groups.
type ExecSpawner struct {
	OutputLimit int
	// CaptureDir holds the unlinked output files; empty uses os.TempDir.
	CaptureDir string
}

// Spawn starts spec.Path. The context only guards the launch itself; the
// child's lifetime is controlled through the returned Process.
func (s ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if strings.TrimSpace(spec.Path) == "" {
		return nil, errors.New("process path is required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	limit := spec.OutputLimit
	if limit <= 0 {
		limit = s.OutputLimit
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := newCaptureFile(s.CaptureDir, "stdout", limit)
	if err != nil {
		return nil, err
	}
	stderr, err := newCaptureFile(s.CaptureDir, "stderr", limit)
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}
	// *os.File sinks are handed to the child directly, so Wait returns when
	// the leader exits even if group members still hold the streams.
	cmd.Stdout = stdout.file
	cmd.Stderr = stderr.file
	closeCaptures := func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}

	var stdin io.WriteCloser
	if spec.Stdin {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			closeCaptures()
			return nil, fmt.Errorf("open stdin for %s: %w", spec.Path, err)
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		closeCaptures()
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	proc := &execProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go proc.reap()
	return proc, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	pid    int
	stdin  io.WriteCloser
	stdout *captureFile
	stderr *captureFile

	closeOnce sync.Once
	closeErr  error

	done chan struct{}
	exit ExitInfo
}

func (p *execProcess) reap() {
	err := p.cmd.Wait()
	p.exit = exitInfoFrom(p.cmd.ProcessState, err)
	close(p.done)
}

func (p *execProcess) PID() int {
	return p.pid
}

func (p *execProcess) WriteInput(ctx context.Context, data []byte) error {
	if p.stdin == nil {
		return errors.New("stdin was not requested")
	}
	if len(data) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := make(chan error, 1)
	go func() {
		_, err := p.stdin.Write(data)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("write stdin: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The pending write unblocks once the child is reaped and the pipe closes.
		return ctx.Err()
	}
}

func (p *execProcess) CloseInput() error {
	if p.stdin == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		if err := p.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.closeErr = fmt.Errorf("close stdin: %w", err)
		}
	})
	return p.closeErr
}

func (p *execProcess) Wait(timeout time.Duration) (ExitInfo, error) {
	if timeout <= 0 {
		select {
		case <-p.done:
			return p.exit, nil
		default:
			return ExitInfo{}, ErrWaitTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.exit, nil
	case <-timer.C:
		return ExitInfo{}, ErrWaitTimeout
	}
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// GroupAlive reports whether any member of the process group still exists.
func (p *execProcess) GroupAlive() bool {
	err := unix.Kill(-p.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (p *execProcess) Signal(sig unix.Signal) error {
	if err := unix.Kill(-p.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s to process group %d: %w", unix.SignalName(sig), p.pid, err)
	}
	return nil
}

func (p *execProcess) Output() Output {
	stdout, stdoutTruncated := p.stdout.snapshot()
	stderr, stderrTruncated := p.stderr.snapshot()
	return Output{
		Stdout:          stdout,
		Stderr:          stderr,
		StdoutTruncated: stdoutTruncated,
		StderrTruncated: stderrTruncated,
	}
}

func exitInfoFrom(state *os.ProcessState, err error) ExitInfo {
	info := ExitInfo{Code: -1}
	if state != nil {
		info.Code = state.ExitCode()
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			info.Signaled = true
			info.Signal = unix.SignalName(status.Signal())
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		info.Err = err
	}
	return info
}

var _ Spawner = ExecSpawner{}
var _ Process = (*execProcess)(nil)
