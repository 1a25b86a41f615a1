// Package process supervises child processes for the harness: the
// service-under-test and the scripted client sessions.
//
// Every child is started as the leader of its own process group so that
// termination reaches anything it forks.
package process

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultOutputLimitBytes bounds each captured stream.
const DefaultOutputLimitBytes = 4 << 20

// ErrWaitTimeout is returned by Process.Wait when the process is still running.
var ErrWaitTimeout = errors.New("process did not exit before timeout")

// Spec describes one process to launch.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	// Stdin requests a writable standard input pipe.
	Stdin       bool
	OutputLimit int
}

// Output is the captured standard streams of a process.
type Output struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
}

// ExitInfo describes how a reaped process ended.
type ExitInfo struct {
	Code     int
	Signaled bool
	Signal   string
	Err      error
}

// Clean reports a zero exit status without a terminating signal.
func (e ExitInfo) Clean() bool {
	return e.Code == 0 && !e.Signaled && e.Err == nil
}

// Spawner launches processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// Process is one launched child and its process group.
type Process interface {
	PID() int
	// WriteInput writes to stdin, giving up when ctx ends.
	WriteInput(ctx context.Context, data []byte) error
	CloseInput() error
	// Wait blocks until the process is reaped or timeout elapses. A
	// non-positive timeout polls once.
	Wait(timeout time.Duration) (ExitInfo, error)
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	Alive() bool
	// GroupAlive reports whether the leader or anything left in its process
	// group still exists.
	GroupAlive() bool
	// Signal delivers sig to the whole process group.
	Signal(sig unix.Signal) error
	Output() Output
}
