// Package processtest provides scripted process fakes for orchestration tests.
package processtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/process"
	"golang.org/x/sys/unix"
)

// Behavior scripts how one fake process responds.
type Behavior struct {
	// ExitOnClose makes the process exit with Exit once stdin is closed.
	ExitOnClose bool
	// ExitImmediately makes the process exit with Exit as soon as it spawns.
	ExitImmediately bool
	// IgnoreTERM keeps the process running after SIGTERM.
	IgnoreTERM bool
	// LingeringGroup keeps a group member alive after the leader exits,
	// until SIGKILL reaches the group.
	LingeringGroup bool
	Exit           process.ExitInfo
	Stdout         string
	Stderr         string
	// SpawnErr fails the spawn itself.
	SpawnErr error
}

// Spawner hands out fake processes. Each Spawn consumes the next behavior
// whose key matches the spec path; Default applies when none is queued.
type Spawner struct {
	mu        sync.Mutex
	queued    map[string][]Behavior
	Default   Behavior
	spawned   []*Process
	nextPID   int
	onSpawned func(*Process)
}

// NewSpawner returns an empty fake spawner.
func NewSpawner() *Spawner {
	return &Spawner{queued: map[string][]Behavior{}, nextPID: 1000}
}

// Queue appends behaviors for processes launched from path.
func (s *Spawner) Queue(path string, behaviors ...Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[path] = append(s.queued[path], behaviors...)
}

// OnSpawn registers a hook that runs after each successful spawn.
func (s *Spawner) OnSpawn(hook func(*Process)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpawned = hook
}

// Spawn implements process.Spawner.
func (s *Spawner) Spawn(_ context.Context, spec process.Spec) (process.Process, error) {
	s.mu.Lock()
	behavior := s.Default
	if queue := s.queued[spec.Path]; len(queue) > 0 {
		behavior = queue[0]
		s.queued[spec.Path] = queue[1:]
	}
	if behavior.SpawnErr != nil {
		s.mu.Unlock()
		return nil, behavior.SpawnErr
	}
	s.nextPID++
	proc := &Process{
		spec:     spec,
		pid:      s.nextPID,
		behavior: behavior,
		done:     make(chan struct{}),
	}
	s.spawned = append(s.spawned, proc)
	hook := s.onSpawned
	s.mu.Unlock()

	if behavior.ExitImmediately {
		proc.finish(behavior.Exit)
	}
	if hook != nil {
		hook(proc)
	}
	return proc, nil
}

// Spawned returns every process launched so far, in order.
func (s *Spawner) Spawned() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.spawned...)
}

// SpawnCount returns how many processes were launched.
func (s *Spawner) SpawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

// Process is a scripted process.Process.
type Process struct {
	spec     process.Spec
	pid      int
	behavior Behavior

	mu      sync.Mutex
	input   []byte
	closed  bool
	signals []unix.Signal
	killed  bool
	exit    process.ExitInfo
	done    chan struct{}
	once    sync.Once
}

// Spec returns the launch spec.
func (p *Process) Spec() process.Spec {
	return p.spec
}

// Input returns everything written to stdin.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.input)
}

// Signals returns the signals delivered so far.
func (p *Process) Signals() []unix.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]unix.Signal(nil), p.signals...)
}

// Exit ends the process with info.
func (p *Process) Exit(info process.ExitInfo) {
	p.finish(info)
}

func (p *Process) finish(info process.ExitInfo) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exit = info
		p.mu.Unlock()
		close(p.done)
	})
}

// PID implements process.Process.
func (p *Process) PID() int {
	return p.pid
}

// WriteInput implements process.Process.
func (p *Process) WriteInput(_ context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("write stdin: file already closed")
	}
	p.input = append(p.input, data...)
	return nil
}

// CloseInput implements process.Process.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if p.behavior.ExitOnClose {
		p.finish(p.behavior.Exit)
	}
	return nil
}

// Wait implements process.Process.
func (p *Process) Wait(timeout time.Duration) (process.ExitInfo, error) {
	if timeout <= 0 {
		select {
		case <-p.done:
			return p.exitInfo(), nil
		default:
			return process.ExitInfo{}, process.ErrWaitTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.exitInfo(), nil
	case <-timer.C:
		return process.ExitInfo{}, process.ErrWaitTimeout
	}
}

// Done implements process.Process.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive implements process.Process.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// GroupAlive implements process.Process.
func (p *Process) GroupAlive() bool {
	if p.Alive() {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.behavior.LingeringGroup && !p.killed
}

// Signal implements process.Process.
func (p *Process) Signal(sig unix.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	if sig == unix.SIGKILL {
		p.killed = true
	}
	p.mu.Unlock()

	switch {
	case sig == unix.SIGKILL:
		p.finish(process.ExitInfo{Code: -1, Signaled: true, Signal: unix.SignalName(sig)})
	case sig == unix.SIGTERM && !p.behavior.IgnoreTERM:
		p.finish(process.ExitInfo{Code: -1, Signaled: true, Signal: unix.SignalName(sig)})
	}
	return nil
}

// Output implements process.Process.
func (p *Process) Output() process.Output {
	return process.Output{Stdout: p.behavior.Stdout, Stderr: p.behavior.Stderr}
}

func (p *Process) exitInfo() process.ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

var _ process.Spawner = (*Spawner)(nil)
var _ process.Process = (*Process)(nil)
