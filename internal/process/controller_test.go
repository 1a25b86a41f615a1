package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Shunpei0902/ft-irc/internal/failure"
	"github.com/Shunpei0902/ft-irc/internal/state"
	"github.com/Shunpei0902/ft-irc/test"
)

func newTestController(stopTimeout time.Duration) *Controller {
	return NewController(Options{
		Readiness:      FixedDelay{Grace: 150 * time.Millisecond},
		StopTimeout:    stopTimeout,
		ForcedExitWait: 2 * time.Second,
		Secrets:        []string{"testpass"},
	})
}

func TestControllerStartAndGracefulStop(t *testing.T) {
	t.Parallel()

	server := test.WriteScript(t, "ircserv", "sleep 30 & wait")
	controller := newTestController(5 * time.Second)

	handle, err := controller.Start(context.Background(), server, []string{"6667", "testpass"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if handle.State() != state.ServiceRunning {
		t.Fatalf("state = %q, want %q", handle.State(), state.ServiceRunning)
	}
	if handle.PID() <= 0 || handle.PGID() != handle.PID() {
		t.Fatalf("pid = %d pgid = %d, want positive and equal", handle.PID(), handle.PGID())
	}
	if !controller.Alive(context.Background(), handle) {
		t.Fatal("Alive() = false for running service")
	}

	if err := controller.Stop(context.Background(), handle); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if handle.State() != state.ServiceStopped {
		t.Fatalf("state after stop = %q, want %q", handle.State(), state.ServiceStopped)
	}
	if handle.ForcedKill() {
		t.Fatal("graceful stop reported a forced kill")
	}
	if !test.ProcessGone(handle.PID()) {
		t.Fatalf("service pid %d still exists", handle.PID())
	}

	// Stopping twice is a no-op.
	if err := controller.Stop(context.Background(), handle); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if err := controller.Stop(context.Background(), nil); err != nil {
		t.Fatalf("Stop(nil) error = %v", err)
	}
}

func TestControllerStopEscalatesToSIGKILL(t *testing.T) {
	t.Parallel()

	server := test.WriteScript(t, "ircserv", "trap '' TERM\nwhile true; do sleep 1; done")
	controller := newTestController(200 * time.Millisecond)

	handle, err := controller.Start(context.Background(), server, []string{"6667", "testpass"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err = controller.Stop(context.Background(), handle)
	if !errors.Is(err, failure.Sentinel(failure.ShutdownAnomaly)) {
		t.Fatalf("Stop() error = %v, want shutdown anomaly", err)
	}
	if handle.State() != state.ServiceStopped {
		t.Fatalf("state = %q, want %q", handle.State(), state.ServiceStopped)
	}
	if !handle.ForcedKill() {
		t.Fatal("ForcedKill() = false, want true")
	}
	if !strings.Contains(handle.Diagnostic(), "SIGKILL") {
		t.Fatalf("diagnostic = %q, want SIGKILL mention", handle.Diagnostic())
	}
	test.Eventually(t, 2*time.Second, func() bool { return test.ProcessGone(handle.PID()) }, "service group should be gone")
}

func TestControllerStopKillsGroupMembersThatOutliveLeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	server := test.WriteScript(t, "ircserv", fmt.Sprintf(
		"(trap '' TERM; exec sleep 30) &\necho $! > %s\ntrap 'exit 0' TERM\nwhile true; do sleep 1; done",
		pidFile,
	))
	controller := newTestController(300 * time.Millisecond)

	handle, err := controller.Start(context.Background(), server, []string{"6667", "testpass"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	childPID := readPID(t, pidFile)

	err = controller.Stop(context.Background(), handle)
	if !errors.Is(err, failure.Sentinel(failure.ShutdownAnomaly)) {
		t.Fatalf("Stop() error = %v, want shutdown anomaly for lingering group member", err)
	}
	if !strings.Contains(err.Error(), "outlived its leader") {
		t.Fatalf("Stop() error = %q, want leader/group distinction", err.Error())
	}
	if handle.State() != state.ServiceStopped || !handle.ForcedKill() {
		t.Fatalf("state = %q forced = %v, want stopped and forced", handle.State(), handle.ForcedKill())
	}
	test.Eventually(t, 3*time.Second, func() bool { return test.ProcessGone(childPID) }, "group member should not survive Stop")
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	test.Eventually(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || parsed <= 0 {
			return false
		}
		pid = parsed
		return true
	}, "child pid file should be written")
	return pid
}

func TestControllerStartFailureCarriesOutput(t *testing.T) {
	t.Parallel()

	server := test.WriteScript(t, "ircserv", "echo 'bind: address already in use' >&2\nexit 1")
	controller := newTestController(time.Second)

	handle, err := controller.Start(context.Background(), server, []string{"6667", "testpass"})
	if failure.KindOf(err) != failure.StartupFailure {
		t.Fatalf("Start() error = %v, want startup failure", err)
	}
	if handle == nil || handle.State() != state.ServiceFailed {
		t.Fatalf("handle = %+v, want failed handle", handle)
	}
	if !strings.Contains(handle.Diagnostic(), "address already in use") {
		t.Fatalf("diagnostic = %q, want captured stderr", handle.Diagnostic())
	}
	if !strings.Contains(handle.Diagnostic(), "exit code 1") {
		t.Fatalf("diagnostic = %q, want exit code", handle.Diagnostic())
	}

	if err := controller.Stop(context.Background(), handle); err != nil {
		t.Fatalf("Stop() on failed handle error = %v", err)
	}
	if handle.State() != state.ServiceStopped {
		t.Fatalf("state = %q, want %q", handle.State(), state.ServiceStopped)
	}
}

func TestControllerStartMissingExecutable(t *testing.T) {
	t.Parallel()

	controller := newTestController(time.Second)
	handle, err := controller.Start(context.Background(), "/nonexistent/ircserv", nil)
	if !errors.Is(err, failure.Sentinel(failure.StartupFailure)) {
		t.Fatalf("Start() error = %v, want startup failure", err)
	}
	if handle.State() != state.ServiceFailed {
		t.Fatalf("state = %q, want %q", handle.State(), state.ServiceFailed)
	}
	if handle.PID() != 0 {
		t.Fatalf("pid = %d, want 0", handle.PID())
	}
	if err := controller.Stop(context.Background(), handle); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if handle.State() != state.ServiceStopped {
		t.Fatalf("state = %q, want %q", handle.State(), state.ServiceStopped)
	}
}

func TestControllerAliveDetectsUnexpectedExit(t *testing.T) {
	t.Parallel()

	server := test.WriteScript(t, "ircserv", "sleep 0.4\nexit 4")
	controller := newTestController(time.Second)

	handle, err := controller.Start(context.Background(), server, nil)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-handle.process().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not exit")
	}

	if controller.Alive(context.Background(), handle) {
		t.Fatal("Alive() = true for exited service")
	}
	if handle.State() != state.ServiceFailed {
		t.Fatalf("state = %q, want %q", handle.State(), state.ServiceFailed)
	}
	if !strings.Contains(handle.Diagnostic(), "exit code 4") {
		t.Fatalf("diagnostic = %q", handle.Diagnostic())
	}
}

func TestControllerStartRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := newTestController(time.Second).Start(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
