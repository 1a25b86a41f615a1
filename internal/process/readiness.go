package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultStartupGrace is the fixed wait after launching the service.
	DefaultStartupGrace = 2 * time.Second
	// DefaultReadinessTimeout bounds TCP readiness probing.
	DefaultReadinessTimeout = 10 * time.Second

	dialAttemptTimeout = 500 * time.Millisecond
)

// ErrExitedDuringStartup reports that the service died before it was ready.
var ErrExitedDuringStartup = errors.New("service exited during startup")

// ReadinessProbe decides when a freshly launched service can accept sessions.
type ReadinessProbe interface {
	Ready(ctx context.Context, proc Process) error
}

// FixedDelay waits Grace and then polls liveness once.
type FixedDelay struct {
	Grace time.Duration
}

// Ready implements ReadinessProbe.
func (f FixedDelay) Ready(ctx context.Context, proc Process) error {
	grace := f.Grace
	if grace <= 0 {
		grace = DefaultStartupGrace
	}
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-proc.Done():
	case <-timer.C:
	}

	if !proc.Alive() {
		return exitedDuringStartup(proc)
	}
	return nil
}

// TCPProbe dials Address:Port with exponential backoff until it connects,
// the process exits, or Timeout elapses.
type TCPProbe struct {
	Address string
	Port    int
	Timeout time.Duration
	// Dial defaults to a net.Dialer bounded per attempt.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Ready implements ReadinessProbe.
func (p TCPProbe) Ready(ctx context.Context, proc Process) error {
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("readiness port %d out of range", p.Port)
	}
	address := p.Address
	if address == "" {
		address = "127.0.0.1"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultReadinessTimeout
	}
	dial := p.Dial
	if dial == nil {
		dialer := &net.Dialer{Timeout: dialAttemptTimeout}
		dial = dialer.DialContext
	}
	if ctx == nil {
		ctx = context.Background()
	}
	target := net.JoinHostPort(address, strconv.Itoa(p.Port))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if !proc.Alive() {
			return struct{}{}, backoff.Permanent(exitedDuringStartup(proc))
		}
		conn, err := dial(ctx, "tcp", target)
		if err != nil {
			return struct{}{}, err
		}
		_ = conn.Close()
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(timeout))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrExitedDuringStartup) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("service not accepting connections on %s after %s: %w", target, timeout, err)
}

func exitedDuringStartup(proc Process) error {
	info, err := proc.Wait(0)
	if err != nil {
		return ErrExitedDuringStartup
	}
	if info.Signaled {
		return fmt.Errorf("%w (signal %s)", ErrExitedDuringStartup, info.Signal)
	}
	return fmt.Errorf("%w (exit code %d)", ErrExitedDuringStartup, info.Code)
}

var _ ReadinessProbe = FixedDelay{}
var _ ReadinessProbe = TCPProbe{}
