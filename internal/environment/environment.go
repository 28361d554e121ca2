package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zpdzap/slotpool/internal/runtime"
	"github.com/zpdzap/slotpool/internal/slot"
)

var (
	// ErrStartupTimeout is returned by Start when the container does not
	// report running within the startup timeout.
	ErrStartupTimeout = errors.New("environment startup timed out")
	// ErrStartupFailure wraps a runtime error from creating or starting the
	// container.
	ErrStartupFailure = errors.New("environment failed to start")
	// ErrNotReady is returned by Exec on a Handle that is not running.
	ErrNotReady = errors.New("environment is not ready")
	// ErrTeardown wraps a failure to stop or remove the container.
	ErrTeardown = errors.New("environment teardown failed")
)

// State of a Handle.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Options configures a Controller.
type Options struct {
	// MountPoint is where the slot workspace appears inside the container.
	MountPoint string

	// StartupTimeout bounds Start, including readiness and network checks.
	StartupTimeout time.Duration

	// StopTimeout bounds each Stop call.
	StopTimeout time.Duration

	// PollInterval paces readiness checks.
	PollInterval time.Duration

	// ReadyPorts, if set, must accept TCP connections on the slot address
	// before the environment counts as ready.
	ReadyPorts []int

	Logger *slog.Logger
}

// Controller starts environments on a runtime.
type Controller struct {
	rt   runtime.Runtime
	opts Options
}

// NewController returns a Controller using rt.
func NewController(rt runtime.Runtime, opts Options) *Controller {
	if opts.MountPoint == "" {
		opts.MountPoint = "/work"
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 2 * time.Minute
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{rt: rt, opts: opts}
}

// Handle is one environment instance. It is owned by a single session.
type Handle struct {
	rt          runtime.Runtime
	slot        slot.Slot
	mountPoint  string
	stopTimeout time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	state       State
	readyAt     time.Time
	teardownErr error
}

// Start brings up the environment for s and waits until it is ready. The
// returned Handle is never nil, even on error, so callers can always defer
// Stop on it; after a failed Start the handle is already stopped and Stop
// is a no-op.
func (c *Controller) Start(ctx context.Context, s slot.Slot) (*Handle, error) {
	h := &Handle{
		rt:          c.rt,
		slot:        s,
		mountPoint:  c.opts.MountPoint,
		stopTimeout: c.opts.StopTimeout,
		logger:      c.opts.Logger.With("slot", s.Index, "container", s.Container),
		state:       StateIdle,
	}

	startCtx, cancel := context.WithTimeout(ctx, c.opts.StartupTimeout)
	defer cancel()

	h.setState(StateStarting)
	h.logger.Info("starting environment", "workspace", s.Workspace, "address", s.Address)

	err := c.rt.Start(startCtx, runtime.StartSpec{
		Name:       s.Container,
		Workspace:  s.Workspace,
		MountPoint: c.opts.MountPoint,
		Address:    s.Address,
	})
	if err == nil {
		err = c.waitReady(startCtx, s.Container)
	}
	if err == nil && len(c.opts.ReadyPorts) > 0 {
		err = c.waitNetwork(startCtx, s.Address)
	}

	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = fmt.Errorf("starting %s: %w", s.Container, ctx.Err())
		case startCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w after %v: %s: %v", ErrStartupTimeout, c.opts.StartupTimeout, s.Container, err)
		default:
			err = fmt.Errorf("%w: %s: %w", ErrStartupFailure, s.Container, err)
		}
		h.setState(StateFailed)
		h.logger.Warn("environment startup failed, force-stopping", "error", err)
		_ = h.Stop(ctx)
		return h, err
	}

	h.mu.Lock()
	h.state = StateReady
	h.readyAt = time.Now()
	h.mu.Unlock()
	h.logger.Info("environment ready")
	return h, nil
}

func (c *Controller) waitReady(ctx context.Context, name string) error {
	limiter := rate.NewLimiter(rate.Every(c.opts.PollInterval), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			return waitErr(ctx, lastErr)
		}
		ready, err := c.rt.Ready(ctx, name)
		if err != nil {
			lastErr = err
			continue
		}
		if ready {
			return nil
		}
	}
}

// waitNetwork is the optional pre-execution gate: every ready port must
// accept a TCP connection on the slot address.
func (c *Controller) waitNetwork(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("ready ports configured but slot has no address")
	}
	limiter := rate.NewLimiter(rate.Every(c.opts.PollInterval), 1)
	dialer := net.Dialer{Timeout: time.Second}
	for _, port := range c.opts.ReadyPorts {
		target := net.JoinHostPort(address, strconv.Itoa(port))
		var lastErr error
		for {
			if err := limiter.Wait(ctx); err != nil {
				return waitErr(ctx, lastErr)
			}
			conn, err := dialer.DialContext(ctx, "tcp", target)
			if err != nil {
				lastErr = fmt.Errorf("dialing %s: %w", target, err)
				continue
			}
			_ = conn.Close()
			break
		}
	}
	return nil
}

// waitErr turns a failed limiter wait into a deadline error. rate.Limiter
// refuses to wait past the context deadline before the deadline is actually
// reached, so ctx.Err() may still be nil here.
func waitErr(ctx context.Context, last error) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if last != nil {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, last)
	}
	return context.DeadlineExceeded
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Slot returns the slot this environment is bound to.
func (h *Handle) Slot() slot.Slot { return h.slot }

// MountPoint returns the in-container workspace path.
func (h *Handle) MountPoint() string { return h.mountPoint }

// Exec runs a command inside a ready environment. Commands start in the
// workspace mount point unless spec.Dir says otherwise.
func (h *Handle) Exec(ctx context.Context, spec runtime.ExecSpec) (int, error) {
	if st := h.State(); st != StateReady {
		return -1, fmt.Errorf("%w (state %s)", ErrNotReady, st)
	}
	if spec.Dir == "" {
		spec.Dir = h.mountPoint
	}
	return h.rt.Exec(ctx, h.slot.Container, spec)
}

// Stop tears the environment down and discards its private state. The
// first call does the work; later calls return nil. Stop runs with its own
// timeout detached from ctx's cancellation so cancelled sessions still
// clean up.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateStopped:
		return nil
	case StateIdle:
		h.state = StateStopped
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.stopTimeout)
	defer cancel()

	err := h.rt.Stop(stopCtx, h.slot.Container)
	h.state = StateStopped
	if err != nil {
		h.teardownErr = fmt.Errorf("%w: %s: %w", ErrTeardown, h.slot.Container, err)
		h.logger.Warn("environment teardown failed; container may need reaping", "error", err)
		return h.teardownErr
	}
	h.logger.Info("environment stopped")
	return nil
}

// TeardownErr returns the error from the first Stop, if it failed.
func (h *Handle) TeardownErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.teardownErr
}
