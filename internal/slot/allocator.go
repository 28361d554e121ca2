package slot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zpdzap/slotpool/internal/lock"
)

var (
	// ErrAllExhausted means every slot was busy and the caller asked not to
	// wait.
	ErrAllExhausted = errors.New("no free slots available")

	// ErrAllocationTimeout means every slot stayed busy until the allocation
	// timeout elapsed.
	ErrAllocationTimeout = errors.New("timed out waiting for a free slot")
)

// Policy controls what Allocate does when a full pass finds no free slot.
type Policy struct {
	// Wait retries with backoff until Timeout elapses. When false, Allocate
	// fails immediately with ErrAllExhausted.
	Wait bool

	// Timeout bounds waiting. Zero waits until the context is done.
	Timeout time.Duration

	// MinBackoff and MaxBackoff bound the delay between passes.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Allocator claims slots from a Registry. It keeps no state of its own:
// exclusivity comes entirely from the per-slot file lock, so allocators in
// different processes cooperate without knowing about each other.
type Allocator struct {
	registry *Registry
	policy   Policy
	logger   *slog.Logger
}

// NewAllocator returns an allocator over reg.
func NewAllocator(reg *Registry, policy Policy, logger *slog.Logger) *Allocator {
	if policy.MinBackoff <= 0 {
		policy.MinBackoff = 200 * time.Millisecond
	}
	if policy.MaxBackoff < policy.MinBackoff {
		policy.MaxBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{registry: reg, policy: policy, logger: logger}
}

// Lease is a live exclusive claim on a slot.
type Lease struct {
	Slot       Slot
	AcquiredAt time.Time

	once sync.Once
	lock *lock.Lock
	err  error
}

// Release ends the lease. It is safe to call more than once; only the first
// call touches the lock.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.lock.Release()
	})
	return l.err
}

// Allocate scans slots in ascending index order and returns a lease on the
// first one whose lock can be taken. Lower indices are always preferred.
func (a *Allocator) Allocate(ctx context.Context) (*Lease, error) {
	if a.policy.Wait && a.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.policy.Timeout)
		defer cancel()
	}

	backoff := a.policy.MinBackoff
	for pass := 1; ; pass++ {
		lease, err := a.tryAll()
		if err != nil || lease != nil {
			return lease, err
		}

		if !a.policy.Wait {
			return nil, ErrAllExhausted
		}
		if pass == 1 {
			a.logger.Info("all slots busy, waiting", "slots", a.registry.Len(), "timeout", a.policy.Timeout)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrAllocationTimeout
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, a.policy.MaxBackoff)
	}
}

func (a *Allocator) tryAll() (*Lease, error) {
	for _, s := range a.registry.slots {
		l, err := lock.TryAcquire(s.LockPath)
		if errors.Is(err, lock.ErrBusy) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s, err)
		}
		a.logger.Debug("slot acquired", "slot", s.Index, "container", s.Container)
		return &Lease{Slot: s, AcquiredAt: time.Now(), lock: l}, nil
	}
	return nil, nil
}

// Busy reports whether s is currently leased by anyone. It only observes
// the lock, so it never makes a concurrent Allocate skip the slot. The
// answer can be stale by the time the caller acts on it.
func Busy(s Slot) (busy bool, err error) {
	return lock.IsHeld(s.LockPath)
}

// Hold takes the lock of one specific slot without waiting. It is used by
// maintenance operations that must exclude sessions from a slot.
func Hold(s Slot) (*Lease, error) {
	l, err := lock.TryAcquire(s.LockPath)
	if err != nil {
		return nil, err
	}
	return &Lease{Slot: s, AcquiredAt: time.Now(), lock: l}, nil
}
