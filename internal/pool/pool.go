// Package pool inspects and maintains the slots of a pool from outside any
// session: which slots are leased, what their containers are doing, and
// reaping containers left behind by crashed sessions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zpdzap/slotpool/internal/fsutil"
	"github.com/zpdzap/slotpool/internal/lock"
	"github.com/zpdzap/slotpool/internal/runtime"
	"github.com/zpdzap/slotpool/internal/slot"
	"github.com/zpdzap/slotpool/internal/snapshot"
)

var (
	// ErrLeased means the slot is in use by a session and cannot be reaped.
	ErrLeased = errors.New("slot is leased")
	// ErrNoSuchSlot means the index is outside the pool.
	ErrNoSuchSlot = errors.New("no such slot")
)

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	Slot   slot.Slot
	Leased bool
	// Owner is the pid of the leasing process, or 0 if unknown or free.
	Owner     int
	Container runtime.Status
	// Reaping is set while a Reap of this slot is in progress.
	Reaping bool
	Err     error
}

// Orphaned reports whether the slot has a container but no session. This
// is what a crashed orchestrator leaves behind.
func (s SlotStatus) Orphaned() bool {
	if s.Leased {
		return false
	}
	return s.Container == runtime.StatusRunning || s.Container == runtime.StatusCreating
}

// Manager reports on and maintains a pool.
type Manager struct {
	reg    *slot.Registry
	rt     runtime.Runtime
	remove fsutil.Remover
	logger *slog.Logger

	mu      sync.Mutex
	reaping map[int]bool
}

// New returns a Manager for the slots in reg. remove, if non-nil, deletes
// workspace entries the current user cannot when a slot is reaped.
func New(reg *slot.Registry, rt runtime.Runtime, remove fsutil.Remover, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{reg: reg, rt: rt, remove: remove, logger: logger, reaping: make(map[int]bool)}
}

// Slots returns the pool's slots in index order.
func (m *Manager) Slots() []slot.Slot { return m.reg.List() }

// Status polls every slot's lock and container.
func (m *Manager) Status(ctx context.Context) []SlotStatus {
	slots := m.reg.List()
	out := make([]SlotStatus, len(slots))

	var wg sync.WaitGroup
	for i, s := range slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = m.inspect(ctx, s)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	for i := range out {
		out[i].Reaping = m.reaping[out[i].Slot.Index]
	}
	m.mu.Unlock()
	return out
}

func (m *Manager) inspect(ctx context.Context, s slot.Slot) SlotStatus {
	st := SlotStatus{Slot: s}
	busy, err := slot.Busy(s)
	if err != nil {
		st.Err = fmt.Errorf("probing lock: %w", err)
	}
	st.Leased = busy
	if busy {
		st.Owner = lock.Owner(s.LockPath)
	}

	status, err := m.rt.Status(ctx, s.Container)
	if err != nil {
		st.Container = runtime.StatusError
		st.Err = errors.Join(st.Err, fmt.Errorf("inspecting container: %w", err))
	} else {
		st.Container = status
	}
	return st
}

// MarkReaping flags a slot as being reaped so dashboards can show feedback
// before the slow runtime calls finish.
func (m *Manager) MarkReaping(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reaping[index] = true
}

// Reap stops the container of an idle slot and wipes its workspace. The
// slot lock is held for the duration, so no session can start on the slot
// meanwhile; a slot that is currently leased is refused with ErrLeased.
func (m *Manager) Reap(ctx context.Context, index int) error {
	defer func() {
		m.mu.Lock()
		delete(m.reaping, index)
		m.mu.Unlock()
	}()

	s, ok := m.reg.Get(index)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchSlot, index)
	}

	lease, err := slot.Hold(s)
	if errors.Is(err, lock.ErrBusy) {
		return fmt.Errorf("%s: %w (owner pid %d)", s, ErrLeased, lock.Owner(s.LockPath))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	defer lease.Release()

	m.logger.Info("reaping slot", "slot", s.Index, "container", s.Container)
	var errs []error
	if err := m.rt.Stop(ctx, s.Container); err != nil {
		errs = append(errs, fmt.Errorf("stopping container: %w", err))
	}
	if err := snapshot.Wipe(ctx, s.Workspace, m.remove); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	return nil
}

// ReapOrphans reaps every slot whose container outlived its session and
// returns the indices it reaped.
func (m *Manager) ReapOrphans(ctx context.Context) ([]int, error) {
	var reaped []int
	var errs []error
	for _, st := range m.Status(ctx) {
		if !st.Orphaned() {
			continue
		}
		err := m.Reap(ctx, st.Slot.Index)
		if errors.Is(err, ErrLeased) {
			// A session claimed it since the status poll.
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reaped = append(reaped, st.Slot.Index)
	}
	return reaped, errors.Join(errs...)
}

// Summary counts free and leased slots.
func Summary(statuses []SlotStatus) (free, leased int) {
	for _, s := range statuses {
		if s.Leased {
			leased++
		} else {
			free++
		}
	}
	return free, leased
}
