package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/zpdzap/slotpool/internal/config"
	"github.com/zpdzap/slotpool/internal/runtime"
	"github.com/zpdzap/slotpool/internal/runtime/runtimetest"
	"github.com/zpdzap/slotpool/internal/slot"
)

func newManager(t *testing.T, slots int) (*Manager, *runtimetest.Fake, *slot.Registry) {
	t.Helper()
	cfg := &config.Pool{Slots: slots, StateDir: t.TempDir()}
	cfg.ApplyDefaults()
	reg, err := slot.NewRegistry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	rt := &runtimetest.Fake{}
	return New(reg, rt, nil, nil), rt, reg
}

func startContainer(t *testing.T, rt *runtimetest.Fake, s slot.Slot) {
	t.Helper()
	if err := os.MkdirAll(s.Workspace, 0o755); err != nil {
		t.Fatal(err)
	}
	err := rt.Start(context.Background(), runtime.StartSpec{Name: s.Container, Workspace: s.Workspace, MountPoint: "/work"})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStatus(t *testing.T) {
	m, rt, reg := newManager(t, 3)
	slots := reg.List()

	lease, err := slot.Hold(slots[0])
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()
	startContainer(t, rt, slots[0])
	startContainer(t, rt, slots[2])

	st := m.Status(context.Background())
	if len(st) != 3 {
		t.Fatalf("len(Status) = %d, want 3", len(st))
	}

	tests := []struct {
		leased    bool
		container runtime.Status
		orphaned  bool
	}{
		{true, runtime.StatusRunning, false},
		{false, runtime.StatusAbsent, false},
		{false, runtime.StatusRunning, true},
	}
	for i, tt := range tests {
		got := st[i]
		if got.Slot.Index != i+1 {
			t.Errorf("Status[%d].Slot.Index = %d", i, got.Slot.Index)
		}
		if got.Leased != tt.leased || got.Container != tt.container || got.Orphaned() != tt.orphaned {
			t.Errorf("slot %d: leased=%v container=%q orphaned=%v, want %v %q %v",
				i+1, got.Leased, got.Container, got.Orphaned(), tt.leased, tt.container, tt.orphaned)
		}
	}
	if st[0].Owner != os.Getpid() {
		t.Errorf("Owner = %d, want %d", st[0].Owner, os.Getpid())
	}

	free, leased := Summary(st)
	if free != 2 || leased != 1 {
		t.Errorf("Summary = %d free, %d leased, want 2, 1", free, leased)
	}
}

func TestStatusDoesNotLeaveLocksHeld(t *testing.T) {
	m, _, reg := newManager(t, 2)
	m.Status(context.Background())
	for _, s := range reg.List() {
		l, err := slot.Hold(s)
		if err != nil {
			t.Fatalf("Hold(%s) after Status: %v", s, err)
		}
		l.Release()
	}
}

func TestReap(t *testing.T) {
	m, rt, reg := newManager(t, 2)
	s := reg.List()[1]
	startContainer(t, rt, s)
	if err := os.WriteFile(filepath.Join(s.Workspace, "junk"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.Reap(context.Background(), 2); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if rt.Running(s.Container) {
		t.Error("container still running after Reap")
	}
	entries, _ := os.ReadDir(s.Workspace)
	if len(entries) != 0 {
		t.Errorf("workspace has %d entries after Reap", len(entries))
	}
	busy, _ := slot.Busy(s)
	if busy {
		t.Error("Reap left the slot leased")
	}
}

func TestReapReadOnlyWorkspace(t *testing.T) {
	m, rt, reg := newManager(t, 1)
	s := reg.List()[0]
	startContainer(t, rt, s)
	mod := filepath.Join(s.Workspace, "cache", "mod")
	if err := os.MkdirAll(mod, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mod, "x"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(mod, 0o555); err != nil {
		t.Fatal(err)
	}

	if err := m.Reap(context.Background(), 1); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	entries, _ := os.ReadDir(s.Workspace)
	if len(entries) != 0 {
		t.Errorf("workspace has %d entries after Reap", len(entries))
	}
}

func TestReapRefusesLeasedSlot(t *testing.T) {
	m, rt, reg := newManager(t, 1)
	s := reg.List()[0]
	startContainer(t, rt, s)

	lease, err := slot.Hold(s)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	err = m.Reap(context.Background(), 1)
	if !errors.Is(err, ErrLeased) {
		t.Fatalf("Reap error = %v, want ErrLeased", err)
	}
	if !rt.Running(s.Container) {
		t.Error("Reap stopped the container of a leased slot")
	}
	if n := rt.Count("stop"); n != 0 {
		t.Errorf("stop calls = %d, want 0", n)
	}
}

func TestReapUnknownSlot(t *testing.T) {
	m, _, _ := newManager(t, 1)
	for _, idx := range []int{0, 2, -1} {
		if err := m.Reap(context.Background(), idx); !errors.Is(err, ErrNoSuchSlot) {
			t.Errorf("Reap(%d) error = %v, want ErrNoSuchSlot", idx, err)
		}
	}
}

func TestReapStopFailure(t *testing.T) {
	m, rt, reg := newManager(t, 1)
	startContainer(t, rt, reg.List()[0])
	rt.StopErr = errors.New("daemon down")

	if err := m.Reap(context.Background(), 1); err == nil {
		t.Fatal("Reap succeeded although stop failed")
	}
	busy, _ := slot.Busy(reg.List()[0])
	if busy {
		t.Error("lock not released after failed Reap")
	}
}

func TestReapOrphans(t *testing.T) {
	m, rt, reg := newManager(t, 3)
	slots := reg.List()
	startContainer(t, rt, slots[0])
	startContainer(t, rt, slots[2])

	lease, err := slot.Hold(slots[0])
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	reaped, err := m.ReapOrphans(context.Background())
	if err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}
	if !slices.Equal(reaped, []int{3}) {
		t.Errorf("reaped = %v, want [3]", reaped)
	}
	if !rt.Running(slots[0].Container) {
		t.Error("leased slot's container was reaped")
	}
}

func TestMarkReaping(t *testing.T) {
	m, _, _ := newManager(t, 2)
	m.MarkReaping(2)
	st := m.Status(context.Background())
	if st[0].Reaping || !st[1].Reaping {
		t.Errorf("Reaping = %v, %v, want false, true", st[0].Reaping, st[1].Reaping)
	}
	if err := m.Reap(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if m.Status(context.Background())[1].Reaping {
		t.Error("Reaping still set after Reap")
	}
}
