package environment

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zpdzap/slotpool/internal/runtime"
	"github.com/zpdzap/slotpool/internal/runtime/runtimetest"
	"github.com/zpdzap/slotpool/internal/slot"
)

func testSlot(t *testing.T) slot.Slot {
	t.Helper()
	dir := t.TempDir()
	ws := filepath.Join(dir, "work")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	return slot.Slot{
		Index:     1,
		Container: "test-1",
		Dir:       dir,
		Workspace: ws,
		LockPath:  filepath.Join(dir, "slot.lock"),
		Address:   "127.0.0.1",
	}
}

func fastOptions() Options {
	return Options{
		StartupTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
	}
}

func TestStartReadyAndStop(t *testing.T) {
	rt := &runtimetest.Fake{ReadyAfter: 3}
	c := NewController(rt, fastOptions())
	s := testSlot(t)

	h, err := c.Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.State() != StateReady {
		t.Errorf("State = %q, want %q", h.State(), StateReady)
	}
	if got := rt.Count("ready"); got != 4 {
		t.Errorf("ready polls = %d, want 4", got)
	}

	code, err := h.Exec(context.Background(), runtime.ExecSpec{Command: "pwd > where"})
	if err != nil || code != 0 {
		t.Fatalf("Exec = %d, %v", code, err)
	}
	data, _ := os.ReadFile(filepath.Join(s.Workspace, "where"))
	if strings.TrimSpace(string(data)) != s.Workspace {
		t.Errorf("command ran in %q, want workspace %q", strings.TrimSpace(string(data)), s.Workspace)
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.State() != StateStopped {
		t.Errorf("State after Stop = %q", h.State())
	}
	if rt.Running(s.Container) {
		t.Error("container still running after Stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	rt := &runtimetest.Fake{}
	c := NewController(rt, fastOptions())
	h, err := c.Start(context.Background(), testSlot(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if got := rt.Count("stop"); got != 1 {
		t.Errorf("runtime Stop calls = %d, want 1", got)
	}
}

func TestStopAfterCancel(t *testing.T) {
	rt := &runtimetest.Fake{}
	c := NewController(rt, fastOptions())
	s := testSlot(t)
	h, err := c.Start(context.Background(), s)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop with cancelled ctx: %v", err)
	}
	if rt.Running(s.Container) {
		t.Error("container still running")
	}
}

func TestStartupTimeoutForceStops(t *testing.T) {
	rt := &runtimetest.Fake{NeverReady: true}
	opts := fastOptions()
	opts.StartupTimeout = 100 * time.Millisecond
	c := NewController(rt, opts)
	s := testSlot(t)

	h, err := c.Start(context.Background(), s)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Start err = %v, want ErrStartupTimeout", err)
	}
	if h == nil {
		t.Fatal("Start returned nil handle")
	}
	if h.State() != StateStopped {
		t.Errorf("State = %q, want %q", h.State(), StateStopped)
	}
	if rt.Running(s.Container) {
		t.Error("partially started container left running")
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("Stop after failed start: %v", err)
	}
}

func TestStartFailureForceStops(t *testing.T) {
	rt := &runtimetest.Fake{StartErr: errors.New("image not found")}
	c := NewController(rt, fastOptions())
	s := testSlot(t)

	_, err := c.Start(context.Background(), s)
	if !errors.Is(err, ErrStartupFailure) {
		t.Fatalf("Start err = %v, want ErrStartupFailure", err)
	}
	if !strings.Contains(err.Error(), "image not found") {
		t.Errorf("error %q lost the runtime cause", err)
	}
	if rt.Running(s.Container) {
		t.Error("partially started container left running")
	}
}

func TestStartCancelled(t *testing.T) {
	rt := &runtimetest.Fake{NeverReady: true}
	c := NewController(rt, Options{StartupTimeout: time.Minute, PollInterval: 5 * time.Millisecond})
	s := testSlot(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.Start(ctx, s)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start err = %v, want context.Canceled", err)
	}
	if rt.Running(s.Container) {
		t.Error("container left running after cancellation")
	}
}

func TestTeardownFailureRecorded(t *testing.T) {
	rt := &runtimetest.Fake{}
	c := NewController(rt, fastOptions())
	h, err := c.Start(context.Background(), testSlot(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rt.StopErr = errors.New("daemon unreachable")

	if err := h.Stop(context.Background()); !errors.Is(err, ErrTeardown) {
		t.Fatalf("Stop err = %v, want ErrTeardown", err)
	}
	if !errors.Is(h.TeardownErr(), ErrTeardown) {
		t.Errorf("TeardownErr = %v", h.TeardownErr())
	}
	if err := h.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
	if h.State() != StateStopped {
		t.Errorf("State = %q, want %q", h.State(), StateStopped)
	}
}

func TestExecRequiresReady(t *testing.T) {
	rt := &runtimetest.Fake{}
	c := NewController(rt, fastOptions())
	h, err := c.Start(context.Background(), testSlot(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Stop(context.Background())
	if _, err := h.Exec(context.Background(), runtime.ExecSpec{Command: "true"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Exec on stopped handle err = %v, want ErrNotReady", err)
	}
}

func TestNetworkGate(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	opts := fastOptions()
	opts.ReadyPorts = []int{port}
	c := NewController(&runtimetest.Fake{}, opts)
	h, err := c.Start(context.Background(), testSlot(t))
	if err != nil {
		t.Fatalf("Start with open port: %v", err)
	}
	h.Stop(context.Background())

	// Grab a port and close it so nothing listens there.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	opts.ReadyPorts = []int{closedPort}
	opts.StartupTimeout = 150 * time.Millisecond
	rt := &runtimetest.Fake{}
	c = NewController(rt, opts)
	s := testSlot(t)
	if _, err := c.Start(context.Background(), s); !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("Start with closed port err = %v, want ErrStartupTimeout", err)
	}
	if rt.Running(s.Container) {
		t.Error("container left running after gate timeout")
	}
}
