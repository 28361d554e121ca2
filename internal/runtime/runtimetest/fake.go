// Package runtimetest provides an in-process Runtime for tests. Commands
// run on the host with sh, in the workspace directory the container was
// started with, so executor and session tests exercise real processes,
// real exit codes and real filesystem effects without a container engine.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zpdzap/slotpool/internal/runtime"
)

// Call records one Runtime method invocation.
type Call struct {
	Op      string
	Name    string
	Command string
}

// Fake implements runtime.Runtime. Set the exported knobs before use.
type Fake struct {
	// StartErr is returned from Start after the container is marked as
	// running, imitating a runtime that failed half way.
	StartErr error
	// StopErr is returned from Stop; the container stays running.
	StopErr error
	// ReadyAfter is the number of Ready polls answering false before the
	// container reports ready.
	ReadyAfter int
	// NeverReady keeps Ready false forever.
	NeverReady bool
	// StartDelay blocks Start for the given duration or until ctx is done.
	StartDelay time.Duration

	mu            sync.Mutex
	containers    map[string]*container
	calls         []Call
	running       int
	maxConcurrent int
}

type container struct {
	spec    runtime.StartSpec
	running bool
	polls   int
}

var _ runtime.Runtime = (*Fake)(nil)

func (f *Fake) record(op, name, command string) {
	f.calls = append(f.calls, Call{Op: op, Name: name, Command: command})
}

func (f *Fake) Start(ctx context.Context, spec runtime.StartSpec) error {
	if f.StartDelay > 0 {
		select {
		case <-time.After(f.StartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", spec.Name, "")

	if f.containers == nil {
		f.containers = make(map[string]*container)
	}
	c, ok := f.containers[spec.Name]
	if ok && c.running {
		return fmt.Errorf("container %s is already running", spec.Name)
	}
	f.containers[spec.Name] = &container{spec: spec, running: true}
	f.running++
	f.maxConcurrent = max(f.maxConcurrent, f.running)
	return f.StartErr
}

func (f *Fake) Ready(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ready", name, "")

	c, ok := f.containers[name]
	if !ok || !c.running {
		return false, fmt.Errorf("container %s is not running", name)
	}
	c.polls++
	return !f.NeverReady && c.polls > f.ReadyAfter, nil
}

func (f *Fake) Exec(ctx context.Context, name string, spec runtime.ExecSpec) (int, error) {
	f.mu.Lock()
	f.record("exec", name, spec.Command)
	c, ok := f.containers[name]
	if !ok || !c.running {
		f.mu.Unlock()
		return -1, fmt.Errorf("container %s is not running", name)
	}
	dir := hostDir(c.spec, spec.Dir)
	f.mu.Unlock()

	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// hostDir maps a directory inside the fake container to the host.
func hostDir(spec runtime.StartSpec, dir string) string {
	if dir == "" || spec.MountPoint == "" {
		return spec.Workspace
	}
	if dir == spec.MountPoint {
		return spec.Workspace
	}
	if rest, ok := strings.CutPrefix(dir, spec.MountPoint+"/"); ok {
		return filepath.Join(spec.Workspace, rest)
	}
	return spec.Workspace
}

func (f *Fake) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", name, "")

	if f.StopErr != nil {
		return f.StopErr
	}
	if c, ok := f.containers[name]; ok && c.running {
		c.running = false
		f.running--
	}
	return nil
}

func (f *Fake) Status(ctx context.Context, name string) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	switch {
	case !ok:
		return runtime.StatusAbsent, nil
	case c.running:
		return runtime.StatusRunning, nil
	default:
		return runtime.StatusStopped, nil
	}
}

// Running reports whether the named container is up.
func (f *Fake) Running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	return ok && c.running
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many calls of op were made.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Commands returns the commands passed to Exec, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Op == "exec" {
			out = append(out, c.Command)
		}
	}
	return out
}

// MaxConcurrent returns the highest number of containers that were running
// at the same time.
func (f *Fake) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxConcurrent
}
