// Package runtime drives the external container runtime that hosts slot
// environments. The session core only sees the Runtime interface; the
// docker and nixos-container drivers shell out to the respective CLIs.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zpdzap/slotpool/internal/config"
	"github.com/zpdzap/slotpool/internal/fsutil"
)

// Status is the runtime's view of a container.
type Status string

const (
	StatusAbsent   Status = "absent"
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// StartSpec describes the container to bring up for a slot.
type StartSpec struct {
	Name       string
	Workspace  string // host directory
	MountPoint string // where Workspace appears inside the container
	Address    string // optional static address
}

// ExecSpec describes one command to run inside a container.
type ExecSpec struct {
	Command string
	Dir     string
	Env     map[string]string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Runtime is the capability the environment controller needs from a
// container runtime.
type Runtime interface {
	// Start creates and starts the container. It returns once the runtime
	// has accepted the request; readiness is observed through Ready.
	Start(ctx context.Context, spec StartSpec) error

	// Ready reports whether the container can accept Exec calls.
	Ready(ctx context.Context, name string) (bool, error)

	// Exec runs a command to completion and returns its exit code. A
	// non-nil error means the command could not be run or was interrupted
	// by ctx; in that case the process tree inside the container has been
	// killed before Exec returns.
	Exec(ctx context.Context, name string, spec ExecSpec) (int, error)

	// Stop stops the container and discards its private state. Stopping a
	// container that does not exist is not an error.
	Stop(ctx context.Context, name string) error

	// Status inspects the container.
	Status(ctx context.Context, name string) (Status, error)
}

// New returns the driver selected by cfg.
func New(cfg config.Runtime, logger *slog.Logger) (Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := base{
		shell:  cfg.Shell,
		sudo:   cfg.Sudo,
		logger: logger,
	}
	switch cfg.Driver {
	case config.DriverDocker:
		return &Docker{base: b, Image: cfg.Image, Network: cfg.Network}, nil
	case config.DriverNixOS:
		return &NixOS{base: b}, nil
	default:
		return nil, fmt.Errorf("unknown runtime driver %q", cfg.Driver)
	}
}

// WithRoot prefixes argv with sudo when mode requires it. In auto mode sudo
// is used only when the current process is not root.
func WithRoot(mode string, argv []string) []string {
	switch mode {
	case config.SudoAlways:
	case config.SudoAuto:
		if os.Geteuid() == 0 {
			return argv
		}
	default:
		return argv
	}
	return append([]string{"sudo", "--"}, argv...)
}

// RootRemover returns a remover that deletes paths with `rm -rf`, escalated
// per mode like the runtime commands. Containers usually run as root, so
// files they leave in a bind-mounted workspace may only be removable this
// way.
func RootRemover(mode string) fsutil.Remover {
	return func(ctx context.Context, paths []string) error {
		if len(paths) == 0 {
			return nil
		}
		argv := WithRoot(mode, append([]string{"rm", "-rf", "--"}, paths...))
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		if err != nil {
			if msg := strings.TrimSpace(string(out)); msg != "" {
				return fmt.Errorf("rm -rf: %s: %w", msg, err)
			}
			return fmt.Errorf("rm -rf: %w", err)
		}
		return nil
	}
}

// base holds what both CLI drivers share.
type base struct {
	shell  string
	sudo   string
	logger *slog.Logger
}

var execSeq atomic.Uint64

// killGrace bounds how long an interrupted exec may take to wind down after
// its process group has been killed.
const killGrace = 10 * time.Second

// wrapCommand builds the argv that runs spec.Command inside the container in
// its own session. The shell records its pid in pidFile, which is also the
// process group id, so the whole tree can be killed later.
func (b base) wrapCommand(spec ExecSpec, pidFile string) []string {
	shell := b.shell
	if shell == "" {
		shell = "bash"
	}
	script := fmt.Sprintf(`echo $$ > %s; cd "$2" || exit 125; exec %s -lc "$1"`, pidFile, shell)

	argv := []string{"env"}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, k+"="+spec.Env[k])
	}
	return append(argv, "setsid", "sh", "-c", script, "slotpool", spec.Command, spec.Dir)
}

func killScript(pidFile string) string {
	return fmt.Sprintf(`[ -f %[1]s ] && kill -KILL -- -$(cat %[1]s) 2>/dev/null; rm -f %[1]s`, pidFile)
}

func newPIDFile() string {
	return fmt.Sprintf("/tmp/slotpool-exec-%d-%d.pid", os.Getpid(), execSeq.Add(1))
}

// run executes a runtime CLI command and returns its combined output.
func (b base) run(ctx context.Context, argv ...string) (string, error) {
	label := strings.Join(argv[:min(len(argv), 2)], " ")
	argv = WithRoot(b.sudo, argv)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if trimmed != "" {
			return trimmed, fmt.Errorf("%s: %s: %w", label, trimmed, err)
		}
		return trimmed, fmt.Errorf("%s: %w", label, err)
	}
	return trimmed, nil
}

// execIn runs an exec-style argv whose in-container process group is
// recorded in pidFile. On context cancellation the group is killed through
// killArgv before the local client process is killed.
func (b base) execIn(ctx context.Context, argv, killArgv []string, spec ExecSpec) (int, error) {
	argv = WithRoot(b.sudo, argv)
	killArgv = WithRoot(b.sudo, killArgv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Cancel = func() error {
		killCtx, cancel := context.WithTimeout(context.Background(), killGrace)
		defer cancel()
		if out, err := exec.CommandContext(killCtx, killArgv[0], killArgv[1:]...).CombinedOutput(); err != nil {
			b.logger.Warn("killing in-container process group failed",
				"error", err,
				"output", strings.TrimSpace(string(out)),
			)
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = killGrace

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("exec failed: %w", err)
	}
	return 0, nil
}
