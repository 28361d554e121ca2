// Package session drives one job end to end: allocate a slot, snapshot the
// project into it, start the environment, run the commands, collect
// artifacts, then stop the environment and release the slot. Every resource
// acquired is released on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zpdzap/slotpool/internal/artifact"
	"github.com/zpdzap/slotpool/internal/config"
	"github.com/zpdzap/slotpool/internal/environment"
	"github.com/zpdzap/slotpool/internal/events"
	"github.com/zpdzap/slotpool/internal/executor"
	"github.com/zpdzap/slotpool/internal/fsutil"
	"github.com/zpdzap/slotpool/internal/history"
	"github.com/zpdzap/slotpool/internal/runtime"
	"github.com/zpdzap/slotpool/internal/slot"
	"github.com/zpdzap/slotpool/internal/snapshot"
)

// ProgressFunc is called with human-readable status updates as the session
// moves through its phases.
type ProgressFunc func(phase string)

// Recorder persists run history. *history.Store satisfies it.
type Recorder interface {
	RecordStart(ctx context.Context, r history.Run) error
	RecordFinish(ctx context.Context, r history.Run, cmds []history.Command) error
}

// Uploader sends a collected artifact directory to S3.
type Uploader interface {
	UploadDir(ctx context.Context, dir string, loc artifact.S3Location) (int, error)
}

// Options wires an Orchestrator.
type Options struct {
	Pool     *config.Pool
	Registry *slot.Registry
	Runtime  runtime.Runtime

	// Optional.
	Recorder  Recorder
	Publisher events.Publisher
	Uploader  Uploader
	Progress  ProgressFunc
	Logger    *slog.Logger

	// Remove deletes workspace entries the orchestrator's user cannot.
	// Defaults to rm -rf escalated per the pool's runtime.sudo setting.
	Remove fsutil.Remover

	// Tuning, mostly for tests. Zero values use the package defaults.
	PollInterval      time.Duration
	AllocationBackoff time.Duration
}

// Orchestrator runs sessions against one pool. It is safe for concurrent
// use; concurrent sessions are serialised only by slot availability.
type Orchestrator struct {
	opts Options
}

// NewOrchestrator validates opts and returns an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Pool == nil || opts.Registry == nil || opts.Runtime == nil {
		return nil, errors.New("session: pool config, registry and runtime are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = &events.NoopPublisher{}
	}
	if opts.Remove == nil {
		opts.Remove = runtime.RootRemover(opts.Pool.Runtime.Sudo)
	}
	return &Orchestrator{opts: opts}, nil
}

// Request describes one job.
type Request struct {
	// Project is the source tree to snapshot.
	Project  string
	Commands []string

	// ArtifactSubpath is the directory, relative to the workspace, that is
	// copied out after execution. Defaults to "artifacts".
	ArtifactSubpath string
	// Destination is a host directory or an s3://bucket/prefix URL. Empty
	// collects into the run directory.
	Destination string
	// Archive also writes the collected artifacts as artifacts.tar.zst in
	// the run directory.
	Archive bool

	// CommandTimeout overrides the pool's per-command timeout.
	CommandTimeout time.Duration
	// Timeout bounds the whole session.
	Timeout time.Duration

	ContinueOnError   bool
	ArtifactsRequired bool
	NoWait            bool
	KeepWorkdir       bool

	// Excludes are added to the pool's snapshot excludes.
	Excludes []string

	// Stream, if set, receives every command's output as it is produced.
	Stream io.Writer
}

// Result is what a session produced. Run always returns a non-nil Result.
type Result struct {
	RunID     string
	Slot      int
	Container string
	// RunDir holds lifecycle.log, snapshot.log, cmd-NN.log and the OK or
	// FAILED marker.
	RunDir   string
	Manifest snapshot.Manifest
	Commands []executor.Result
	// ArtifactPath is where artifacts were collected to, a directory or an
	// s3:// URL. Empty when nothing was collected.
	ArtifactPath string
	Warnings     []string
	StartedAt    time.Time
	FinishedAt   time.Time
	Err          error
}

// Success reports whether every phase succeeded.
func (r *Result) Success() bool { return r.Err == nil }

// Phase returns the failing phase, or "" on success.
func (r *Result) Phase() Phase {
	var se *Error
	if errors.As(r.Err, &se) {
		return se.Phase
	}
	return ""
}

// ExitCode returns the process exit status for the session.
func (r *Result) ExitCode() int { return ExitCode(r.Err) }

// FailedIndex returns the first failing command, or -1.
func (r *Result) FailedIndex() int {
	var se *Error
	if errors.As(r.Err, &se) {
		return se.Index
	}
	return -1
}

// run is the per-session state shared by the phase helpers.
type run struct {
	o       *Orchestrator
	req     Request
	res     *Result
	logger  *slog.Logger
	life    *slog.Logger
	lifeOut *os.File
}

// Run executes req. The returned error is nil only if every phase
// succeeded; otherwise it is a *Error and is also stored in Result.Err.
// Non-fatal problems (teardown, history, events, optional artifacts) are
// logged and collected in Result.Warnings.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	r := &run{
		o:      o,
		req:    req,
		res:    &Result{RunID: NewRunID(time.Now()), StartedAt: time.Now()},
		logger: o.opts.Logger,
	}
	r.logger = r.logger.With("run", r.res.RunID)

	if err := r.validate(); err != nil {
		r.res.Err = err
		r.res.FinishedAt = time.Now()
		return r.res, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	err := r.execute(ctx)
	r.res.Err = err
	r.res.FinishedAt = time.Now()
	r.finish(context.WithoutCancel(ctx))
	return r.res, err
}

func (r *run) validate() error {
	if r.req.ArtifactSubpath == "" {
		r.req.ArtifactSubpath = config.DefaultArtifacts
	}
	if len(r.req.Commands) == 0 {
		return fmt.Errorf("%w: no commands", ErrInvalidRequest)
	}
	project, err := filepath.Abs(r.req.Project)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	info, err := os.Stat(project)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: project %s is not a directory", ErrInvalidRequest, project)
	}
	r.req.Project = project
	return nil
}

// execute runs the phases. Each acquired resource registers its release
// with defer immediately after acquisition, so release happens in reverse
// order on every path: stop environment, wipe workspace, release slot.
func (r *run) execute(ctx context.Context) error {
	cfg := r.o.opts.Pool

	r.progress(PhaseAllocate, "Waiting for a free slot...")
	alloc := slot.NewAllocator(r.o.opts.Registry, slot.Policy{
		Wait:       !r.req.NoWait,
		Timeout:    cfg.Timeouts.Allocation,
		MinBackoff: r.o.opts.AllocationBackoff,
		MaxBackoff: r.o.opts.AllocationBackoff * 8,
	}, r.logger)
	lease, err := alloc.Allocate(ctx)
	if err != nil {
		return &Error{Phase: PhaseAllocate, Index: -1, ExitCode: -1, Err: err}
	}
	s := lease.Slot
	r.res.Slot = s.Index
	r.res.Container = s.Container
	r.logger = r.logger.With("slot", s.Index, "container", s.Container)
	defer func() {
		if err := lease.Release(); err != nil {
			r.warn(PhaseRelease, "releasing slot lock", err)
			return
		}
		r.note("slot released")
	}()

	if err := r.openRunDir(s); err != nil {
		return &Error{Phase: PhaseSnapshot, Index: -1, ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrSnapshot, err)}
	}
	r.note("slot acquired", "workspace", s.Workspace, "wait", time.Since(r.res.StartedAt))
	r.recordStart(ctx)

	if !r.req.KeepWorkdir {
		defer func() {
			if err := snapshot.Wipe(context.WithoutCancel(ctx), s.Workspace, r.o.opts.Remove); err != nil {
				r.warn(PhaseRelease, "wiping workspace", err)
				return
			}
			r.note("workspace wiped")
		}()
	}

	r.progress(PhaseSnapshot, "Copying project into "+s.Container+"...")
	snap := snapshot.New(snapshot.Options{
		Excludes:  append(append([]string(nil), cfg.Snapshot.Excludes...), r.req.Excludes...),
		SkipPaths: r.outputPaths(),
		Remove:    r.o.opts.Remove,
		Logger:    r.logger,
	})
	manifest, err := snap.Snapshot(ctx, r.req.Project, s.Workspace)
	r.res.Manifest = manifest
	r.writeSnapshotLog(manifest, err)
	if err != nil {
		return &Error{Phase: PhaseSnapshot, Index: -1, ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrSnapshot, err)}
	}

	r.progress(PhaseStart, "Starting "+s.Container+"...")
	ctrl := environment.NewController(r.o.opts.Runtime, environment.Options{
		MountPoint:     cfg.Runtime.MountPoint,
		StartupTimeout: cfg.Timeouts.Startup,
		StopTimeout:    cfg.Timeouts.Stop,
		PollInterval:   r.o.opts.PollInterval,
		ReadyPorts:     cfg.Network.ReadyPorts,
		Logger:         r.logger,
	})
	handle, err := ctrl.Start(ctx, s)
	defer func() {
		if err := handle.Stop(ctx); err != nil {
			r.warn(PhaseStop, "stopping environment", err)
			return
		}
		r.note("environment stopped")
	}()
	if err != nil {
		return &Error{Phase: PhaseStart, Index: -1, ExitCode: -1, Err: err}
	}
	r.note("environment ready")

	r.progress(PhaseExecute, fmt.Sprintf("Running %d command(s)...", len(r.req.Commands)))
	timeout := r.req.CommandTimeout
	if timeout == 0 {
		timeout = cfg.Timeouts.Command
	}
	exec := executor.New(executor.Options{
		Policy: executor.Policy{ContinueOnError: r.req.ContinueOnError},
		Env: map[string]string{
			"SLOTPOOL_RUN_ID": r.res.RunID,
			"SLOTPOOL_SLOT":   strconv.Itoa(s.Index),
		},
		Output: r.commandOutput,
		Logger: r.logger,
	})
	outcome := exec.Execute(ctx, handle, executor.Commands(r.req.Commands, timeout))
	r.res.Commands = outcome.Results

	var runErr error
	if f, ok := outcome.Failure(); ok {
		runErr = commandError(f)
	} else if outcome.Halted {
		// Cancelled between commands.
		runErr = &Error{Phase: PhaseExecute, Index: len(outcome.Results), ExitCode: -1, Err: context.Cause(ctx)}
	}
	r.note("commands finished", "executed", len(outcome.Results), "failed_index", outcome.FirstFailure)

	// Artifacts are collected after a clean run, and after a
	// continue-on-error run that completed every command.
	if ctx.Err() == nil && !outcome.Halted {
		if err := r.collect(ctx, s); err != nil {
			if r.req.ArtifactsRequired && runErr == nil {
				runErr = &Error{Phase: PhaseCollect, Index: -1, ExitCode: -1, Err: fmt.Errorf("%w: %w", ErrArtifactCollection, err)}
			} else {
				r.warn(PhaseCollect, "collecting artifacts", err)
			}
		}
	} else {
		r.note("artifact collection skipped")
	}
	return runErr
}

// outputPaths returns the run output and local artifact destinations that
// lie inside the project, relative to it. Snapshots leave them out so
// earlier runs' logs and artifacts never reach the workspace.
func (r *run) outputPaths() []string {
	var out []string
	dirs := []string{r.o.opts.Pool.ArtifactsDir}
	if _, isS3, _ := artifact.ParseS3URL(r.req.Destination); r.req.Destination != "" && !isS3 {
		dirs = append(dirs, r.req.Destination)
	}
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil || !fsutil.Within(abs, r.req.Project) {
			continue
		}
		rel, err := filepath.Rel(r.req.Project, abs)
		if err != nil || rel == "." {
			continue
		}
		out = append(out, rel)
	}
	return out
}

func commandError(f executor.Result) *Error {
	e := &Error{Phase: PhaseExecute, Index: f.Index, ExitCode: f.ExitCode}
	switch f.Status {
	case executor.StatusTimedOut:
		e.Err = ErrCommandTimeout
	case executor.StatusCancelled:
		if errors.Is(f.Err, context.DeadlineExceeded) {
			e.Err = fmt.Errorf("%w: session timeout", ErrCommandTimeout)
		} else {
			e.Err = f.Err
		}
	case executor.StatusError:
		e.Err = fmt.Errorf("%w: %w", ErrCommandFailure, f.Err)
	default:
		e.Err = ErrCommandFailure
	}
	return e
}

func (r *run) collect(ctx context.Context, s slot.Slot) error {
	r.progress(PhaseCollect, "Collecting artifacts...")

	loc, isS3, err := artifact.ParseS3URL(r.req.Destination)
	if err != nil {
		return err
	}
	dest := r.req.Destination
	if dest == "" || isS3 {
		dest = filepath.Join(r.res.RunDir, "artifacts")
	}

	c, err := artifact.Collect(ctx, s.Workspace, r.req.ArtifactSubpath, dest)
	if err != nil {
		return err
	}
	if !c.Present {
		r.note("no artifacts produced", "subpath", r.req.ArtifactSubpath)
		return nil
	}
	r.res.ArtifactPath = dest
	r.note("artifacts collected", "dest", dest, "files", c.Stats.Files, "bytes", c.Stats.Bytes)

	if r.req.Archive {
		file := filepath.Join(r.res.RunDir, artifact.ArchiveName)
		size, err := artifact.Archive(ctx, dest, file)
		if err != nil {
			return err
		}
		r.note("artifacts archived", "file", file, "bytes", size)
	}

	if isS3 {
		up := r.o.opts.Uploader
		if up == nil {
			u, err := artifact.NewS3Uploader(ctx, r.o.opts.Pool.S3.Region, r.o.opts.Pool.S3.Endpoint)
			if err != nil {
				return err
			}
			up = u
		}
		target := loc.Join(r.res.Container, r.res.RunID)
		n, err := up.UploadDir(ctx, dest, target)
		if err != nil {
			return err
		}
		r.res.ArtifactPath = target.String()
		r.note("artifacts uploaded", "dest", target.String(), "objects", n)
	}
	return nil
}
