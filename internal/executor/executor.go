// Package executor runs an ordered list of commands inside a ready
// environment, one at a time, recording each command's outcome.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zpdzap/slotpool/internal/runtime"
)

// Status classifies a command's outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"    // ran to completion with a non-zero exit code
	StatusTimedOut  Status = "timed_out" // killed after its per-command timeout
	StatusCancelled Status = "cancelled" // killed because the session was cancelled
	StatusError     Status = "error"     // could not be run at all
)

// Spec is one command to run.
type Spec struct {
	Command string
	// Timeout overrides Policy.DefaultTimeout when non-zero.
	Timeout time.Duration
}

// Commands yields specs for cmds in order, all with the same timeout.
func Commands(cmds []string, timeout time.Duration) iter.Seq[Spec] {
	return func(yield func(Spec) bool) {
		for _, c := range cmds {
			if !yield(Spec{Command: c, Timeout: timeout}) {
				return
			}
		}
	}
}

// Result is the immutable record of one executed command.
type Result struct {
	Index    int
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int // -1 unless the command ran to completion
	Status   Status
	Duration time.Duration
	Err      error
}

// OK reports whether the command succeeded.
func (r Result) OK() bool { return r.Status == StatusSucceeded }

// Outcome is the ordered result sequence of one Execute call.
type Outcome struct {
	Results []Result
	// FirstFailure is the index of the first unsuccessful command, or -1.
	FirstFailure int
	// Halted is set when Execute stopped consuming commands early, either
	// because of stop-on-first-failure or cancellation.
	Halted bool
}

// Succeeded reports whether every executed command succeeded and none were
// skipped.
func (o Outcome) Succeeded() bool { return o.FirstFailure < 0 && !o.Halted }

// Failure returns the first unsuccessful result.
func (o Outcome) Failure() (Result, bool) {
	if o.FirstFailure < 0 {
		return Result{}, false
	}
	return o.Results[o.FirstFailure], true
}

// Target is where commands run; an environment handle satisfies it.
type Target interface {
	Exec(ctx context.Context, spec runtime.ExecSpec) (int, error)
}

// Policy controls early termination and timeouts.
type Policy struct {
	// ContinueOnError runs every command regardless of failures. Otherwise
	// execution stops after the first unsuccessful command.
	ContinueOnError bool

	// DefaultTimeout applies to commands without their own. Zero means no
	// limit.
	DefaultTimeout time.Duration
}

// OutputFunc opens a sink that receives a command's stdout and stderr as
// they are produced. The executor closes it when the command finishes.
type OutputFunc func(index int, spec Spec) (io.WriteCloser, error)

// Options configures an Executor.
type Options struct {
	Policy Policy
	// Env is set for every command, in addition to SLOTPOOL_COMMAND_INDEX.
	Env    map[string]string
	Output OutputFunc
	Logger *slog.Logger
}

// Executor runs command sequences.
type Executor struct {
	opts Options
}

// New returns an Executor.
func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{opts: opts}
}

// Execute consumes cmds strictly in order. Each command finishes, and its
// result is recorded, before the next one is pulled from the sequence. If
// ctx is cancelled the running command is killed, recorded as cancelled,
// and no further commands are started.
func (e *Executor) Execute(ctx context.Context, target Target, cmds iter.Seq[Spec]) Outcome {
	out := Outcome{FirstFailure: -1}
	index := 0
	for spec := range cmds {
		if ctx.Err() != nil {
			out.Halted = true
			break
		}

		r := e.run(ctx, target, index, spec)
		out.Results = append(out.Results, r)
		index++

		if r.OK() {
			continue
		}
		if out.FirstFailure < 0 {
			out.FirstFailure = r.Index
		}
		if r.Status == StatusCancelled || !e.opts.Policy.ContinueOnError {
			out.Halted = true
			break
		}
	}
	return out
}

func (e *Executor) run(ctx context.Context, target Target, index int, spec Spec) Result {
	logger := e.opts.Logger.With("index", index, "command", spec.Command)

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = e.opts.Policy.DefaultTimeout
	}
	cmdCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	var stream io.Writer
	if e.opts.Output != nil {
		sink, err := e.opts.Output(index, spec)
		if err != nil {
			logger.Warn("opening output sink failed", "error", err)
		} else {
			defer sink.Close()
			stream = &lockedWriter{w: sink}
		}
	}

	env := make(map[string]string, len(e.opts.Env)+1)
	for k, v := range e.opts.Env {
		env[k] = v
	}
	env["SLOTPOOL_COMMAND_INDEX"] = strconv.Itoa(index)

	execSpec := runtime.ExecSpec{
		Command: spec.Command,
		Env:     env,
		Stdout:  tee(&stdout, stream),
		Stderr:  tee(&stderr, stream),
	}

	logger.Info("running command")
	start := time.Now()
	code, err := target.Exec(cmdCtx, execSpec)
	r := Result{
		Index:    index,
		Command:  spec.Command,
		ExitCode: code,
		Duration: time.Since(start),
	}
	r.Stdout = stdout.String()
	r.Stderr = stderr.String()

	switch {
	case ctx.Err() != nil:
		r.Status = StatusCancelled
		r.ExitCode = -1
		r.Err = ctx.Err()
	case cmdCtx.Err() != nil && errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		r.Status = StatusTimedOut
		r.ExitCode = -1
		r.Err = context.DeadlineExceeded
	case err != nil:
		r.Status = StatusError
		r.ExitCode = -1
		r.Err = err
	case code != 0:
		r.Status = StatusFailed
	default:
		r.Status = StatusSucceeded
	}

	logger.Info("command finished", "status", r.Status, "exit_code", r.ExitCode, "duration", r.Duration)
	return r
}

func tee(buf *bytes.Buffer, stream io.Writer) io.Writer {
	if stream == nil {
		return buf
	}
	return io.MultiWriter(buf, stream)
}

// lockedWriter serialises writes from the stdout and stderr copiers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A broken sink must not cut off capture.
	_, _ = l.w.Write(p)
	return len(p), nil
}
