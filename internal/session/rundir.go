package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/zpdzap/slotpool/internal/events"
	"github.com/zpdzap/slotpool/internal/executor"
	"github.com/zpdzap/slotpool/internal/history"
	"github.com/zpdzap/slotpool/internal/slot"
	"github.com/zpdzap/slotpool/internal/snapshot"
)

const runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewRunID returns an ID of the form 20060102-150405-xxxxxx. IDs sort by
// start time and stay unique across processes starting in the same second.
func NewRunID(now time.Time) string {
	suffix, err := gonanoid.Generate(runIDAlphabet, 6)
	if err != nil {
		suffix = fmt.Sprintf("%06d", os.Getpid()%1000000)
	}
	return now.Format("20060102-150405") + "-" + suffix
}

// openRunDir creates <artifacts_dir>/<container>/<run id>/ and opens its
// lifecycle log.
func (r *run) openRunDir(s slot.Slot) error {
	root, err := filepath.Abs(r.o.opts.Pool.ArtifactsDir)
	if err != nil {
		return err
	}
	dir := filepath.Join(root, s.Container, r.res.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "lifecycle.log"))
	if err != nil {
		return fmt.Errorf("creating lifecycle log: %w", err)
	}
	r.res.RunDir = dir
	r.lifeOut = f
	r.life = slog.New(slog.NewTextHandler(f, nil)).With("run", r.res.RunID, "slot", s.Index)
	return nil
}

// note logs a lifecycle step to the process logger and the run's
// lifecycle.log.
func (r *run) note(msg string, args ...any) {
	r.logger.Info(msg, args...)
	if r.life != nil {
		r.life.Info(msg, args...)
	}
}

// warn records a non-fatal problem.
func (r *run) warn(phase Phase, msg string, err error) {
	r.res.Warnings = append(r.res.Warnings, fmt.Sprintf("%s: %s: %v", phase, msg, err))
	r.logger.Warn(msg, "phase", phase, "error", err)
	if r.life != nil {
		r.life.Warn(msg, "phase", phase, "error", err)
	}
}

func (r *run) progress(phase Phase, msg string) {
	if r.o.opts.Progress != nil {
		r.o.opts.Progress(msg)
	}
	r.publish(context.Background(), events.TopicRunPhase, events.RunPhase{
		RunID: r.res.RunID,
		Slot:  r.res.Slot,
		Phase: string(phase),
		Time:  time.Now(),
	})
}

func (r *run) publish(ctx context.Context, topic string, event any) {
	if err := r.o.opts.Publisher.Publish(ctx, topic, event); err != nil {
		r.warn("events", "publishing "+topic, err)
	}
}

func (r *run) writeSnapshotLog(m snapshot.Manifest, snapErr error) {
	if r.res.RunDir == "" {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "source: %s\n", r.req.Project)
	fmt.Fprintf(&b, "files: %d\ndirs: %d\nsymlinks: %d\nbytes: %d\n", m.Files, m.Dirs, m.Symlinks, m.Bytes)
	if m.Digest != "" {
		fmt.Fprintf(&b, "digest: blake3:%s\n", m.Digest)
	}
	for _, s := range m.Skipped {
		fmt.Fprintf(&b, "skipped: %s\n", s)
	}
	if snapErr != nil {
		fmt.Fprintf(&b, "error: %v\n", snapErr)
	}
	if err := os.WriteFile(filepath.Join(r.res.RunDir, "snapshot.log"), []byte(b.String()), 0o644); err != nil {
		r.warn(PhaseSnapshot, "writing snapshot log", err)
	}
}

// commandOutput opens cmd-NN.log for a command and, when the caller asked
// for streaming, tees the output to the caller too. Log files are numbered
// from 1.
func (r *run) commandOutput(index int, spec executor.Spec) (io.WriteCloser, error) {
	f, err := os.Create(filepath.Join(r.res.RunDir, fmt.Sprintf("cmd-%02d.log", index+1)))
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "$ %s\n", spec.Command)
	if r.req.Stream == nil {
		return f, nil
	}
	fmt.Fprintf(r.req.Stream, "==> [%d] %s\n", index+1, spec.Command)
	return &teeCloser{Writer: io.MultiWriter(f, r.req.Stream), closer: f}, nil
}

type teeCloser struct {
	io.Writer
	closer io.Closer
}

func (t *teeCloser) Close() error { return t.closer.Close() }

func (r *run) historyRun() history.Run {
	h := history.Run{
		ID:           r.res.RunID,
		Project:      r.req.Project,
		Slot:         r.res.Slot,
		Container:    r.res.Container,
		StartedAt:    r.res.StartedAt,
		FinishedAt:   r.res.FinishedAt,
		Status:       history.StatusSucceeded,
		FailedIndex:  -1,
		ArtifactPath: r.res.ArtifactPath,
		Digest:       r.res.Manifest.Digest,
	}
	if r.res.Err != nil {
		h.Status = history.StatusFailed
		h.Phase = string(r.res.Phase())
		h.FailedIndex = r.res.FailedIndex()
		h.ExitCode = r.res.ExitCode()
		h.Error = r.res.Err.Error()
	}
	return h
}

func (r *run) recordStart(ctx context.Context) {
	if rec := r.o.opts.Recorder; rec != nil {
		hr := r.historyRun()
		hr.Status = history.StatusRunning
		if err := rec.RecordStart(ctx, hr); err != nil {
			r.warn("history", "recording run start", err)
		}
	}
	r.publish(ctx, events.TopicRunStarted, events.RunStarted{
		RunID:     r.res.RunID,
		Project:   r.req.Project,
		Slot:      r.res.Slot,
		Container: r.res.Container,
		Commands:  r.req.Commands,
		Time:      r.res.StartedAt,
	})
}

// finish writes the terminal marker, records history and publishes the
// finished event. It runs after the slot has been released.
func (r *run) finish(ctx context.Context) {
	if r.res.RunDir != "" {
		r.writeMarker()
	}

	if rec := r.o.opts.Recorder; rec != nil {
		cmds := make([]history.Command, len(r.res.Commands))
		for i, c := range r.res.Commands {
			cmds[i] = history.Command{
				Index:    c.Index,
				Command:  c.Command,
				ExitCode: c.ExitCode,
				Status:   string(c.Status),
				Duration: c.Duration,
			}
		}
		if err := rec.RecordFinish(ctx, r.historyRun(), cmds); err != nil {
			r.warn("history", "recording run finish", err)
		}
	}

	ev := events.RunFinished{
		RunID:        r.res.RunID,
		Slot:         r.res.Slot,
		Success:      r.res.Success(),
		Phase:        string(r.res.Phase()),
		FailedIndex:  r.res.FailedIndex(),
		ExitCode:     r.res.ExitCode(),
		ArtifactPath: r.res.ArtifactPath,
		Duration:     r.res.FinishedAt.Sub(r.res.StartedAt),
		Warnings:     r.res.Warnings,
	}
	if r.res.Err != nil {
		ev.Error = r.res.Err.Error()
	}
	r.publish(ctx, events.TopicRunFinished, ev)

	if r.res.Err != nil {
		r.note("run failed", "phase", r.res.Phase(), "error", r.res.Err, "duration", ev.Duration)
	} else {
		r.note("run succeeded", "duration", ev.Duration)
	}
	if r.lifeOut != nil {
		if err := r.lifeOut.Close(); err != nil {
			r.logger.Warn("closing lifecycle log", "error", err)
		}
		r.life = nil
	}
}

func (r *run) writeMarker() {
	name, body := "OK", "success\n"
	if r.res.Err != nil {
		name = "FAILED"
		var se *Error
		if errors.As(r.res.Err, &se) && se.Index >= 0 && se.Index < len(r.res.Commands) {
			c := r.res.Commands[se.Index]
			body = fmt.Sprintf("Command %d failed: %s\nstatus=%s\nexit=%d\n", se.Index+1, c.Command, c.Status, c.ExitCode)
		} else {
			body = fmt.Sprintf("%v\n", r.res.Err)
		}
	}
	if err := os.WriteFile(filepath.Join(r.res.RunDir, name), []byte(body), 0o644); err != nil {
		r.warn("finish", "writing "+name+" marker", err)
	}
}
