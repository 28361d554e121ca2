package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/zpdzap/slotpool/internal/environment"
	"github.com/zpdzap/slotpool/internal/slot"
)

// Phase names a step of the session lifecycle.
type Phase string

const (
	PhaseAllocate Phase = "allocate"
	PhaseSnapshot Phase = "snapshot"
	PhaseStart    Phase = "start"
	PhaseExecute  Phase = "execute"
	PhaseCollect  Phase = "collect"
	PhaseStop     Phase = "stop"
	PhaseRelease  Phase = "release"
)

var (
	ErrInvalidRequest     = errors.New("invalid session request")
	ErrSnapshot           = errors.New("snapshot failed")
	ErrCommandFailure     = errors.New("command failed")
	ErrCommandTimeout     = errors.New("command timed out")
	ErrArtifactCollection = errors.New("artifact collection failed")
	ErrTeardown           = environment.ErrTeardown
)

// Error is returned by Run when a session fails. errors.Is matches both the
// phase sentinel (ErrSnapshot, ErrCommandFailure, slot.ErrAllExhausted, ...)
// and the underlying cause.
type Error struct {
	Phase Phase
	// Index is the first failing command, or -1.
	Index int
	// ExitCode is the failing command's exit code, or -1.
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	switch {
	case errors.Is(e.Err, ErrCommandFailure) && e.ExitCode < 0:
		// No exit status; the command never ran to completion.
		return fmt.Sprintf("command %d: %v", e.Index, e.Err)
	case errors.Is(e.Err, ErrCommandFailure):
		return fmt.Sprintf("command %d failed with exit code %d", e.Index, e.ExitCode)
	case e.Index >= 0:
		return fmt.Sprintf("command %d: %v", e.Index, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Exit codes used by ExitCode for failures other than a command's own exit.
const (
	ExitSoftware  = 70  // environment failed to start
	ExitCantCreat = 73  // snapshot failed
	ExitIOErr     = 74  // artifacts could not be collected
	ExitTempFail  = 75  // no slot available
	ExitTimeout   = 124 // a command or the whole session timed out
	ExitCancelled = 130
)

// ExitCode maps a Run error to a process exit status. A failed command
// yields its own exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *Error
	if !errors.As(err, &se) {
		if errors.Is(err, context.Canceled) {
			return ExitCancelled
		}
		return 1
	}

	switch {
	case errors.Is(se.Err, ErrCommandTimeout), errors.Is(se.Err, context.DeadlineExceeded):
		return ExitTimeout
	case errors.Is(se.Err, context.Canceled):
		return ExitCancelled
	case errors.Is(se.Err, ErrCommandFailure):
		if se.ExitCode > 0 && se.ExitCode < 256 {
			return se.ExitCode
		}
		return 1
	case errors.Is(se.Err, slot.ErrAllExhausted), errors.Is(se.Err, slot.ErrAllocationTimeout):
		return ExitTempFail
	}

	switch se.Phase {
	case PhaseSnapshot:
		return ExitCantCreat
	case PhaseStart:
		return ExitSoftware
	case PhaseCollect:
		return ExitIOErr
	}
	return 1
}
