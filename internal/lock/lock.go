// Package lock implements the per-slot mutual exclusion primitive: an
// exclusive advisory flock(2) held on an open file descriptor.
//
// The kernel drops the lock when the descriptor is closed, including when
// the owning process dies, so a crashed orchestrator never leaves a slot
// permanently claimed. No heartbeat or in-process bookkeeping is involved.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrBusy is returned by TryAcquire when another descriptor holds the lock.
	ErrBusy = errors.New("lock is held by another owner")

	// ErrTimeout is returned by Acquire when the lock stayed busy for the
	// whole timeout.
	ErrTimeout = errors.New("timed out waiting for lock")
)

const (
	minPoll = 10 * time.Millisecond
	maxPoll = 250 * time.Millisecond
)

// Lock is a held exclusive lock. The zero value is not usable; obtain one
// from TryAcquire or Acquire.
type Lock struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// TryAcquire attempts to take the lock at path without blocking. The lock
// file and its parent directory are created if missing.
func TryAcquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	// os.OpenFile sets O_CLOEXEC, so runtime subprocesses never inherit the
	// descriptor and cannot keep the lock alive after we release it.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := flock(f, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	l := &Lock{path: path, file: f}
	l.writeOwner()
	return l, nil
}

// Acquire blocks until the lock at path is taken, timeout elapses, or ctx is
// done. A timeout <= 0 waits for as long as ctx allows.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	wait := minPoll
	for {
		l, err := TryAcquire(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, maxPoll)
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and closes the descriptor. Calling it more than once is a
// no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	// Clear the owner record while still holding the lock so readers never
	// see a stale pid attributed to the next holder.
	_ = f.Truncate(0)
	unlockErr := flock(f, unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing %s: %w", l.path, closeErr)
	}
	return nil
}

// Held reports whether Release has not been called yet.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil
}

// writeOwner records the holder's pid for diagnostics. Failures are ignored:
// the flock itself is the source of truth.
func (l *Lock) writeOwner() {
	if err := l.file.Truncate(0); err != nil {
		return
	}
	_, _ = l.file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
}

// Owner returns the pid recorded in the lock file at path, or 0 if none is
// recorded. The value is informational and may be stale if the holder
// crashed.
func Owner(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// procLocks lists every file lock on a Linux host.
var procLocks = "/proc/locks"

// IsHeld reports whether some descriptor holds the lock at path, without
// taking it, so observers never make a concurrent TryAcquire fail. On Linux
// the answer comes from /proc/locks. Elsewhere it falls back to the owner
// record: a recorded pid that is still alive counts as held.
func IsHeld(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	data, err := os.ReadFile(procLocks)
	if err != nil {
		return ownerAlive(path), nil
	}
	return inodeLocked(string(data), uint64(st.Ino)), nil
}

// inodeLocked scans /proc/locks content for a granted lock on ino. Lines
// look like "1: FLOCK  ADVISORY  WRITE 1234 08:01:5678 0 EOF"; blocked
// waiters carry "->" after the ordinal and do not count. Only the inode is
// compared: on btrfs and overlayfs the device in /proc/locks need not match
// st_dev.
func inodeLocked(locks string, ino uint64) bool {
	for line := range strings.SplitSeq(locks, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[1] == "->" {
			continue
		}
		id := fields[5]
		i := strings.LastIndexByte(id, ':')
		if i < 0 {
			continue
		}
		n, err := strconv.ParseUint(id[i+1:], 10, 64)
		if err == nil && n == ino {
			return true
		}
	}
	return false
}

func ownerAlive(path string) bool {
	pid := Owner(path)
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}
