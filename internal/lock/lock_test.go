package lock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const helperEnv = "SLOTPOOL_LOCK_HELPER_PATH"

func TestTryAcquireBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots", "1", "slot.lock")

	first, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer first.Release()

	// flock is per open file description, so a second open in the same
	// process contends exactly like another process would.
	if _, err := TryAcquire(path); !errors.Is(err, ErrBusy) {
		t.Fatalf("second TryAcquire err = %v, want ErrBusy", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	again, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	again.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot.lock")
	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !l.Held() {
		t.Error("Held = false after acquire")
	}
	for i := 0; i < 3; i++ {
		if err := l.Release(); err != nil {
			t.Fatalf("Release #%d: %v", i+1, err)
		}
	}
	if l.Held() {
		t.Error("Held = true after release")
	}
}

func TestOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot.lock")
	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if got := Owner(path); got != os.Getpid() {
		t.Errorf("Owner = %d, want %d", got, os.Getpid())
	}
	l.Release()
	if got := Owner(path); got != 0 {
		t.Errorf("Owner after release = %d, want 0", got)
	}
}

func TestAcquireTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot.lock")
	held, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer held.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), path, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Acquire err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Acquire returned after %v, before the timeout", elapsed)
	}
}

func TestAcquireCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot.lock")
	held, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, path, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire err = %v, want context.Canceled", err)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot.lock")
	held, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release()
	}()

	l, err := Acquire(context.Background(), path, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release()
}

// TestLockReclaimedAfterCrash holds the lock in a child process, kills it,
// and checks the kernel released the lock without any cooperation.
func TestLockReclaimedAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot.lock")

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperHoldLock$")
	cmd.Env = append(os.Environ(), helperEnv+"="+path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting helper: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	locked := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "locked" {
				locked <- nil
				return
			}
			if strings.HasPrefix(line, "error:") {
				locked <- errors.New(line)
				return
			}
		}
		locked <- fmt.Errorf("helper exited without locking: %v", scanner.Err())
	}()

	select {
	case err := <-locked:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for helper to lock")
	}

	if _, err := TryAcquire(path); !errors.Is(err, ErrBusy) {
		t.Fatalf("TryAcquire while helper holds lock err = %v, want ErrBusy", err)
	}

	if err := cmd.Process.Kill(); err != nil {
		t.Fatalf("killing helper: %v", err)
	}
	_ = cmd.Wait()

	l, err := Acquire(context.Background(), path, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire after helper crash: %v", err)
	}
	l.Release()
}

func TestHelperHoldLock(t *testing.T) {
	path := os.Getenv(helperEnv)
	if path == "" {
		t.Skip("only runs as a helper process")
	}
	l, err := TryAcquire(path)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(2)
	}
	fmt.Println("locked")
	time.Sleep(time.Minute)
	l.Release()
	os.Exit(0)
}

func TestIsHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot.lock")

	held, err := IsHeld(path)
	if err != nil || held {
		t.Fatalf("IsHeld on missing file = %v, %v; want false, nil", held, err)
	}

	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if held, err := IsHeld(path); err != nil || !held {
		t.Errorf("IsHeld while locked = %v, %v; want true, nil", held, err)
	}
	l.Release()
	if held, err := IsHeld(path); err != nil || held {
		t.Errorf("IsHeld after Release = %v, %v; want false, nil", held, err)
	}
}

func TestIsHeldDoesNotTakeLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slot.lock")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				IsHeld(path)
			}
		}
	}()

	busy := 0
	for range 500 {
		l, err := TryAcquire(path)
		if errors.Is(err, ErrBusy) {
			busy++
			continue
		}
		if err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
		l.Release()
	}
	close(stop)
	<-done

	if busy != 0 {
		t.Errorf("TryAcquire saw ErrBusy %d times while only observed", busy)
	}
}

func TestIsHeldOwnerFallback(t *testing.T) {
	orig := procLocks
	procLocks = filepath.Join(t.TempDir(), "no-such-file")
	defer func() { procLocks = orig }()

	path := filepath.Join(t.TempDir(), "slot.lock")
	l, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if held, _ := IsHeld(path); !held {
		t.Error("IsHeld = false with a live owner recorded")
	}
	l.Release()
	if held, _ := IsHeld(path); held {
		t.Error("IsHeld = true after Release cleared the owner")
	}
}

func TestInodeLocked(t *testing.T) {
	locks := strings.Join([]string{
		"1: FLOCK  ADVISORY  WRITE 1234 08:01:5678 0 EOF",
		"1: -> FLOCK  ADVISORY  WRITE 4321 08:01:9999 0 EOF",
		"2: POSIX  ADVISORY  READ 77 00:2c:42 0 EOF",
	}, "\n")

	tests := []struct {
		ino  uint64
		want bool
	}{
		{5678, true},
		{42, true},
		{9999, false}, // waiter only
		{1234, false},
	}
	for _, tt := range tests {
		if got := inodeLocked(locks, tt.ino); got != tt.want {
			t.Errorf("inodeLocked(%d) = %v, want %v", tt.ino, got, tt.want)
		}
	}
}
