package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/zpdzap/slotpool/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		driver  string
		want    string
		wantErr bool
	}{
		{config.DriverDocker, "*runtime.Docker", false},
		{config.DriverNixOS, "*runtime.NixOS", false},
		{"podman", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			rt, err := New(config.Runtime{Driver: tt.driver, Image: "ubuntu:24.04"}, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			switch rt.(type) {
			case *Docker:
				if tt.want != "*runtime.Docker" {
					t.Errorf("got Docker, want %s", tt.want)
				}
			case *NixOS:
				if tt.want != "*runtime.NixOS" {
					t.Errorf("got NixOS, want %s", tt.want)
				}
			}
		})
	}
}

func TestWithRoot(t *testing.T) {
	argv := []string{"nixos-container", "start", "slot1"}

	if got := WithRoot(config.SudoNever, argv); !slices.Equal(got, argv) {
		t.Errorf("never: %v", got)
	}
	if got := WithRoot(config.SudoAlways, argv); got[0] != "sudo" || got[1] != "--" || got[2] != "nixos-container" {
		t.Errorf("always: %v", got)
	}
	got := WithRoot(config.SudoAuto, argv)
	if os.Geteuid() == 0 {
		if !slices.Equal(got, argv) {
			t.Errorf("auto as root: %v", got)
		}
	} else if got[0] != "sudo" {
		t.Errorf("auto as user: %v", got)
	}
}

func TestRootRemover(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b", "c")
	if err := os.MkdirAll(b, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(a, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rm := RootRemover(config.SudoNever)
	if err := rm(context.Background(), nil); err != nil {
		t.Fatalf("remove nothing: %v", err)
	}
	if err := rm(context.Background(), []string{a, filepath.Join(dir, "b")}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("%d entries left", len(entries))
	}
}

func TestDockerRunArgs(t *testing.T) {
	d := &Docker{Image: "ubuntu:24.04", Network: "slotnet"}
	args := d.runArgs(StartSpec{
		Name:       "slot2",
		Workspace:  "/var/lib/slotpool/slots/2/work",
		MountPoint: "/work",
		Address:    "10.233.2.2",
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"docker run -d",
		"--name slot2",
		"-v /var/lib/slotpool/slots/2/work:/work",
		"--network slotnet --ip 10.233.2.2",
		"ubuntu:24.04 sleep infinity",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("run args %q missing %q", joined, want)
		}
	}

	d.Network = ""
	joined = strings.Join(d.runArgs(StartSpec{Name: "slot1", Workspace: "/w", MountPoint: "/work", Address: "10.0.0.1"}), " ")
	if strings.Contains(joined, "--ip") {
		t.Errorf("--ip without a network: %q", joined)
	}
}

func TestWrapCommand(t *testing.T) {
	b := base{shell: "bash"}
	argv := b.wrapCommand(ExecSpec{
		Command: "make test",
		Dir:     "/work",
		Env:     map[string]string{"B": "2", "A": "1"},
	}, "/tmp/x.pid")

	if argv[0] != "env" || argv[1] != "A=1" || argv[2] != "B=2" {
		t.Errorf("env prefix = %v, want sorted assignments", argv[:3])
	}
	if argv[3] != "setsid" {
		t.Errorf("argv[3] = %q, want setsid", argv[3])
	}
	n := len(argv)
	if argv[n-2] != "make test" || argv[n-1] != "/work" {
		t.Errorf("positional args = %v, want [make test /work]", argv[n-2:])
	}
	script := argv[n-4]
	if !strings.Contains(script, "echo $$ > /tmp/x.pid") || !strings.Contains(script, `exec bash -lc "$1"`) {
		t.Errorf("script = %q", script)
	}
}

func TestDockerToStatus(t *testing.T) {
	tests := map[string]Status{
		"running":    StatusRunning,
		"exited":     StatusStopped,
		"dead":       StatusStopped,
		"created":    StatusCreating,
		"restarting": StatusCreating,
		"paused":     StatusError,
	}
	for in, want := range tests {
		if got := dockerToStatus(in); got != want {
			t.Errorf("dockerToStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsNoSuchContainer(t *testing.T) {
	if isNoSuchContainer(nil) {
		t.Error("nil error matched")
	}
	if !isNoSuchContainer(errors.New("docker rm: Error response from daemon: No such container: slot1")) {
		t.Error("docker not-found error not matched")
	}
	if isNoSuchContainer(errors.New("permission denied")) {
		t.Error("unrelated error matched")
	}
}
