package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	content := `slots: 3
state_dir: /var/lib/slotpool
timeouts:
  startup: 45s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Slots != 3 {
		t.Errorf("Slots = %d, want 3", cfg.Slots)
	}
	if cfg.Runtime.Driver != DriverDocker {
		t.Errorf("Runtime.Driver = %q, want %q", cfg.Runtime.Driver, DriverDocker)
	}
	if cfg.Runtime.MountPoint != "/work" {
		t.Errorf("Runtime.MountPoint = %q, want %q", cfg.Runtime.MountPoint, "/work")
	}
	if cfg.Timeouts.Startup != 45*time.Second {
		t.Errorf("Timeouts.Startup = %v, want 45s", cfg.Timeouts.Startup)
	}
	if cfg.Timeouts.Allocation != 30*time.Minute {
		t.Errorf("Timeouts.Allocation = %v, want 30m", cfg.Timeouts.Allocation)
	}
	if cfg.History.Path != "/var/lib/slotpool/history.db" {
		t.Errorf("History.Path = %q, want %q", cfg.History.Path, "/var/lib/slotpool/history.db")
	}
	if len(cfg.Snapshot.Excludes) != len(DefaultExcludes) {
		t.Errorf("Snapshot.Excludes = %v, want defaults", cfg.Snapshot.Excludes)
	}
	if cfg.ArtifactsDir != "/var/lib/slotpool/runs" {
		t.Errorf("ArtifactsDir = %q, want %q", cfg.ArtifactsDir, "/var/lib/slotpool/runs")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "pool.yaml")
	cfg := &Pool{
		Slots:           2,
		ContainerPrefix: "devenv-",
		StateDir:        "/srv/pool",
		Runtime: Runtime{
			Driver: DriverNixOS,
		},
		Network: Network{
			AddressTemplate: "10.233.{index}.2",
			ReadyPorts:      []int{22},
		},
	}
	cfg.ApplyDefaults()

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ContainerPrefix != "devenv-" {
		t.Errorf("ContainerPrefix = %q, want %q", loaded.ContainerPrefix, "devenv-")
	}
	if loaded.Runtime.Driver != DriverNixOS {
		t.Errorf("Runtime.Driver = %q, want %q", loaded.Runtime.Driver, DriverNixOS)
	}
	if len(loaded.Network.ReadyPorts) != 1 || loaded.Network.ReadyPorts[0] != 22 {
		t.Errorf("ReadyPorts = %v, want [22]", loaded.Network.ReadyPorts)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Pool {
		p := Pool{Slots: 2, StateDir: "/var/lib/slotpool"}
		p.ApplyDefaults()
		return p
	}

	tests := []struct {
		name    string
		mutate  func(*Pool)
		wantErr string
	}{
		{"valid", func(p *Pool) {}, ""},
		{"no slots", func(p *Pool) { p.Slots = 0 }, "slots must be at least 1"},
		{"relative state dir", func(p *Pool) { p.StateDir = "state" }, "state_dir must be absolute"},
		{"missing state dir", func(p *Pool) { p.StateDir = "" }, "state_dir is required"},
		{"unknown driver", func(p *Pool) { p.Runtime.Driver = "lxc" }, `unknown runtime.driver "lxc"`},
		{"unknown sudo", func(p *Pool) { p.Runtime.Sudo = "sometimes" }, `unknown runtime.sudo`},
		{"bad port", func(p *Pool) {
			p.Network.AddressTemplate = "10.0.{index}.2"
			p.Network.ReadyPorts = []int{70000}
		}, "invalid port 70000"},
		{"ports without address", func(p *Pool) { p.Network.ReadyPorts = []int{22} }, "requires network.address_template"},
		{"override out of range", func(p *Pool) {
			p.SlotOverrides = []SlotOverride{{Index: 3}}
		}, "index 3 out of range"},
		{"duplicate override", func(p *Pool) {
			p.SlotOverrides = []SlotOverride{{Index: 1}, {Index: 1}}
		}, "duplicate index 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfig, "")
	if got := Path(""); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv(EnvConfig, "/tmp/pool.yaml")
	if got := Path(""); got != "/tmp/pool.yaml" {
		t.Errorf("Path() with env = %q, want %q", got, "/tmp/pool.yaml")
	}
	if got := Path("/explicit.yaml"); got != "/explicit.yaml" {
		t.Errorf("Path(flag) = %q, want %q", got, "/explicit.yaml")
	}
}

func TestProjectSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	if ProjectExists(dir) {
		t.Error("ProjectExists should be false before init")
	}

	cfg := &Project{
		Version:  "1",
		Project:  "demo",
		Language: "go",
		Commands: []string{"go test ./..."},
	}
	if err := SaveProject(dir, cfg); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
	if !ProjectExists(dir) {
		t.Error("ProjectExists should be true after save")
	}

	loaded, err := LoadProject(dir)
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if loaded.Artifacts != "artifacts" {
		t.Errorf("Artifacts = %q, want default %q", loaded.Artifacts, "artifacts")
	}
	if len(loaded.Commands) != 1 || loaded.Commands[0] != "go test ./..." {
		t.Errorf("Commands = %v, want [go test ./...]", loaded.Commands)
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		wantLang string
		wantCmd  string
	}{
		{"go project", "go.mod", "go", "go test ./..."},
		{"node project", "package.json", "node", "npm test"},
		{"python project", "requirements.txt", "python", "python -m pytest"},
		{"rust project", "Cargo.toml", "rust", "cargo test"},
		{"nix project", "flake.nix", "nix", "nix flake check"},
		{"unknown project", "", "unknown", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.file != "" {
				os.WriteFile(filepath.Join(dir, tt.file), []byte(""), 0o644)
			}
			d := Detect(dir)
			if d.Language != tt.wantLang {
				t.Errorf("Language = %q, want %q", d.Language, tt.wantLang)
			}
			if tt.wantCmd == "" {
				return
			}
			last := d.Commands[len(d.Commands)-1]
			if last != tt.wantCmd {
				t.Errorf("last command = %q, want %q", last, tt.wantCmd)
			}
		})
	}
}
