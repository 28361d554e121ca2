package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where the host-level pool config lives.
	DefaultPath = "/etc/slotpool/pool.yaml"

	// EnvConfig overrides DefaultPath.
	EnvConfig = "SLOTPOOL_CONFIG"

	DriverDocker = "docker"
	DriverNixOS  = "nixos-container"

	SudoAuto   = "auto"
	SudoAlways = "always"
	SudoNever  = "never"
)

// DefaultExcludes are never copied into a slot workspace.
var DefaultExcludes = []string{
	".git",
	".hg",
	".svn",
	".direnv",
	"result",
	"node_modules",
	"__pycache__",
	".pytest_cache",
	".mypy_cache",
	".venv",
	".slotpool/runs",
}

// Pool is the static description of the slot pool. It is read once at
// startup and never mutated afterwards.
type Pool struct {
	Slots           int            `yaml:"slots"`
	ContainerPrefix string         `yaml:"container_prefix"`
	StateDir        string         `yaml:"state_dir"`
	ArtifactsDir    string         `yaml:"artifacts_dir"`
	Runtime         Runtime        `yaml:"runtime"`
	Network         Network        `yaml:"network"`
	Timeouts        Timeouts       `yaml:"timeouts"`
	Snapshot        Snapshot       `yaml:"snapshot"`
	History         History        `yaml:"history"`
	Events          Events         `yaml:"events"`
	S3              S3             `yaml:"s3"`
	SlotOverrides   []SlotOverride `yaml:"slot_overrides,omitempty"`
}

type Runtime struct {
	Driver     string `yaml:"driver"`
	Image      string `yaml:"image,omitempty"`
	MountPoint string `yaml:"mount_point"`
	Shell      string `yaml:"shell"`
	Sudo       string `yaml:"sudo"`
	Network    string `yaml:"network,omitempty"` // docker network name
}

type Network struct {
	// AddressTemplate yields a slot's address by replacing "{index}".
	AddressTemplate string `yaml:"address_template,omitempty"`
	// ReadyPorts are dialed on the slot address before commands run.
	ReadyPorts []int `yaml:"ready_ports,omitempty"`
}

type Timeouts struct {
	Allocation time.Duration `yaml:"allocation"`
	Startup    time.Duration `yaml:"startup"`
	Command    time.Duration `yaml:"command,omitempty"`
	Stop       time.Duration `yaml:"stop"`
}

type Snapshot struct {
	Excludes []string `yaml:"excludes"`
}

type History struct {
	Path string `yaml:"path,omitempty"`
}

type Events struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

type S3 struct {
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// SlotOverride replaces derived properties of one slot.
type SlotOverride struct {
	Index     int    `yaml:"index"`
	Workspace string `yaml:"workspace,omitempty"`
	Address   string `yaml:"address,omitempty"`
	Container string `yaml:"container,omitempty"`
}

// Path resolves the pool config location: explicit flag, then
// $SLOTPOOL_CONFIG, then DefaultPath.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the pool config at path, fills defaults and validates it.
func Load(path string) (*Pool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Pool
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the pool config to path.
func Save(path string, cfg *Pool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyDefaults fills unset fields.
func (p *Pool) ApplyDefaults() {
	if p.ContainerPrefix == "" {
		p.ContainerPrefix = "slot"
	}
	// Run output lives with the rest of the pool state, outside any project
	// tree, so snapshots never pick it up.
	if p.ArtifactsDir == "" && p.StateDir != "" {
		p.ArtifactsDir = filepath.Join(p.StateDir, "runs")
	}
	if p.Runtime.Driver == "" {
		p.Runtime.Driver = DriverDocker
	}
	if p.Runtime.Image == "" && p.Runtime.Driver == DriverDocker {
		p.Runtime.Image = "ubuntu:24.04"
	}
	if p.Runtime.MountPoint == "" {
		p.Runtime.MountPoint = "/work"
	}
	if p.Runtime.Shell == "" {
		p.Runtime.Shell = "bash"
	}
	if p.Runtime.Sudo == "" {
		p.Runtime.Sudo = SudoAuto
	}
	if p.Timeouts.Allocation == 0 {
		p.Timeouts.Allocation = 30 * time.Minute
	}
	if p.Timeouts.Startup == 0 {
		p.Timeouts.Startup = 2 * time.Minute
	}
	if p.Timeouts.Stop == 0 {
		p.Timeouts.Stop = time.Minute
	}
	if p.Snapshot.Excludes == nil {
		p.Snapshot.Excludes = append([]string(nil), DefaultExcludes...)
	}
	if p.History.Path == "" && p.StateDir != "" {
		p.History.Path = filepath.Join(p.StateDir, "history.db")
	}
	if p.Events.SubjectPrefix == "" {
		p.Events.SubjectPrefix = "slotpool"
	}
}

// Validate reports malformed configuration. A pool that fails validation
// must not be used.
func (p *Pool) Validate() error {
	var problems []string
	if p.Slots < 1 {
		problems = append(problems, "slots must be at least 1")
	}
	if p.StateDir == "" {
		problems = append(problems, "state_dir is required")
	} else if !filepath.IsAbs(p.StateDir) {
		problems = append(problems, "state_dir must be absolute")
	}
	switch p.Runtime.Driver {
	case DriverDocker:
		if p.Runtime.Image == "" {
			problems = append(problems, "runtime.image is required for the docker driver")
		}
	case DriverNixOS:
	default:
		problems = append(problems, fmt.Sprintf("unknown runtime.driver %q", p.Runtime.Driver))
	}
	switch p.Runtime.Sudo {
	case SudoAuto, SudoAlways, SudoNever:
	default:
		problems = append(problems, fmt.Sprintf("unknown runtime.sudo %q", p.Runtime.Sudo))
	}
	if !filepath.IsAbs(p.Runtime.MountPoint) {
		problems = append(problems, "runtime.mount_point must be absolute")
	}
	for _, port := range p.Network.ReadyPorts {
		if port < 1 || port > 65535 {
			problems = append(problems, fmt.Sprintf("network.ready_ports: invalid port %d", port))
		}
	}
	if len(p.Network.ReadyPorts) > 0 && p.Network.AddressTemplate == "" {
		problems = append(problems, "network.ready_ports requires network.address_template")
	}
	if p.Timeouts.Allocation < 0 || p.Timeouts.Startup < 0 || p.Timeouts.Command < 0 || p.Timeouts.Stop < 0 {
		problems = append(problems, "timeouts must not be negative")
	}
	seen := make(map[int]bool)
	for _, o := range p.SlotOverrides {
		if o.Index < 1 || o.Index > p.Slots {
			problems = append(problems, fmt.Sprintf("slot_overrides: index %d out of range [1, %d]", o.Index, p.Slots))
		}
		if seen[o.Index] {
			problems = append(problems, fmt.Sprintf("slot_overrides: duplicate index %d", o.Index))
		}
		seen[o.Index] = true
		if o.Workspace != "" && !filepath.IsAbs(o.Workspace) {
			problems = append(problems, fmt.Sprintf("slot_overrides: workspace for slot %d must be absolute", o.Index))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
