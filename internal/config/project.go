package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Dir        = ".slotpool"
	ConfigFile = "config.yaml"

	// DefaultArtifacts is the workspace subdirectory collected after a run.
	DefaultArtifacts = "artifacts"
)

// Project holds per-project defaults for `sp run`.
type Project struct {
	Version         string        `yaml:"version"`
	Project         string        `yaml:"project"`
	Language        string        `yaml:"language"`
	Commands        []string      `yaml:"commands"`
	Artifacts       string        `yaml:"artifacts"`
	Excludes        []string      `yaml:"excludes,omitempty"`
	CommandTimeout  time.Duration `yaml:"command_timeout,omitempty"`
	ContinueOnError bool          `yaml:"continue_on_error,omitempty"`
}

// LoadProject reads .slotpool/config.yaml relative to projectDir.
func LoadProject(projectDir string) (*Project, error) {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading project config: %w", err)
	}
	var cfg Project
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing project config: %w", err)
	}
	if cfg.Artifacts == "" {
		cfg.Artifacts = DefaultArtifacts
	}
	return &cfg, nil
}

// SaveProject writes .slotpool/config.yaml relative to projectDir.
func SaveProject(projectDir string, cfg *Project) error {
	dir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling project config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644)
}

// ProjectExists returns true if .slotpool/config.yaml exists.
func ProjectExists(projectDir string) bool {
	_, err := os.Stat(filepath.Join(projectDir, Dir, ConfigFile))
	return err == nil
}
