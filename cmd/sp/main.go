package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zpdzap/slotpool/internal/config"
	"github.com/zpdzap/slotpool/internal/history"
	"github.com/zpdzap/slotpool/internal/pool"
	"github.com/zpdzap/slotpool/internal/runtime"
	"github.com/zpdzap/slotpool/internal/session"
	"github.com/zpdzap/slotpool/internal/slot"
	"github.com/zpdzap/slotpool/internal/tui"
)

// Global flags
var (
	configPath string
	verbose    bool
)

// exitError carries a process exit code out of a RunE without cobra
// printing it again.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	root := &cobra.Command{
		Use:           "sp",
		Short:         "slotpool: run commands in a fixed pool of isolated containers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDash,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "pool config (default $"+config.EnvConfig+" or "+config.DefaultPath+")")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(reapCmd())
	root.AddCommand(&cobra.Command{
		Use:   "dash",
		Short: "Live dashboard of slots and recent runs",
		RunE:  runDash,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// env holds what every pool-facing command needs.
type env struct {
	cfg    *config.Pool
	reg    *slot.Registry
	rt     runtime.Runtime
	logger *slog.Logger
}

func loadEnv() (*env, error) {
	logger := newLogger()
	path := config.Path(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	reg, err := slot.NewRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("building slot registry: %w", err)
	}
	rt, err := runtime.New(cfg.Runtime, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded pool config", "path", path, "slots", reg.Len(), "driver", cfg.Runtime.Driver)
	return &env{cfg: cfg, reg: reg, rt: rt, logger: logger}, nil
}

func (e *env) pool() *pool.Manager {
	return pool.New(e.reg, e.rt, runtime.RootRemover(e.cfg.Runtime.Sudo), e.logger)
}

// openHistory opens the run history database, or returns nil when the
// pool has none configured.
func (e *env) openHistory() (*history.Store, error) {
	if e.cfg.History.Path == "" {
		return nil, nil
	}
	store, err := history.Open(e.cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return store, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write .slotpool/config.yaml for the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := os.Getwd()
			if err != nil {
				return err
			}

			if config.ProjectExists(projectDir) {
				fmt.Println("slotpool already initialized in this project.")
				return nil
			}

			detection := config.Detect(projectDir)
			projectName := filepath.Base(projectDir)

			cfg := &config.Project{
				Version:   "1",
				Project:   projectName,
				Language:  detection.Language,
				Commands:  detection.Commands,
				Artifacts: config.DefaultArtifacts,
				Excludes:  detection.Excludes,
			}
			if err := config.SaveProject(projectDir, cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			if err := updateGitignore(projectDir); err != nil {
				return fmt.Errorf("updating .gitignore: %w", err)
			}

			fmt.Printf("Initialized slotpool for %s (%s project)\n", projectName, detection.Language)
			fmt.Printf("  Config:   %s/%s\n", config.Dir, config.ConfigFile)
			fmt.Printf("  Commands: %s\n", strings.Join(cfg.Commands, " && "))
			fmt.Println("\nRun `sp run` to execute them in a pool slot.")
			return nil
		},
	}
}

// updateGitignore keeps local run output out of version control.
func updateGitignore(projectDir string) error {
	gitignorePath := filepath.Join(projectDir, ".gitignore")
	entries := []string{
		config.Dir + "/runs/",
		config.DefaultArtifacts + "/",
	}

	existing, _ := os.ReadFile(gitignorePath)
	content := string(existing)

	var toAdd []string
	for _, entry := range entries {
		if !strings.Contains(content, entry) {
			toAdd = append(toAdd, entry)
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += "\n# slotpool\n"
	for _, entry := range toAdd {
		content += entry + "\n"
	}
	return os.WriteFile(gitignorePath, []byte(content), 0o644)
}

func runDash(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	// The dashboard owns the terminal; keep log lines out of it.
	if !verbose {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store, err := e.openHistory()
	if err != nil {
		return err
	}
	var lister tui.RunLister
	if store != nil {
		defer store.Close()
		lister = store
	}

	return tui.Run(e.pool(), lister)
}

// exitFor converts a session error to the process exit status.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: session.ExitCode(err)}
}
