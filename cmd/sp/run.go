package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zpdzap/slotpool/internal/config"
	"github.com/zpdzap/slotpool/internal/events"
	"github.com/zpdzap/slotpool/internal/executor"
	"github.com/zpdzap/slotpool/internal/session"
)

type runFlags struct {
	project           string
	commands          []string
	artifacts         string
	dest              string
	archive           bool
	noWait            bool
	timeout           time.Duration
	cmdTimeout        time.Duration
	continueOnError   bool
	artifactsRequired bool
	keepWorkdir       bool
	stream            string
}

func runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [flags] [-- command...]",
		Short: "Run the project's commands in a free slot",
		Long: `Snapshots the project into a free slot, starts its container, runs the
commands in order and collects the artifacts directory.

Commands come from --cmd, from arguments after --, or from the project's
.slotpool/config.yaml, in that order of preference.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.commands = append(f.commands, strings.Join(args, " "))
			}
			return runSession(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.project, "project", "p", ".", "project directory to snapshot")
	cmd.Flags().StringArrayVarP(&f.commands, "cmd", "c", nil, "command to run (repeatable, in order)")
	cmd.Flags().StringVar(&f.artifacts, "artifacts", "", "artifacts subpath inside the workspace (default from project config)")
	cmd.Flags().StringVarP(&f.dest, "dest", "o", "", "artifact destination: directory or s3://bucket/prefix (default the run directory)")
	cmd.Flags().BoolVar(&f.archive, "archive", false, "also write artifacts.tar.zst in the run directory")
	cmd.Flags().BoolVar(&f.noWait, "no-wait", false, "fail immediately when every slot is leased")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "bound the whole session")
	cmd.Flags().DurationVar(&f.cmdTimeout, "cmd-timeout", 0, "per-command timeout (default from project or pool config)")
	cmd.Flags().BoolVar(&f.continueOnError, "continue-on-error", false, "run remaining commands after a failure")
	cmd.Flags().BoolVar(&f.artifactsRequired, "artifacts-required", false, "fail the run when artifact collection fails")
	cmd.Flags().BoolVar(&f.keepWorkdir, "keep-workdir", false, "leave the slot workspace in place for debugging")
	cmd.Flags().StringVar(&f.stream, "stream", "auto", "stream command output: auto|always|never")

	return cmd
}

func runSession(cmd *cobra.Command, f runFlags) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}

	req := session.Request{
		Project:           f.project,
		Commands:          f.commands,
		ArtifactSubpath:   f.artifacts,
		Destination:       f.dest,
		Archive:           f.archive,
		CommandTimeout:    f.cmdTimeout,
		Timeout:           f.timeout,
		ContinueOnError:   f.continueOnError,
		ArtifactsRequired: f.artifactsRequired,
		NoWait:            f.noWait,
		KeepWorkdir:       f.keepWorkdir,
	}
	if err := applyProject(&req, cmd.Flags().Changed("continue-on-error")); err != nil {
		return err
	}

	switch f.stream {
	case "always":
		req.Stream = os.Stdout
	case "auto":
		if term.IsTerminal(int(os.Stdout.Fd())) {
			req.Stream = os.Stdout
		}
	case "never":
	default:
		return fmt.Errorf("invalid --stream %q (want auto, always or never)", f.stream)
	}

	store, err := e.openHistory()
	if err != nil {
		return err
	}
	opts := session.Options{
		Pool:     e.cfg,
		Registry: e.reg,
		Runtime:  e.rt,
		Logger:   e.logger,
		Progress: func(phase string) {
			fmt.Fprintf(os.Stderr, "%s %s\n", color.CyanString("==>"), phase)
		},
	}
	if store != nil {
		defer store.Close()
		opts.Recorder = store
	}
	if e.cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(e.cfg.Events.NATSURL, e.cfg.Events.SubjectPrefix)
		if err != nil {
			// Events are best effort; the run goes ahead without them.
			e.logger.Warn("events disabled", "error", err)
		} else {
			defer pub.Close()
			opts.Publisher = pub
		}
	}

	orch, err := session.NewOrchestrator(opts)
	if err != nil {
		return err
	}

	res, err := orch.Run(cmd.Context(), req)
	printResult(res)
	return exitFor(err)
}

// applyProject fills request fields the caller left unset from the
// project's .slotpool/config.yaml, when there is one.
func applyProject(req *session.Request, continueSet bool) error {
	if !config.ProjectExists(req.Project) {
		if len(req.Commands) == 0 {
			return fmt.Errorf("no commands given and %s has no %s/%s (run `sp init` or pass --cmd)",
				req.Project, config.Dir, config.ConfigFile)
		}
		return nil
	}
	proj, err := config.LoadProject(req.Project)
	if err != nil {
		return err
	}
	if len(req.Commands) == 0 {
		req.Commands = proj.Commands
	}
	if req.ArtifactSubpath == "" {
		req.ArtifactSubpath = proj.Artifacts
	}
	if req.CommandTimeout == 0 {
		req.CommandTimeout = proj.CommandTimeout
	}
	if !continueSet {
		req.ContinueOnError = proj.ContinueOnError
	}
	req.Excludes = append(req.Excludes, proj.Excludes...)
	return nil
}

func printResult(res *session.Result) {
	if res == nil {
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Println()
	for _, c := range res.Commands {
		status := string(c.Status)
		switch c.Status {
		case executor.StatusSucceeded:
			status = green(status)
		case executor.StatusFailed, executor.StatusTimedOut, executor.StatusError:
			status = red(status)
		default:
			status = yellow(status)
		}
		fmt.Printf("  [%d] %-10s %6s  %s\n", c.Index+1, status, c.Duration.Round(time.Millisecond), c.Command)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  %s %s\n", yellow("warning:"), w)
	}

	took := res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)
	if res.Success() {
		fmt.Printf("%s run %s on slot %d in %s\n", green("OK"), res.RunID, res.Slot, took)
	} else {
		fmt.Printf("%s run %s: %v\n", red("FAILED"), res.RunID, res.Err)
	}
	if res.RunDir != "" {
		fmt.Printf("  Logs:      %s\n", res.RunDir)
	}
	if res.ArtifactPath != "" {
		fmt.Printf("  Artifacts: %s\n", res.ArtifactPath)
	}
}
