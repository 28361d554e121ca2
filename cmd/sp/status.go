package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zpdzap/slotpool/internal/history"
	"github.com/zpdzap/slotpool/internal/pool"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every slot's lease and container state",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			mgr := e.pool()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			statuses := mgr.Status(ctx)

			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()

			free, leased := pool.Summary(statuses)
			fmt.Printf("%d slots, %d free, %d leased\n\n", len(statuses), free, leased)
			for _, st := range statuses {
				state := green("free")
				switch {
				case st.Leased && st.Owner > 0:
					state = yellow(fmt.Sprintf("leased (pid %d)", st.Owner))
				case st.Leased:
					state = yellow("leased")
				case st.Orphaned():
					state = red("orphaned")
				}
				fmt.Printf("  %-3d %-24s %-16s container %s\n", st.Slot.Index, st.Slot.Container, state, st.Container)
				if st.Slot.Address != "" {
					fmt.Printf("      address   %s\n", st.Slot.Address)
				}
				if st.Err != nil {
					fmt.Printf("      %s %v\n", red("error"), st.Err)
				}
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs, or show one run's commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			store, err := e.openHistory()
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("no history database configured (set history.path in the pool config)")
			}
			defer store.Close()

			if len(args) == 1 {
				return showRun(cmd.Context(), store, args[0])
			}
			return listRuns(cmd.Context(), store, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")
	return cmd
}

func statusColor(status string) string {
	switch status {
	case history.StatusSucceeded:
		return color.GreenString(status)
	case history.StatusFailed:
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}

func listRuns(ctx context.Context, store *history.Store, limit int) error {
	runs, err := store.List(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	for _, r := range runs {
		took := "-"
		if !r.FinishedAt.IsZero() {
			took = r.Duration().Round(time.Second).String()
		}
		fmt.Printf("%s  slot %-3d %-20s %-8s %s\n", r.ID, r.Slot, statusColor(r.Status), took, r.Project)
	}
	return nil
}

func showRun(ctx context.Context, store *history.Store, id string) error {
	r, err := store.Get(ctx, id)
	if history.IsNotFound(err) {
		return fmt.Errorf("no run %s", id)
	}
	if err != nil {
		return err
	}
	cmds, err := store.Commands(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s (%s)\n", r.ID, statusColor(r.Status))
	fmt.Printf("  Project:   %s\n", r.Project)
	fmt.Printf("  Slot:      %d (%s)\n", r.Slot, r.Container)
	fmt.Printf("  Started:   %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if !r.FinishedAt.IsZero() {
		fmt.Printf("  Took:      %s\n", r.Duration().Round(time.Millisecond))
	}
	if r.Digest != "" {
		fmt.Printf("  Snapshot:  %s\n", r.Digest)
	}
	if r.ArtifactPath != "" {
		fmt.Printf("  Artifacts: %s\n", r.ArtifactPath)
	}
	if r.Error != "" {
		fmt.Printf("  Error:     %s (phase %s, exit %d)\n", r.Error, r.Phase, r.ExitCode)
	}
	fmt.Println()
	for _, c := range cmds {
		fmt.Printf("  [%d] %-10s exit %-4d %6s  %s\n", c.Index+1, c.Status, c.ExitCode, c.Duration.Round(time.Millisecond), c.Command)
	}
	return nil
}

func reapCmd() *cobra.Command {
	var orphans bool

	cmd := &cobra.Command{
		Use:   "reap [slot]",
		Short: "Stop a leftover container on an idle slot and wipe its workspace",
		Args: func(cmd *cobra.Command, args []string) error {
			if orphans {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			mgr := e.pool()

			if orphans {
				reaped, err := mgr.ReapOrphans(cmd.Context())
				for _, i := range reaped {
					fmt.Printf("Reaped slot %d\n", i)
				}
				if err != nil {
					return err
				}
				if len(reaped) == 0 {
					fmt.Println("No orphaned slots")
				}
				return nil
			}

			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid slot %q", args[0])
			}
			if err := mgr.Reap(cmd.Context(), index); err != nil {
				if errors.Is(err, pool.ErrLeased) {
					return fmt.Errorf("slot %d is in use by a running session", index)
				}
				return err
			}
			fmt.Printf("Reaped slot %d\n", index)
			return nil
		},
	}

	cmd.Flags().BoolVar(&orphans, "orphans", false, "reap every idle slot whose container is still running")
	return cmd
}
