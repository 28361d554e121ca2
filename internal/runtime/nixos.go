package runtime

import (
	"context"
	"fmt"
	"strings"
)

// NixOS drives declarative nixos-container instances. The bind mount, the
// address and the ephemeral flag are part of the container's NixOS
// definition, so Start only needs the name.
type NixOS struct {
	base
}

func (n *NixOS) Start(ctx context.Context, spec StartSpec) error {
	if _, err := n.run(ctx, "nixos-container", "start", spec.Name); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}
	return nil
}

func (n *NixOS) Ready(ctx context.Context, name string) (bool, error) {
	out, err := n.run(ctx, "nixos-container", "status", name)
	if err != nil {
		return false, err
	}
	return out == "up", nil
}

func (n *NixOS) Exec(ctx context.Context, name string, spec ExecSpec) (int, error) {
	pidFile := newPIDFile()
	argv := append([]string{"nixos-container", "run", name, "--"}, n.wrapCommand(spec, pidFile)...)
	kill := []string{"nixos-container", "run", name, "--", "sh", "-c", killScript(pidFile)}
	return n.execIn(ctx, argv, kill, spec)
}

func (n *NixOS) Stop(ctx context.Context, name string) error {
	if _, err := n.run(ctx, "nixos-container", "stop", name); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

func (n *NixOS) Status(ctx context.Context, name string) (Status, error) {
	out, err := n.run(ctx, "nixos-container", "status", name)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return StatusAbsent, nil
		}
		return StatusError, err
	}
	switch out {
	case "up":
		return StatusRunning, nil
	case "down":
		return StatusStopped, nil
	default:
		return StatusError, nil
	}
}
