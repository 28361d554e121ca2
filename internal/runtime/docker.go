package runtime

import (
	"context"
	"fmt"
	"strings"
)

// Docker runs slot environments as `docker run` containers that sleep until
// commands are exec'd into them. Stop removes the container, which discards
// its writable layer; only the bind-mounted workspace survives.
type Docker struct {
	base
	Image   string
	Network string
}

func (d *Docker) Start(ctx context.Context, spec StartSpec) error {
	// A container left behind by a crashed orchestrator still holds the
	// name. The slot lock is ours, so nothing else can be using it.
	if _, err := d.run(ctx, "docker", "rm", "-f", spec.Name); err != nil && !isNoSuchContainer(err) {
		d.logger.Debug("removing stale container", "container", spec.Name, "error", err)
	}

	if _, err := d.run(ctx, d.runArgs(spec)...); err != nil {
		return fmt.Errorf("docker run failed: %w", err)
	}
	return nil
}

func (d *Docker) runArgs(spec StartSpec) []string {
	args := []string{
		"docker", "run", "-d",
		"--name", spec.Name,
		"--label", "slotpool.container=" + spec.Name,
		"--init",
		"-v", fmt.Sprintf("%s:%s", spec.Workspace, spec.MountPoint),
		"-w", spec.MountPoint,
	}
	if d.Network != "" {
		args = append(args, "--network", d.Network)
		if spec.Address != "" {
			args = append(args, "--ip", spec.Address)
		}
	}
	return append(args, d.Image, "sleep", "infinity")
}

func (d *Docker) Ready(ctx context.Context, name string) (bool, error) {
	out, err := d.run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name)
	if err != nil {
		return false, err
	}
	if out != "true" {
		return false, nil
	}
	if _, err := d.run(ctx, "docker", "exec", name, "true"); err != nil {
		return false, nil
	}
	return true, nil
}

func (d *Docker) Exec(ctx context.Context, name string, spec ExecSpec) (int, error) {
	pidFile := newPIDFile()
	argv := append([]string{"docker", "exec", "-i", name}, d.wrapCommand(spec, pidFile)...)
	kill := []string{"docker", "exec", name, "sh", "-c", killScript(pidFile)}
	return d.execIn(ctx, argv, kill, spec)
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "docker", "rm", "-f", "-v", name); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w", err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context, name string) (Status, error) {
	out, err := d.run(ctx, "docker", "inspect", "-f", "{{.State.Status}}", name)
	if err != nil {
		if isNoSuchContainer(err) {
			return StatusAbsent, nil
		}
		return StatusError, err
	}
	return dockerToStatus(out), nil
}

func dockerToStatus(dockerStatus string) Status {
	switch dockerStatus {
	case "running":
		return StatusRunning
	case "exited", "dead":
		return StatusStopped
	case "created", "restarting":
		return StatusCreating
	default:
		return StatusError
	}
}

func isNoSuchContainer(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No such container") || strings.Contains(msg, "No such object")
}
