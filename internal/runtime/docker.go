package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FleetLabel marks every container the fleet owns
const FleetLabel = "fleet=agent-fleet"

// TaskLabelKey is the label carrying the owning task id
const TaskLabelKey = "fleet.task"

// ContainerSpec describes one hardened container launch
type ContainerSpec struct {
	Image          string
	TaskID         string
	WorkdirBind    string // host worktree path bound as the workspace
	Workspace      string // mount point inside the container
	EnvFile        string // transient secret file, owner-only permissions
	Memory         string // e.g. "2g"
	CPUs           string // e.g. "2"
	Network        string // isolated egress network name
	CapAdd         []string
	SeccompProfile string
	UsernsMode     string // applied when the runtime requires it, e.g. "keep-id"
	Command        []string
}

// Docker issues container-engine commands. The binary name is
// configurable so podman installs work unchanged.
type Docker struct {
	runner Runner
	binary string
	host   string // optional remote daemon endpoint, passed via env
}

// NewDocker creates a Docker wrapper. host may be empty for the local daemon.
func NewDocker(runner Runner, binary, host string) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{runner: runner, binary: binary, host: host}
}

func (d *Docker) env() []string {
	if d.host == "" {
		return nil
	}
	// The override rides on the spawned command's environment only.
	return []string{"DOCKER_HOST=" + d.host}
}

// Run launches a hardened container and returns its id from stdout
func (d *Docker) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{
		"run", "-d",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--tmpfs", "/tmp",
		"--label", FleetLabel,
		"--label", TaskLabelKey + "=" + spec.TaskID,
	}
	for _, c := range spec.CapAdd {
		args = append(args, "--cap-add", c)
	}
	if spec.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+spec.SeccompProfile)
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs != "" {
		args = append(args, "--cpus", spec.CPUs)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.UsernsMode != "" {
		args = append(args, "--userns", spec.UsernsMode)
	}
	if spec.EnvFile != "" {
		args = append(args, "--env-file", spec.EnvFile)
	}
	if spec.WorkdirBind != "" {
		workspace := spec.Workspace
		if workspace == "" {
			workspace = "/workspace"
		}
		args = append(args, "-v", spec.WorkdirBind+":"+workspace, "-w", workspace)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	out, err := d.runner.RunEnv(ctx, "", d.env(), d.binary, args...)
	if err != nil {
		return "", fmt.Errorf("container run: %w", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("container run: empty container id")
	}
	return id, nil
}

// Stop stops a container, allowing graceSecs before the engine kills it
func (d *Docker) Stop(ctx context.Context, id string, graceSecs int) error {
	if _, err := d.runner.RunEnv(ctx, "", d.env(), d.binary, "stop", "-t", strconv.Itoa(graceSecs), id); err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Remove force-removes a container
func (d *Docker) Remove(ctx context.Context, id string) error {
	if _, err := d.runner.RunEnv(ctx, "", d.env(), d.binary, "rm", "-f", id); err != nil {
		return fmt.Errorf("container rm: %w", err)
	}
	return nil
}

// Logs tails the last n lines of container output
func (d *Docker) Logs(ctx context.Context, id string, n int) (string, error) {
	out, err := d.runner.RunEnv(ctx, "", d.env(), d.binary, "logs", "--tail", strconv.Itoa(n), id)
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	return out, nil
}

// IsRunning probes container state. Probe errors are reported as
// "not running" by callers.
func (d *Docker) IsRunning(ctx context.Context, id string) bool {
	out, err := d.runner.RunEnv(ctx, "", d.env(), d.binary, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// ListFleet returns taskID -> containerID for every running container
// carrying the fleet label.
func (d *Docker) ListFleet(ctx context.Context) (map[string]string, error) {
	out, err := d.runner.RunEnv(ctx, "", d.env(), d.binary,
		"ps", "--filter", "label="+FleetLabel,
		"--format", "{{.ID}} {{.Label \""+TaskLabelKey+"\"}}")
	if err != nil {
		return nil, fmt.Errorf("container ps: %w", err)
	}
	result := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			result[fields[1]] = fields[0]
		}
	}
	return result, nil
}
