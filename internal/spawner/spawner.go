// Package spawner owns the lifecycle of one sandbox per task: create,
// liveness-check, log-tail, terminate, reclaim. A sandbox is either a
// tmux session on the host or a hardened container; the rest of the
// system addresses it only through a domain.Handle.
package spawner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
	"github.com/hochfrequenz/agent-fleet/internal/runtime"
)

// sessionPrefix is the fleet naming convention for tmux sessions
const sessionPrefix = "fleet-"

// defaultLogLines is the tail size when callers do not ask for one
const defaultLogLines = 200

// containerStopGraceSecs bounds how long Kill waits before the engine
// force-kills a container.
const containerStopGraceSecs = 10

// promptFileName is where a container sandbox reads its instructions.
// The file lives inside the bind-mounted worktree so the prompt never
// rides in argv or the environment.
const promptFileName = ".fleet-prompt"

// Config carries the spawner's static settings
type Config struct {
	Mode        domain.ExecMode
	BaseDir     string // all worktrees live under here
	SnapshotDir string // bundle artifacts for abandoned unpushed work
	SecretDir   string // transient per-spawn secret files

	InstallCmd []string // dependency install, e.g. ["npm", "ci"]
	CacheDir   string   // optional shared dependency cache

	AgentCommands map[string]string // agent kind -> launch command

	ContainerImage   string
	ContainerMemory  string
	ContainerCPUs    string
	ContainerNetwork string
	SeccompProfile   string
	UsernsMode       string
	CapAdd           []string
}

// Spawner creates and destroys sandboxes
type Spawner struct {
	cfg     Config
	runner  runtime.Runner
	git     *runtime.Git
	tmux    *runtime.Tmux
	docker  *runtime.Docker
	secrets SecretProvider
	now     func() time.Time
}

// New creates a Spawner over the given runtime wrappers
func New(cfg Config, runner runtime.Runner, git *runtime.Git, tmux *runtime.Tmux, docker *runtime.Docker, secrets SecretProvider) *Spawner {
	return &Spawner{
		cfg:     cfg,
		runner:  runner,
		git:     git,
		tmux:    tmux,
		docker:  docker,
		secrets: secrets,
		now:     time.Now,
	}
}

// SessionName returns the tmux session name for a task
func SessionName(taskID string) string {
	return sessionPrefix + taskID
}

// WorktreePath returns the contained worktree path for a task,
// rejecting anything that escapes the base directory.
func (s *Spawner) WorktreePath(taskID string) (string, error) {
	return ContainWorktreePath(s.cfg.BaseDir, filepath.Join(s.cfg.BaseDir, "wt-"+taskID))
}

// Spawn validates inputs, creates the worktree and starts the sandbox.
// Any step failure tears down the steps that already ran before the
// typed failure is returned.
func (s *Spawner) Spawn(ctx context.Context, taskID, branch, agentKind, prompt string) (domain.Handle, error) {
	if err := ValidateBranch(branch); err != nil {
		return domain.Handle{}, err
	}

	wtPath, err := s.WorktreePath(taskID)
	if err != nil {
		return domain.Handle{}, err
	}

	if s.cfg.Mode == domain.ModeContainer {
		return s.spawnContainer(ctx, taskID, branch, wtPath, agentKind, prompt)
	}
	return s.spawnLocal(ctx, taskID, branch, wtPath, agentKind, prompt)
}

func (s *Spawner) spawnLocal(ctx context.Context, taskID, branch, wtPath, agentKind, prompt string) (domain.Handle, error) {
	s.git.Fetch(ctx)
	base := s.git.ResolveBase(ctx)

	if err := s.git.WorktreeAdd(ctx, wtPath, branch, base); err != nil {
		return domain.Handle{}, &domain.StepError{Step: domain.StepWorktree, Err: err}
	}

	if err := s.install(ctx, wtPath); err != nil {
		s.removeWorktree(ctx, wtPath, branch)
		return domain.Handle{}, &domain.StepError{Step: domain.StepInstall, Err: err}
	}

	session := SessionName(taskID)
	if err := s.tmux.NewSession(ctx, session, wtPath); err != nil {
		s.removeWorktree(ctx, wtPath, branch)
		return domain.Handle{}, &domain.StepError{Step: domain.StepProcess, Err: err}
	}

	// Start the agent, then hand it the prompt. Both travel as session
	// input so the prompt never appears in argv or the environment.
	if cmd := s.agentCommand(agentKind); cmd != "" {
		if err := s.tmux.SendKeys(ctx, session, cmd); err != nil {
			s.tmux.KillSession(ctx, session)
			s.removeWorktree(ctx, wtPath, branch)
			return domain.Handle{}, &domain.StepError{Step: domain.StepProcess, Err: err}
		}
	}
	if err := s.tmux.SendKeys(ctx, session, prompt); err != nil {
		s.tmux.KillSession(ctx, session)
		s.removeWorktree(ctx, wtPath, branch)
		return domain.Handle{}, &domain.StepError{Step: domain.StepProcess, Err: err}
	}

	return domain.Handle{
		TaskID:       taskID,
		Branch:       branch,
		WorktreePath: wtPath,
		TmuxSession:  session,
		Mode:         domain.ModeLocal,
		SpawnedAt:    s.now(),
	}, nil
}

func (s *Spawner) spawnContainer(ctx context.Context, taskID, branch, wtPath, agentKind, prompt string) (domain.Handle, error) {
	if s.cfg.ContainerImage == "" {
		return domain.Handle{}, domain.ErrConfigMissing
	}

	s.git.Fetch(ctx)
	base := s.git.ResolveBase(ctx)
	if err := s.git.WorktreeAdd(ctx, wtPath, branch, base); err != nil {
		return domain.Handle{}, &domain.StepError{Step: domain.StepWorktree, Err: err}
	}

	// The prompt travels as a file in the worktree, which the bind mount
	// exposes inside the container as the agent's stdin.
	if err := os.WriteFile(filepath.Join(wtPath, promptFileName), []byte(prompt), 0o600); err != nil {
		s.removeWorktree(ctx, wtPath, branch)
		return domain.Handle{}, &domain.StepError{Step: domain.StepProcess, Err: fmt.Errorf("writing prompt file: %w", err)}
	}

	secrets, err := s.secrets.Resolve(taskID)
	if err != nil {
		s.removeWorktree(ctx, wtPath, branch)
		return domain.Handle{}, &domain.StepError{Step: domain.StepProcess, Err: fmt.Errorf("resolving secrets: %w", err)}
	}

	secretFile, err := writeSecretFile(s.cfg.SecretDir, taskID, secrets)
	if err != nil {
		s.removeWorktree(ctx, wtPath, branch)
		return domain.Handle{}, &domain.StepError{Step: domain.StepProcess, Err: err}
	}
	// The secret file must not outlive the launch attempt, whatever
	// the outcome.
	defer removeSecretFile(secretFile)

	containerID, err := s.docker.Run(ctx, runtime.ContainerSpec{
		Image:          s.cfg.ContainerImage,
		TaskID:         taskID,
		WorkdirBind:    wtPath,
		EnvFile:        secretFile,
		Memory:         s.cfg.ContainerMemory,
		CPUs:           s.cfg.ContainerCPUs,
		Network:        s.cfg.ContainerNetwork,
		CapAdd:         s.cfg.CapAdd,
		SeccompProfile: s.cfg.SeccompProfile,
		UsernsMode:     s.cfg.UsernsMode,
		Command:        []string{"sh", "-c", s.agentCommand(agentKind) + " < " + promptFileName},
	})
	if err != nil {
		s.removeWorktree(ctx, wtPath, branch)
		return domain.Handle{}, &domain.StepError{Step: domain.StepProcess, Err: err}
	}

	return domain.Handle{
		TaskID:       taskID,
		Branch:       branch,
		WorktreePath: wtPath,
		ContainerID:  containerID,
		Mode:         domain.ModeContainer,
		SpawnedAt:    s.now(),
	}, nil
}

func (s *Spawner) install(ctx context.Context, wtPath string) error {
	if len(s.cfg.InstallCmd) == 0 {
		return nil
	}
	args := append([]string{}, s.cfg.InstallCmd[1:]...)
	var env []string
	if s.cfg.CacheDir != "" {
		env = append(env, "npm_config_cache="+s.cfg.CacheDir)
	}
	if _, err := s.runner.RunEnv(ctx, wtPath, env, s.cfg.InstallCmd[0], args...); err != nil {
		return err
	}
	return nil
}

func (s *Spawner) agentCommand(agentKind string) string {
	if cmd, ok := s.cfg.AgentCommands[agentKind]; ok {
		return cmd
	}
	return agentKind
}

// removeWorktree is the compensating cleanup for a failed spawn. Its own
// failures are swallowed; the original failure is what propagates.
func (s *Spawner) removeWorktree(ctx context.Context, wtPath, branch string) {
	if err := s.git.WorktreeRemove(ctx, wtPath); err != nil {
		log.Warn().Err(err).Str("worktree", wtPath).Msg("cleanup after failed spawn")
	}
	s.git.DeleteBranch(ctx, branch)
}

// IsAlive probes the sandbox. Probe errors read as "not alive".
func (s *Spawner) IsAlive(ctx context.Context, h domain.Handle) bool {
	switch h.Mode {
	case domain.ModeContainer:
		return s.docker.IsRunning(ctx, h.ContainerID)
	default:
		return s.tmux.HasSession(ctx, h.TmuxSession)
	}
}

// Kill terminates the sandbox. Container mode stops with a bounded grace
// period before the engine force-kills, then removes the container.
func (s *Spawner) Kill(ctx context.Context, h domain.Handle) error {
	switch h.Mode {
	case domain.ModeContainer:
		if err := s.docker.Stop(ctx, h.ContainerID, containerStopGraceSecs); err != nil {
			return err
		}
		return s.docker.Remove(ctx, h.ContainerID)
	default:
		return s.tmux.KillSession(ctx, h.TmuxSession)
	}
}

// GetLogs tails sandbox output, defaulting to the last 200 lines
func (s *Spawner) GetLogs(ctx context.Context, h domain.Handle, lines int) (string, error) {
	if lines <= 0 {
		lines = defaultLogLines
	}
	switch h.Mode {
	case domain.ModeContainer:
		return s.docker.Logs(ctx, h.ContainerID, lines)
	default:
		return s.tmux.CapturePane(ctx, h.TmuxSession, lines)
	}
}

// Cleanup removes the sandbox's worktree, snapshotting unpushed work
// first, and best-effort deletes the branch.
func (s *Spawner) Cleanup(ctx context.Context, h domain.Handle) error {
	if h.WorktreePath != "" {
		s.snapshotUnpushed(ctx, h)
		if err := s.git.WorktreeRemove(ctx, h.WorktreePath); err != nil {
			return fmt.Errorf("removing worktree: %w", err)
		}
	}
	if h.Branch != "" {
		s.git.DeleteBranch(ctx, h.Branch)
	}
	return nil
}

// ListActive enumerates all live sandboxes matching the fleet naming
// convention and maps them back to task ids.
func (s *Spawner) ListActive(ctx context.Context) (map[string]domain.ExecMode, error) {
	active := make(map[string]domain.ExecMode)

	sessions, err := s.tmux.ListSessions(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	for _, name := range sessions {
		active[strings.TrimPrefix(name, sessionPrefix)] = domain.ModeLocal
	}

	if s.cfg.Mode == domain.ModeContainer {
		fleet, err := s.docker.ListFleet(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing containers: %w", err)
		}
		for taskID := range fleet {
			active[taskID] = domain.ModeContainer
		}
	}

	return active, nil
}
