package spawner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
	"github.com/hochfrequenz/agent-fleet/internal/runtime"
)

func newTestSpawner(t *testing.T, fake *runtime.FakeRunner, mode domain.ExecMode) *Spawner {
	t.Helper()
	cfg := Config{
		Mode:        mode,
		BaseDir:     t.TempDir(),
		SnapshotDir: filepath.Join(t.TempDir(), "snapshots"),
		SecretDir:   t.TempDir(),
		InstallCmd:  []string{"npm", "ci"},
		AgentCommands: map[string]string{
			"claude": "claude --dangerously-skip-permissions",
		},
		ContainerImage:   "fleet-agent:latest",
		ContainerNetwork: "fleet-egress",
		SeccompProfile:   "/etc/fleet/seccomp.json",
	}
	return New(cfg, fake,
		runtime.NewGit(fake, "/repo"),
		runtime.NewTmux(fake),
		runtime.NewDocker(fake, "", ""),
		StaticSecrets{"API_KEY": "sk-test"},
	)
}

func TestSpawnLocalCommandSequence(t *testing.T) {
	fake := runtime.NewFakeRunner()
	s := newTestSpawner(t, fake, domain.ModeLocal)

	h, err := s.Spawn(context.Background(), "t1", "fleet/t1", "claude", "do the thing")
	if err != nil {
		t.Fatal(err)
	}
	if h.Mode != domain.ModeLocal || h.TmuxSession != "fleet-t1" {
		t.Errorf("handle = %+v", h)
	}

	// Every invocation is a bare executable plus an argument vector.
	for _, c := range fake.Calls {
		if strings.ContainsAny(c.Name, " ;|&") {
			t.Errorf("executable %q is not a bare name", c.Name)
		}
	}

	lines := fake.CallLines()
	var order []string
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "git worktree add"):
			order = append(order, "worktree")
		case strings.HasPrefix(l, "npm ci"):
			order = append(order, "install")
		case strings.HasPrefix(l, "tmux new-session"):
			order = append(order, "session")
		case strings.HasPrefix(l, "tmux send-keys"):
			order = append(order, "send")
		}
	}
	want := []string{"worktree", "install", "session", "send", "send"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("command order = %v, want %v", order, want)
	}
}

func TestSpawnLocalPromptNeverInArgvOfAgentProcess(t *testing.T) {
	fake := runtime.NewFakeRunner()
	s := newTestSpawner(t, fake, domain.ModeLocal)

	prompt := "secret prompt with a token sk-1234"
	if _, err := s.Spawn(context.Background(), "t1", "fleet/t1", "claude", prompt); err != nil {
		t.Fatal(err)
	}

	for _, c := range fake.Calls {
		joined := strings.Join(c.Args, " ")
		if strings.Contains(joined, prompt) && c.Args[0] != "send-keys" {
			t.Errorf("prompt leaked into %s argv: %v", c.Name, c.Args)
		}
		for _, e := range c.Env {
			if strings.Contains(e, prompt) {
				t.Errorf("prompt leaked into environment: %s", e)
			}
		}
	}
}

func TestSpawnLocalInstallFailureCleansWorktreeOnce(t *testing.T) {
	fake := runtime.NewFakeRunner()
	fake.Failures["npm ci"] = errors.New("registry timeout")
	s := newTestSpawner(t, fake, domain.ModeLocal)

	_, err := s.Spawn(context.Background(), "t1", "fleet/t1", "claude", "prompt")
	var step *domain.StepError
	if !errors.As(err, &step) || step.Step != domain.StepInstall {
		t.Fatalf("err = %v, want install StepError", err)
	}

	if n := fake.Count("git worktree remove"); n != 1 {
		t.Errorf("worktree remove called %d times, want 1", n)
	}

	// Removal happens after the failed install, before the failure
	// propagates.
	lines := fake.CallLines()
	installIdx, removeIdx := -1, -1
	for i, l := range lines {
		if strings.HasPrefix(l, "npm ci") {
			installIdx = i
		}
		if strings.HasPrefix(l, "git worktree remove") {
			removeIdx = i
		}
	}
	if installIdx == -1 || removeIdx == -1 || removeIdx < installIdx {
		t.Errorf("cleanup ordering wrong: install@%d remove@%d", installIdx, removeIdx)
	}

	if fake.Count("tmux new-session") != 0 {
		t.Error("session started despite install failure")
	}
}

func TestSpawnLocalRejectsBadBranchBeforeAnyCommand(t *testing.T) {
	fake := runtime.NewFakeRunner()
	s := newTestSpawner(t, fake, domain.ModeLocal)

	_, err := s.Spawn(context.Background(), "t1", "bad;branch", "claude", "prompt")
	var invalid *domain.BranchInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want BranchInvalidError", err)
	}
	if len(fake.Calls) != 0 {
		t.Errorf("commands ran before validation: %v", fake.CallLines())
	}
}

type hookRunner struct {
	*runtime.FakeRunner
	onCall func(c runtime.Call)
}

func (h *hookRunner) RunEnv(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	out, err := h.FakeRunner.RunEnv(ctx, dir, env, name, args...)
	if h.onCall != nil {
		h.onCall(h.FakeRunner.Calls[len(h.FakeRunner.Calls)-1])
	}
	return out, err
}

func (h *hookRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	return h.RunEnv(ctx, dir, nil, name, args...)
}

func secretFileArg(args []string) string {
	for i, a := range args {
		if a == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestSpawnContainerSecretFileLifecycle(t *testing.T) {
	for _, outcome := range []string{"success", "failure"} {
		t.Run(outcome, func(t *testing.T) {
			fake := runtime.NewFakeRunner()
			if outcome == "success" {
				fake.Outputs["docker run"] = "container123"
			} else {
				fake.Failures["docker run"] = errors.New("image pull failed")
			}

			var seenPath string
			var seenMode os.FileMode
			hooked := &hookRunner{FakeRunner: fake, onCall: func(c runtime.Call) {
				if c.Name != "docker" || c.Args[0] != "run" {
					return
				}
				seenPath = secretFileArg(c.Args)
				if info, err := os.Stat(seenPath); err == nil {
					seenMode = info.Mode().Perm()
				}
			}}

			s := newTestSpawner(t, fake, domain.ModeContainer)
			s.runner = hooked
			s.docker = runtime.NewDocker(hooked, "", "")
			mkWorktreeDir(t, s, "t1")

			h, err := s.Spawn(context.Background(), "t1", "fleet/t1", "claude", "prompt")
			if outcome == "success" {
				if err != nil {
					t.Fatal(err)
				}
				if h.ContainerID != "container123" || h.Mode != domain.ModeContainer {
					t.Errorf("handle = %+v", h)
				}
			} else if err == nil {
				t.Fatal("expected launch failure")
			}

			if seenPath == "" {
				t.Fatal("secret file not passed to container run")
			}
			if seenMode != 0o600 {
				t.Errorf("secret file mode = %o, want 600", seenMode)
			}
			if _, statErr := os.Stat(seenPath); !os.IsNotExist(statErr) {
				t.Errorf("secret file still on disk after %s", outcome)
			}
		})
	}
}

// mkWorktreeDir stands in for the worktree the (faked) git call would
// have created.
func mkWorktreeDir(t *testing.T, s *Spawner, taskID string) string {
	t.Helper()
	wt := filepath.Join(s.cfg.BaseDir, "wt-"+taskID)
	if err := os.MkdirAll(wt, 0o755); err != nil {
		t.Fatal(err)
	}
	return wt
}

func TestSpawnContainerDeliversPromptWithoutArgvOrEnv(t *testing.T) {
	fake := runtime.NewFakeRunner()
	fake.Outputs["docker run"] = "container123"
	s := newTestSpawner(t, fake, domain.ModeContainer)
	wt := mkWorktreeDir(t, s, "t1")

	prompt := "container instructions with a token sk-1234"
	if _, err := s.Spawn(context.Background(), "t1", "fleet/t1", "claude", prompt); err != nil {
		t.Fatal(err)
	}

	for _, c := range fake.Calls {
		if strings.Contains(strings.Join(c.Args, " "), prompt) {
			t.Errorf("prompt leaked into %s argv: %v", c.Name, c.Args)
		}
		for _, e := range c.Env {
			if strings.Contains(e, prompt) {
				t.Errorf("prompt leaked into environment: %s", e)
			}
		}
	}

	path := filepath.Join(wt, ".fleet-prompt")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("prompt file not written: %v", err)
	}
	if string(data) != prompt {
		t.Errorf("prompt file content = %q", data)
	}
	if info, _ := os.Stat(path); info.Mode().Perm() != 0o600 {
		t.Errorf("prompt file mode = %o, want 600", info.Mode().Perm())
	}

	// The container command reads the prompt file; the agent launch
	// command itself is the only shell fragment in the run argv.
	run := strings.Join(fake.Calls[len(fake.Calls)-1].Args, " ")
	if !strings.Contains(run, "claude --dangerously-skip-permissions < .fleet-prompt") {
		t.Errorf("container command does not read the prompt file: %s", run)
	}
}

func TestSpawnContainerRequiresImage(t *testing.T) {
	fake := runtime.NewFakeRunner()
	s := newTestSpawner(t, fake, domain.ModeContainer)
	s.cfg.ContainerImage = ""

	_, err := s.Spawn(context.Background(), "t1", "fleet/t1", "claude", "prompt")
	if !errors.Is(err, domain.ErrConfigMissing) {
		t.Fatalf("err = %v, want ErrConfigMissing", err)
	}
	if len(fake.Calls) != 0 {
		t.Errorf("commands ran without an image: %v", fake.CallLines())
	}
}

func TestCleanupSnapshotsUnpushedWork(t *testing.T) {
	fake := runtime.NewFakeRunner()
	fake.Outputs["git log --oneline"] = "ab12cd3 wip"
	s := newTestSpawner(t, fake, domain.ModeLocal)

	h := domain.Handle{
		TaskID:       "t1",
		Branch:       "fleet/t1",
		WorktreePath: filepath.Join(s.cfg.BaseDir, "wt-t1"),
		TmuxSession:  "fleet-t1",
		Mode:         domain.ModeLocal,
	}
	if err := s.Cleanup(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	if fake.Count("git bundle create") != 1 {
		t.Error("bundle not created for unpushed work")
	}
	if fake.Count("git worktree remove") != 1 {
		t.Error("worktree not removed")
	}
	if fake.Count("git branch -D") != 1 {
		t.Error("branch delete not attempted")
	}
}

func TestCleanupSnapshotFailureDoesNotBlock(t *testing.T) {
	fake := runtime.NewFakeRunner()
	fake.Outputs["git log --oneline"] = "ab12cd3 wip"
	fake.Failures["git bundle create"] = errors.New("disk full")
	s := newTestSpawner(t, fake, domain.ModeLocal)

	h := domain.Handle{
		TaskID:       "t1",
		Branch:       "fleet/t1",
		WorktreePath: filepath.Join(s.cfg.BaseDir, "wt-t1"),
		Mode:         domain.ModeLocal,
	}
	if err := s.Cleanup(context.Background(), h); err != nil {
		t.Fatalf("cleanup blocked by snapshot failure: %v", err)
	}
	if fake.Count("git worktree remove") != 1 {
		t.Error("worktree not removed after snapshot failure")
	}
}

func TestListActiveMapsSessionsToTaskIDs(t *testing.T) {
	fake := runtime.NewFakeRunner()
	fake.Outputs["tmux list-sessions"] = "fleet-t1\nfleet-t2\nunrelated\n"
	s := newTestSpawner(t, fake, domain.ModeLocal)

	active, err := s.ListActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %v", active)
	}
	if active["t1"] != domain.ModeLocal || active["t2"] != domain.ModeLocal {
		t.Errorf("active = %v", active)
	}
}

func TestIsAliveSwallowsProbeErrors(t *testing.T) {
	fake := runtime.NewFakeRunner()
	fake.Failures["tmux has-session"] = errors.New("no server")
	s := newTestSpawner(t, fake, domain.ModeLocal)

	h := domain.Handle{TaskID: "t1", TmuxSession: "fleet-t1", Mode: domain.ModeLocal}
	if s.IsAlive(context.Background(), h) {
		t.Error("probe error must read as not alive")
	}
}
