// Package runtime wraps the OS-level commands the fleet depends on:
// git for worktrees and branches, tmux for local sandbox sessions, and
// the container engine for container sandboxes. Every command is issued
// as an explicit argument vector — shell strings are never built here,
// so user-controlled content (branch names, prompts) cannot inject.
package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes a single external command and returns captured stdout.
// dir may be empty for commands that do not care about the working
// directory. Implementations must pass args through untouched.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
	// RunEnv behaves like Run but appends extra KEY=VALUE pairs to the
	// spawned command's environment (not the parent's).
	RunEnv(ctx context.Context, dir string, env []string, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec
type ExecRunner struct{}

// Run executes name with args in dir, returning combined trimmed stdout.
// Stderr is folded into the error to keep failures attributable.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	return ExecRunner{}.RunEnv(ctx, dir, nil, name, args...)
}

func (ExecRunner) RunEnv(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		return "", fmt.Errorf("%s: %s: %w", name, msg, err)
	}
	return strings.TrimSpace(string(out)), nil
}
