package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Tmux issues terminal-multiplexer commands for local sandboxes
type Tmux struct {
	runner Runner
}

// NewTmux creates a Tmux wrapper
func NewTmux(runner Runner) *Tmux {
	return &Tmux{runner: runner}
}

// NewSession starts a detached session named name rooted at dir
func (t *Tmux) NewSession(ctx context.Context, name, dir string) error {
	if _, err := t.runner.Run(ctx, "", "tmux", "new-session", "-d", "-s", name, "-c", dir); err != nil {
		return fmt.Errorf("tmux new-session: %w", err)
	}
	return nil
}

// HasSession probes whether a session exists. Probe errors mean the
// session is not addressable, which callers read as "not alive".
func (t *Tmux) HasSession(ctx context.Context, name string) bool {
	_, err := t.runner.Run(ctx, "", "tmux", "has-session", "-t", name)
	return err == nil
}

// SendKeys delivers input to a session followed by Enter. The payload
// travels as session input, never as a process argument or environment
// value, so prompts stay out of process listings.
func (t *Tmux) SendKeys(ctx context.Context, name, input string) error {
	if _, err := t.runner.Run(ctx, "", "tmux", "send-keys", "-t", name, input, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys: %w", err)
	}
	return nil
}

// CapturePane returns the last lines of a session's visible output
func (t *Tmux) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	out, err := t.runner.Run(ctx, "", "tmux", "capture-pane", "-t", name, "-p", "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return out, nil
}

// KillSession terminates a session
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	if _, err := t.runner.Run(ctx, "", "tmux", "kill-session", "-t", name); err != nil {
		return fmt.Errorf("tmux kill-session: %w", err)
	}
	return nil
}

// ListSessions returns the names of all sessions starting with prefix
func (t *Tmux) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	out, err := t.runner.Run(ctx, "", "tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// tmux exits non-zero when no server is running; that simply
		// means there are no sessions.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}
