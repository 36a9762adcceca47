package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Git issues version-control commands against a repository
type Git struct {
	runner  Runner
	repoDir string
}

// NewGit creates a Git wrapper rooted at repoDir
func NewGit(runner Runner, repoDir string) *Git {
	return &Git{runner: runner, repoDir: repoDir}
}

// WorktreeAdd creates a worktree at path bound to a new branch off base
func (g *Git) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	if _, err := g.runner.Run(ctx, g.repoDir, "git", "worktree", "add", "-b", branch, path, base); err != nil {
		return fmt.Errorf("git worktree add: %w", err)
	}
	return nil
}

// WorktreeRemove force-removes a worktree
func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	if _, err := g.runner.Run(ctx, g.repoDir, "git", "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("git worktree remove: %w", err)
	}
	return nil
}

// WorktreePrune drops stale worktree bookkeeping entries
func (g *Git) WorktreePrune(ctx context.Context) {
	g.runner.Run(ctx, g.repoDir, "git", "worktree", "prune")
}

// DeleteBranch force-deletes a branch. A "not fully merged" or missing
// branch rejection is swallowed — branch deletion after cleanup is
// best-effort by design of the callers.
func (g *Git) DeleteBranch(ctx context.Context, branch string) {
	g.runner.Run(ctx, g.repoDir, "git", "branch", "-D", branch)
}

// HasUnpushedCommits reports whether the worktree's branch has commits
// not reflected on any upstream ref.
func (g *Git) HasUnpushedCommits(ctx context.Context, worktree string) (bool, error) {
	// No upstream configured means everything local is unpushed,
	// as long as the branch has at least one commit of its own.
	out, err := g.runner.Run(ctx, worktree, "git", "log", "--oneline", "@{upstream}..HEAD")
	if err != nil {
		// @{upstream} fails when no upstream is set; fall back to
		// comparing against the default branch.
		out, err = g.runner.Run(ctx, worktree, "git", "log", "--oneline", "origin/main..HEAD")
		if err != nil {
			return false, fmt.Errorf("git log: %w", err)
		}
	}
	return strings.TrimSpace(out) != "", nil
}

// CreateBundle writes a portable bundle of the worktree's branch to out
func (g *Git) CreateBundle(ctx context.Context, worktree, out string) error {
	if _, err := g.runner.Run(ctx, worktree, "git", "bundle", "create", out, "HEAD"); err != nil {
		return fmt.Errorf("git bundle create: %w", err)
	}
	return nil
}

// LastCommitTime returns the committer timestamp of the branch tip.
// A zero time with nil error means "no signal" (missing branch, empty
// output) and must not be read as a stall.
func (g *Git) LastCommitTime(ctx context.Context, branch string) (time.Time, error) {
	out, err := g.runner.Run(ctx, g.repoDir, "git", "log", "-1", "--format=%cI", branch)
	if err != nil {
		return time.Time{}, fmt.Errorf("git log -1: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, out)
	if err != nil {
		return time.Time{}, nil
	}
	return ts, nil
}

// Fetch pulls the latest refs for the default branch. Errors are
// ignored; the remote may not exist in local setups.
func (g *Git) Fetch(ctx context.Context) {
	g.runner.Run(ctx, g.repoDir, "git", "fetch", "origin", "main")
}

// ResolveBase returns origin/main when it exists, falling back to HEAD
func (g *Git) ResolveBase(ctx context.Context) string {
	if _, err := g.runner.Run(ctx, g.repoDir, "git", "rev-parse", "--verify", "origin/main"); err != nil {
		return "HEAD"
	}
	return "origin/main"
}
