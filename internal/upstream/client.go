// Package upstream polls the code host for pull-request existence, CI
// conclusions and branch activity via the gh CLI. It is stateless and
// failure-tolerant: throttling reads as "unknown, try later", missing
// data reads as "no signal".
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
	"github.com/hochfrequenz/agent-fleet/internal/runtime"
)

// PR describes an open pull request found for a branch
type PR struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	URL    string `json:"url"`
}

// CIResult carries the latest CI run outcome for a branch.
// Conclusion is "unknown" while the run has not concluded.
type CIResult struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// Client queries the code host through the gh CLI
type Client struct {
	runner  runtime.Runner
	repoDir string
}

// NewClient creates a Client running gh commands from repoDir
func NewClient(runner runtime.Runner, repoDir string) *Client {
	return &Client{runner: runner, repoDir: repoDir}
}

// FindPR returns the first open PR whose head is branch, or nil when
// none exists. Rate-limit and permission failures return
// domain.ErrUpstreamThrottled — they never mean "no PR".
func (c *Client) FindPR(ctx context.Context, branch string) (*PR, error) {
	out, err := c.runner.Run(ctx, c.repoDir, "gh", "pr", "list",
		"--head", branch,
		"--json", "number,state,url",
		"--limit", "1")
	if err != nil {
		if isThrottled(err) {
			log.Warn().Str("branch", branch).Msg("code host throttled PR lookup")
			return nil, domain.ErrUpstreamThrottled
		}
		return nil, fmt.Errorf("gh pr list: %w", err)
	}

	var prs []PR
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// CIStatus returns the most recent CI run for a branch. A missing
// conclusion defaults to "unknown" rather than erroring.
func (c *Client) CIStatus(ctx context.Context, branch string) (CIResult, error) {
	out, err := c.runner.Run(ctx, c.repoDir, "gh", "run", "list",
		"--branch", branch,
		"--json", "status,conclusion",
		"--limit", "1")
	if err != nil {
		if isThrottled(err) {
			return CIResult{}, domain.ErrUpstreamThrottled
		}
		return CIResult{}, fmt.Errorf("gh run list: %w", err)
	}

	var runs []CIResult
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		return CIResult{}, fmt.Errorf("parse gh output: %w", err)
	}
	if len(runs) == 0 {
		return CIResult{Conclusion: "unknown"}, nil
	}
	result := runs[0]
	if result.Conclusion == "" {
		result.Conclusion = "unknown"
	}
	return result, nil
}

// LastCommitTime returns the committer timestamp of the branch tip on
// the code host. A zero time with nil error means "no signal" — never
// a stall.
func (c *Client) LastCommitTime(ctx context.Context, branch string) (time.Time, error) {
	out, err := c.runner.Run(ctx, c.repoDir, "gh", "api",
		"repos/{owner}/{repo}/commits/"+branch,
		"--jq", ".commit.committer.date")
	if err != nil {
		if isThrottled(err) {
			return time.Time{}, domain.ErrUpstreamThrottled
		}
		return time.Time{}, fmt.Errorf("gh api commits: %w", err)
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

// isThrottled classifies rate-limit and permission failures, which get
// logged distinctly and treated as "no new information".
func isThrottled(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "api rate") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "forbidden")
}
