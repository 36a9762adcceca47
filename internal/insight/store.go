package insight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// insightSubdir is where agents drop insight files inside their worktree.
const insightSubdir = ".fleet/insights"

// Insight is one learning an agent recorded during a task. Files lacking
// an expires_at never expire.
type Insight struct {
	Title     string     `yaml:"title"`
	Body      string     `yaml:"body"`
	TaskID    string     `yaml:"task_id,omitempty"`
	Tags      []string   `yaml:"tags,omitempty"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty"`
}

// Store collects insight files from worktrees into a single directory
// and expires them.
type Store struct {
	dir string
	now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Harvest copies insight yaml files from each worktree's insight subdir
// into the store. Unreadable or malformed files are logged and skipped;
// harvest never fails a caller.
func (s *Store) Harvest(ctx context.Context, worktrees []string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating insight dir: %w", err)
	}

	for _, wt := range worktrees {
		if err := ctx.Err(); err != nil {
			return err
		}
		pattern := filepath.Join(wt, insightSubdir, "*.yaml")
		matches, err := filepath.Glob(pattern)
		if err != nil {
			log.Warn().Err(err).Str("worktree", wt).Msg("insight glob failed")
			continue
		}
		for _, src := range matches {
			if err := s.harvestFile(src); err != nil {
				log.Warn().Err(err).Str("file", src).Msg("insight skipped")
			}
		}
	}
	return nil
}

func (s *Store) harvestFile(src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	var ins Insight
	if err := yaml.Unmarshal(data, &ins); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(src), err)
	}
	if ins.Title == "" {
		return fmt.Errorf("%s: missing title", filepath.Base(src))
	}

	dst := filepath.Join(s.dir, filepath.Base(src))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		log.Warn().Err(err).Str("file", src).Msg("harvested insight not removed from worktree")
	}
	return nil
}

// PruneExpired deletes stored insights whose expires_at is in the past.
func (s *Store) PruneExpired(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("listing insights: %w", err)
	}

	now := s.now()
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("insight unreadable during prune")
			continue
		}
		var ins Insight
		if err := yaml.Unmarshal(data, &ins); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("insight unparsable during prune")
			continue
		}
		if ins.ExpiresAt == nil || ins.ExpiresAt.After(now) {
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("expired insight not removed")
			continue
		}
		log.Debug().Str("file", path).Time("expiredAt", *ins.ExpiresAt).Msg("expired insight pruned")
	}
	return nil
}

// List returns all stored insights, skipping unparsable files.
func (s *Store) List() ([]Insight, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("listing insights: %w", err)
	}
	out := make([]Insight, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var ins Insight
		if err := yaml.Unmarshal(data, &ins); err != nil {
			continue
		}
		out = append(out, ins)
	}
	return out, nil
}
