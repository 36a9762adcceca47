package spawner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
)

// removeSecretFile deletes a transient secret file. Failure here is
// logged, not propagated; the file lives in an owner-only directory.
func removeSecretFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("removing secret file")
	}
}

// snapshotUnpushed writes a portable bundle of the branch to the
// snapshot directory when the worktree has commits with no upstream
// counterpart. A safety net before destructive cleanup, not a backup
// system: failures are logged and never block the cleanup.
func (s *Spawner) snapshotUnpushed(ctx context.Context, h domain.Handle) {
	if s.cfg.SnapshotDir == "" {
		return
	}

	has, err := s.git.HasUnpushedCommits(ctx, h.WorktreePath)
	if err != nil || !has {
		if err != nil {
			log.Debug().Err(err).Str("task", h.TaskID).Msg("unpushed-commit check")
		}
		return
	}

	if err := os.MkdirAll(s.cfg.SnapshotDir, 0o755); err != nil {
		log.Warn().Err(err).Str("task", h.TaskID).Msg("creating snapshot dir")
		return
	}

	out := filepath.Join(s.cfg.SnapshotDir, bundleName(h.TaskID, h.Branch))
	if err := s.git.CreateBundle(ctx, h.WorktreePath, out); err != nil {
		log.Warn().Err(err).Str("task", h.TaskID).Msg("snapshotting unpushed work")
		return
	}
	log.Info().Str("task", h.TaskID).Str("bundle", out).Msg("unpushed work snapshotted")
}

func bundleName(taskID, branch string) string {
	safe := strings.ReplaceAll(branch, "/", "-")
	return fmt.Sprintf("%s-%s.bundle", taskID, safe)
}
