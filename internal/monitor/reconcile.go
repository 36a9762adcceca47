package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
)

// ReconcileResult summarizes one reconciliation pass. The counts
// partition the inputs actually visited; nothing is double-counted.
type ReconcileResult struct {
	TasksScanned         int
	OrphanedMarkedFailed int
	OrphanedTaskIDs      []string
	UntrackedProcesses   int
	UntrackedTaskIDs     []string
	Errors               int
}

const reasonOrphaned = "orphaned_on_reconcile"

// Reconcile compares live task records against running sandboxes and
// corrects drift. The registry decides what should exist; the runtime
// decides what is alive. Individual task failures are counted, never
// propagated — only a failure to enumerate either side aborts the pass.
func (m *Monitor) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	live, err := m.reg.ListLive()
	if err != nil {
		return result, fmt.Errorf("listing live tasks: %w", err)
	}
	active, err := m.sandbox.ListActive(ctx)
	if err != nil {
		return result, fmt.Errorf("listing active sandboxes: %w", err)
	}

	result.TasksScanned = len(live)
	tracked := make(map[string]bool, len(live))

	for _, rec := range live {
		tracked[rec.ID] = true
		if _, alive := active[rec.ID]; alive {
			continue
		}

		switch rec.Status {
		case domain.StatusSpawning, domain.StatusRunning:
			// Recorded as executing but nothing is running: orphaned.
			reason := reasonOrphaned
			err := m.reg.Transition(rec.ID, rec.Version, domain.StatusFailed, domain.Patch{FailureReason: &reason})
			if err != nil {
				var conflict *domain.ConflictError
				if errors.As(err, &conflict) {
					log.Warn().Str("task", rec.ID).Int("expected", conflict.ExpectedVersion).Int("actual", conflict.ActualVersion).
						Msg("stale version while failing orphan, skipping")
				} else {
					log.Error().Err(err).Str("task", rec.ID).Msg("failing orphaned task")
				}
				result.Errors++
				continue
			}
			result.OrphanedMarkedFailed++
			result.OrphanedTaskIDs = append(result.OrphanedTaskIDs, rec.ID)
			log.Info().Str("task", rec.ID).Str("was", string(rec.Status)).Msg("orphaned task marked failed")
		default:
			// Other live statuses legitimately have no running process
			// (e.g. awaiting review); note the anomaly, do not act.
			log.Debug().Str("task", rec.ID).Str("status", string(rec.Status)).Msg("live task with no sandbox, not auto-failed")
		}
	}

	// Sandboxes with no record are left running: killing an unknown
	// process is too destructive to automate.
	for taskID := range active {
		if tracked[taskID] {
			continue
		}
		result.UntrackedProcesses++
		result.UntrackedTaskIDs = append(result.UntrackedTaskIDs, taskID)
		log.Warn().Str("task", taskID).Msg("untracked sandbox found, leaving it running")
	}

	log.Info().
		Int("scanned", result.TasksScanned).
		Int("orphaned", result.OrphanedMarkedFailed).
		Int("untracked", result.UntrackedProcesses).
		Int("errors", result.Errors).
		Msg("reconciliation complete")
	return result, nil
}
