package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
	"github.com/hochfrequenz/agent-fleet/internal/events"
)

// CycleResult summarizes one recurring pass over the live task set
type CycleResult struct {
	TasksChecked      int
	DeadTaskIDs       []string
	PRsDetected       []string
	CIUpdated         []string
	StalledTaskIDs    []string
	TimeoutsTriggered int
	TimedOutTaskIDs   []string
	ErrorTaskIDs      []string
	RegistryError     bool
}

const (
	reasonAgentDied = "agent_died"
	reasonTimeout   = "timeout"
)

// Cycle runs one health/status pass. Probes for distinct tasks run
// concurrently; each task is processed inside its own error boundary so
// one task's failure never aborts the pass.
func (m *Monitor) Cycle(ctx context.Context) CycleResult {
	var result CycleResult
	t := m.currentThresholds()

	live, err := m.reg.ListLive()
	if err != nil {
		log.Error().Err(err).Msg("cycle: listing live tasks")
		result.RegistryError = true
		return result
	}

	var mu sync.Mutex
	var aliveWorktrees []string

	g, gctx := errgroup.WithContext(ctx)
	if t.ProbeConcurrency > 0 {
		g.SetLimit(t.ProbeConcurrency)
	}

	for _, rec := range live {
		rec := rec
		g.Go(func() error {
			outcome, err := m.checkTask(gctx, rec, t)

			mu.Lock()
			defer mu.Unlock()
			result.TasksChecked++
			if err != nil {
				log.Error().Err(err).Str("task", rec.ID).Msg("task check failed")
				result.ErrorTaskIDs = append(result.ErrorTaskIDs, rec.ID)
				return nil // isolation: never fail the group
			}
			if outcome.dead {
				result.DeadTaskIDs = append(result.DeadTaskIDs, rec.ID)
			}
			if outcome.prDetected {
				result.PRsDetected = append(result.PRsDetected, rec.ID)
			}
			if outcome.ciUpdated {
				result.CIUpdated = append(result.CIUpdated, rec.ID)
			}
			if outcome.stalled {
				result.StalledTaskIDs = append(result.StalledTaskIDs, rec.ID)
			}
			if outcome.timedOut {
				result.TimeoutsTriggered++
				result.TimedOutTaskIDs = append(result.TimedOutTaskIDs, rec.ID)
			}
			if outcome.aliveWorktree != "" {
				aliveWorktrees = append(aliveWorktrees, outcome.aliveWorktree)
			}
			return nil
		})
	}
	g.Wait()

	m.runSideEffects(ctx, aliveWorktrees)
	return result
}

type taskOutcome struct {
	dead          bool
	prDetected    bool
	ciUpdated     bool
	stalled       bool
	timedOut      bool
	aliveWorktree string
}

// checkTask runs steps 1-5 for one task. A panic anywhere inside is
// converted to an error at this boundary.
func (m *Monitor) checkTask(ctx context.Context, rec *domain.TaskRecord, t Thresholds) (outcome taskOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic checking task %s: %v", rec.ID, r)
		}
	}()

	handle, ok := domain.HandleFromRecord(rec)
	if !ok {
		// Nothing to probe; the task has no process reference yet.
		return outcome, nil
	}

	alive := m.sandbox.IsAlive(ctx, handle)
	if !alive {
		if rec.Status == domain.StatusSpawning || rec.Status == domain.StatusRunning {
			reason := reasonAgentDied
			if terr := m.reg.Transition(rec.ID, rec.Version, domain.StatusFailed, domain.Patch{FailureReason: &reason}); terr != nil {
				return outcome, fmt.Errorf("failing dead task: %w", terr)
			}
			m.recordIdentityOutcome(rec, false)
			m.emit(events.TypeAgentFailed, rec)
			log.Info().Str("task", rec.ID).Msg("agent died, task failed")
			outcome.dead = true
		}
		return outcome, nil
	}
	outcome.aliveWorktree = rec.WorktreePath

	version := rec.Version
	if rec.PRNumber == 0 {
		detected, newVersion, perr := m.detectPR(ctx, rec, version)
		if perr != nil {
			return outcome, perr
		}
		outcome.prDetected = detected
		version = newVersion
	} else {
		updated, newVersion, cerr := m.refreshCI(ctx, rec, version)
		if cerr != nil {
			return outcome, cerr
		}
		outcome.ciUpdated = updated
		version = newVersion
	}

	if rec.Status == domain.StatusRunning && rec.PRNumber == 0 {
		stalled, serr := m.detectStall(ctx, rec, t)
		if serr != nil {
			return outcome, serr
		}
		outcome.stalled = stalled
	}

	timedOut, terr := m.detectTimeout(rec, version, t)
	if terr != nil {
		return outcome, terr
	}
	outcome.timedOut = timedOut

	return outcome, nil
}

// detectPR looks for a PR on the task's branch and, when one exists,
// moves the task to pr_created carrying the PR number. Upstream
// throttling reads as "no new information".
func (m *Monitor) detectPR(ctx context.Context, rec *domain.TaskRecord, version int) (bool, int, error) {
	pr, err := m.status.FindPR(ctx, rec.Branch)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamThrottled) {
			return false, version, nil
		}
		return false, version, fmt.Errorf("pr lookup: %w", err)
	}
	if pr == nil {
		return false, version, nil
	}

	if err := m.reg.Transition(rec.ID, version, domain.StatusPRCreated, domain.Patch{PRNumber: &pr.Number}); err != nil {
		return false, version, fmt.Errorf("recording pr: %w", err)
	}
	// Keep the in-memory record in step so later checks this pass see
	// the task as under review.
	rec.Status = domain.StatusPRCreated
	rec.PRNumber = pr.Number
	m.emit(events.TypePRDetected, rec)
	log.Info().Str("task", rec.ID).Int("pr", pr.Number).Msg("pull request detected")
	return true, version + 1, nil
}

// refreshCI polls CI for a PR-bearing task and patches the stored
// conclusion when it changed.
func (m *Monitor) refreshCI(ctx context.Context, rec *domain.TaskRecord, version int) (bool, int, error) {
	ci, err := m.status.CIStatus(ctx, rec.Branch)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamThrottled) {
			return false, version, nil
		}
		return false, version, fmt.Errorf("ci poll: %w", err)
	}
	if ci.Conclusion == rec.CIStatus {
		return false, version, nil
	}

	if err := m.reg.Transition(rec.ID, version, rec.Status, domain.Patch{CIStatus: &ci.Conclusion}); err != nil {
		return false, version, fmt.Errorf("recording ci status: %w", err)
	}
	rec.CIStatus = ci.Conclusion
	log.Info().Str("task", rec.ID).Str("ci", ci.Conclusion).Msg("ci conclusion updated")
	return true, version + 1, nil
}

// detectStall flags a running, PR-less task whose branch has been quiet
// past the threshold. Logged and counted; no state transition.
func (m *Monitor) detectStall(ctx context.Context, rec *domain.TaskRecord, t Thresholds) (bool, error) {
	last, err := m.status.LastCommitTime(ctx, rec.Branch)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamThrottled) {
			return false, nil
		}
		return false, fmt.Errorf("last-commit lookup: %w", err)
	}
	if last.IsZero() {
		// No signal is not a stall.
		return false, nil
	}
	if m.now().Sub(last) <= t.StallAfter {
		return false, nil
	}
	log.Warn().Str("task", rec.ID).Time("lastCommit", last).Msg("task stalled, no recent commits")
	return true, nil
}

// detectTimeout fails spawn-phase tasks past the wall-clock budget.
// PR-bearing tasks are counted but not transitioned: work already under
// review is not auto-failed for exceeding the spawn-phase budget.
func (m *Monitor) detectTimeout(rec *domain.TaskRecord, version int, t Thresholds) (bool, error) {
	if rec.SpawnedAt == nil || t.MaxTaskDuration <= 0 {
		return false, nil
	}
	if m.now().Sub(*rec.SpawnedAt) <= t.MaxTaskDuration {
		return false, nil
	}

	switch rec.Status {
	case domain.StatusSpawning, domain.StatusRunning:
		reason := reasonTimeout
		if err := m.reg.Transition(rec.ID, version, domain.StatusFailed, domain.Patch{FailureReason: &reason}); err != nil {
			return false, fmt.Errorf("failing timed-out task: %w", err)
		}
		m.recordIdentityOutcome(rec, false)
		m.emit(events.TypeAgentFailed, rec)
		log.Info().Str("task", rec.ID).Msg("task exceeded max duration, failed")
		return true, nil
	default:
		if rec.Status.HasPR() {
			log.Warn().Str("task", rec.ID).Str("status", string(rec.Status)).Msg("task past max duration but under review, not failing")
			return true, nil
		}
	}
	return false, nil
}

// runSideEffects executes the optional post-loop work. Failures here
// are isolated and never appear in the per-task error list.
func (m *Monitor) runSideEffects(ctx context.Context, worktrees []string) {
	if m.harvest == nil {
		return
	}
	if err := m.harvest.Harvest(ctx, worktrees); err != nil {
		log.Warn().Err(err).Msg("insight harvest failed")
	}
	if err := m.harvest.PruneExpired(ctx); err != nil {
		log.Warn().Err(err).Msg("insight pruning failed")
	}
}
