package conductor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
	"github.com/hochfrequenz/agent-fleet/internal/events"
	"github.com/hochfrequenz/agent-fleet/internal/notify"
	"github.com/hochfrequenz/agent-fleet/internal/policy"
	"github.com/hochfrequenz/agent-fleet/internal/prompt"
	"github.com/hochfrequenz/agent-fleet/internal/registry"
	"github.com/hochfrequenz/agent-fleet/internal/route"
)

const defaultLogLines = 200

// SandboxManager is the slice of the spawner the conductor drives.
type SandboxManager interface {
	WorktreePath(taskID string) (string, error)
	Spawn(ctx context.Context, taskID, branch, agentKind, promptText string) (domain.Handle, error)
	Kill(ctx context.Context, h domain.Handle) error
	Cleanup(ctx context.Context, h domain.Handle) error
	GetLogs(ctx context.Context, h domain.Handle, lines int) (string, error)
}

// Emitter fans fleet events out to subscribers.
type Emitter interface {
	Emit(ev events.Event)
}

// SpawnRequest describes one task to launch.
type SpawnRequest struct {
	Operator       string
	Tier           string
	AgentKind      string
	Classification string
	Branch         string
	TaskBody       string
	Context        []prompt.Section
	IdentityID     string
	GroupID        string
}

// SpawnResult summarizes a successful spawn for the caller.
type SpawnResult struct {
	TaskID       string
	Branch       string
	WorktreePath string
	Model        string
	AgentKind    string
	Status       domain.TaskStatus
}

// Conductor orchestrates task lifecycle operations against the registry
// and the sandbox runtime. Durable state always precedes side effects:
// the task record exists before any sandbox does, so a crash mid-spawn
// is reconcilable from registry state alone.
type Conductor struct {
	reg       registry.Registry
	sandbox   SandboxManager
	admission *policy.Admission
	router    *route.Selector
	prompts   *prompt.Builder
	emitter   Emitter
	notifier  notify.Notifier
}

func New(reg registry.Registry, sandbox SandboxManager, admission *policy.Admission, router *route.Selector, prompts *prompt.Builder, emitter Emitter, notifier notify.Notifier) *Conductor {
	return &Conductor{
		reg:       reg,
		sandbox:   sandbox,
		admission: admission,
		router:    router,
		prompts:   prompts,
		emitter:   emitter,
		notifier:  notifier,
	}
}

// Spawn admits, routes, and launches one task. The admission pre-check
// is cache-only and runs before anything durable is written; a denial
// costs no I/O. On any saga step failure, completed steps are
// compensated before the error is returned.
func (c *Conductor) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if err := c.admission.Check(req.Operator, req.Tier); err != nil {
		return nil, err
	}

	model := c.router.Select(req.Classification)
	asm := c.prompts.Build(req.TaskBody, req.Context)
	taskID := prompt.IdempotencyToken(req.Operator, req.Branch, asm.Hash)

	wtPath, err := c.sandbox.WorktreePath(taskID)
	if err != nil {
		return nil, fmt.Errorf("resolving worktree path: %w", err)
	}

	rec := &domain.TaskRecord{
		ID:             taskID,
		Operator:       req.Operator,
		AgentKind:      req.AgentKind,
		Model:          model,
		Classification: req.Classification,
		Branch:         req.Branch,
		WorktreePath:   wtPath,
		Status:         domain.StatusProposed,
		IdentityID:     req.IdentityID,
		GroupID:        req.GroupID,
	}

	var handle domain.Handle
	steps := []step{
		{
			name: "insert record",
			action: func() error {
				return c.reg.Insert(rec)
			},
			compensate: func() {
				if err := c.reg.Delete(taskID); err != nil {
					log.Error().Err(err).Str("task", taskID).Msg("compensation: record delete failed")
				}
			},
		},
		{
			name: "spawn sandbox",
			action: func() error {
				h, err := c.sandbox.Spawn(ctx, taskID, req.Branch, req.AgentKind, asm.Text)
				if err != nil {
					return err
				}
				handle = h
				return nil
			},
			compensate: func() {
				if err := c.sandbox.Kill(ctx, handle); err != nil {
					log.Warn().Err(err).Str("task", taskID).Msg("compensation: sandbox kill failed")
				}
				if err := c.sandbox.Cleanup(ctx, handle); err != nil {
					log.Warn().Err(err).Str("task", taskID).Msg("compensation: sandbox cleanup failed")
				}
			},
		},
		{
			name: "activate record",
			action: func() error {
				spawned := handle.SpawnedAt
				patch := domain.Patch{SpawnedAt: &spawned}
				if handle.Mode == domain.ModeContainer {
					patch.ContainerID = &handle.ContainerID
				} else {
					patch.TmuxSession = &handle.TmuxSession
				}
				if err := c.reg.Transition(taskID, rec.Version, domain.StatusSpawning, patch); err != nil {
					return err
				}
				return c.reg.Transition(taskID, rec.Version+1, domain.StatusRunning, domain.Patch{})
			},
		},
	}

	if err := runSaga(steps); err != nil {
		return nil, fmt.Errorf("spawning task %s: %w", taskID, err)
	}

	c.admission.Admit(req.Operator)
	c.emit(events.Event{Type: events.TypeAgentSpawned, TaskID: taskID, Operator: req.Operator, Branch: req.Branch})

	log.Info().
		Str("task", taskID).
		Str("operator", req.Operator).
		Str("branch", req.Branch).
		Str("model", model).
		Msg("task spawned")

	return &SpawnResult{
		TaskID:       taskID,
		Branch:       req.Branch,
		WorktreePath: wtPath,
		Model:        model,
		AgentKind:    req.AgentKind,
		Status:       domain.StatusRunning,
	}, nil
}

// StopTask cancels a task. The sandbox kill is best-effort: the process
// may already be gone, which is not a failure.
func (c *Conductor) StopTask(ctx context.Context, taskID string) error {
	rec, err := c.reg.Get(taskID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		log.Debug().Str("task", taskID).Str("status", string(rec.Status)).Msg("stop on terminal task is a no-op")
		return nil
	}

	if h, ok := domain.HandleFromRecord(rec); ok {
		if err := c.sandbox.Kill(ctx, h); err != nil {
			log.Warn().Err(err).Str("task", taskID).Msg("sandbox kill failed, continuing stop")
		}
	}

	if err := c.reg.Transition(taskID, rec.Version, domain.StatusCancelled, domain.Patch{}); err != nil {
		return fmt.Errorf("cancelling task %s: %w", taskID, err)
	}
	c.admission.Release(rec.Operator)

	c.emit(events.Event{Type: events.TypeAgentStopped, TaskID: taskID, Operator: rec.Operator, Branch: rec.Branch})
	c.sendNotification(notify.Notification{
		Title:   "Task stopped",
		Message: fmt.Sprintf("Task on branch %s was cancelled", rec.Branch),
		Type:    notify.NotifyWarning,
		TaskID:  taskID,
	})
	return nil
}

// DeleteTask removes a terminal task's record after best-effort sandbox
// cleanup. Live tasks are refused: stop first, then delete.
func (c *Conductor) DeleteTask(ctx context.Context, taskID string) error {
	rec, err := c.reg.Get(taskID)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		return &domain.ActiveTaskDeletionError{TaskID: taskID, Status: rec.Status}
	}

	if h, ok := domain.HandleFromRecord(rec); ok {
		if err := c.sandbox.Cleanup(ctx, h); err != nil {
			log.Warn().Err(err).Str("task", taskID).Msg("sandbox cleanup failed, continuing delete")
		}
	}

	if err := c.reg.Delete(taskID); err != nil {
		return fmt.Errorf("deleting task %s: %w", taskID, err)
	}
	c.emit(events.Event{Type: events.TypeTaskDeleted, TaskID: taskID, Operator: rec.Operator, Branch: rec.Branch})
	return nil
}

// GetTaskLogs returns recent sandbox output for a task. A task with no
// process reference has no logs, which is not an error.
func (c *Conductor) GetTaskLogs(ctx context.Context, taskID string, lines int) (string, error) {
	rec, err := c.reg.Get(taskID)
	if err != nil {
		return "", err
	}
	h, ok := domain.HandleFromRecord(rec)
	if !ok {
		return "", nil
	}
	if lines <= 0 {
		lines = defaultLogLines
	}
	return c.sandbox.GetLogs(ctx, h, lines)
}

func (c *Conductor) emit(ev events.Event) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(ev)
}

func (c *Conductor) sendNotification(n notify.Notification) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Send(n); err != nil {
		log.Warn().Err(err).Str("task", n.TaskID).Msg("notification failed")
	}
}
