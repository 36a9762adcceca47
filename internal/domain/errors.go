package domain

import (
	"errors"
	"fmt"
)

// SpawnStep identifies the lifecycle step a spawn failure is attributed to
type SpawnStep string

const (
	StepWorktree SpawnStep = "worktree"
	StepInstall  SpawnStep = "install"
	StepProcess  SpawnStep = "process"
)

// StepError attributes a spawn failure to the exact step that failed
type StepError struct {
	Step SpawnStep
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// BranchInvalidError reports a branch name that failed validation,
// naming the violated rule.
type BranchInvalidError struct {
	Branch string
	Rule   string
}

func (e *BranchInvalidError) Error() string {
	return fmt.Sprintf("invalid branch %q: %s", e.Branch, e.Rule)
}

// PathTraversalError reports a worktree path that escapes the base directory
type PathTraversalError struct {
	Path string
	Base string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes base directory %q", e.Path, e.Base)
}

// SpawnDeniedError is returned when the admission policy rejects a spawn
// before any durable state is created.
type SpawnDeniedError struct {
	Operator string
	Tier     string
	Limit    int
	Active   int
}

func (e *SpawnDeniedError) Error() string {
	return fmt.Sprintf("spawn denied for %s: tier %s at %d/%d active tasks", e.Operator, e.Tier, e.Active, e.Limit)
}

// ConflictError reports an optimistic-concurrency version mismatch.
// The write was not applied; the caller decides whether to re-read.
type ConflictError struct {
	TaskID          string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale write for task %s: expected version %d, have %d", e.TaskID, e.ExpectedVersion, e.ActualVersion)
}

// ActiveTaskDeletionError reports an attempt to delete a non-terminal task
type ActiveTaskDeletionError struct {
	TaskID string
	Status TaskStatus
}

func (e *ActiveTaskDeletionError) Error() string {
	return fmt.Sprintf("cannot delete task %s in active status %s", e.TaskID, e.Status)
}

var (
	// ErrTaskNotFound is returned when a task id has no record
	ErrTaskNotFound = errors.New("task not found")

	// ErrConfigMissing is returned when container mode is requested
	// without a configured image
	ErrConfigMissing = errors.New("container image not configured")

	// ErrUpstreamThrottled signals a rate-limit or permission failure from
	// the code host. It means "unknown, try later" — never "no PR".
	ErrUpstreamThrottled = errors.New("upstream throttled or unauthorized")
)
