package domain

import "time"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusProposed  TaskStatus = "proposed"
	StatusSpawning  TaskStatus = "spawning"
	StatusRunning   TaskStatus = "running"
	StatusPRCreated TaskStatus = "pr_created"
	StatusReviewing TaskStatus = "reviewing"
	StatusReady     TaskStatus = "ready"
	StatusMerged    TaskStatus = "merged"
	StatusRetrying  TaskStatus = "retrying"
	StatusFailed    TaskStatus = "failed"
	StatusAbandoned TaskStatus = "abandoned"
	StatusRejected  TaskStatus = "rejected"
	StatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true for statuses that end a task's lifecycle.
// Only terminal tasks may be deleted.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusMerged, StatusFailed, StatusAbandoned, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsLive returns true for statuses the monitor must keep watching
func (s TaskStatus) IsLive() bool {
	return !s.IsTerminal()
}

// HasPR returns true for statuses that imply an open pull request
func (s TaskStatus) HasPR() bool {
	switch s {
	case StatusPRCreated, StatusReviewing, StatusReady:
		return true
	}
	return false
}

// ExecMode identifies how a task's sandbox runs
type ExecMode string

const (
	ModeLocal     ExecMode = "local"
	ModeContainer ExecMode = "container"
)

// TaskRecord is the persisted state of one unit of work.
// Every mutation must supply the version it read; the registry rejects
// stale writes with a ConflictError rather than overwriting.
type TaskRecord struct {
	ID             string
	Operator       string
	AgentKind      string
	Model          string
	Classification string
	Branch         string
	WorktreePath   string
	ContainerID    string
	TmuxSession    string
	Status         TaskStatus
	Version        int
	PRNumber       int
	CIStatus       string
	FailureReason  string
	Retries        int
	SpawnedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	IdentityID     string
	GroupID        string
}

// Patch carries optional field updates applied alongside a status transition.
// Nil pointers leave the stored value untouched.
type Patch struct {
	PRNumber      *int
	CIStatus      *string
	FailureReason *string
	ContainerID   *string
	TmuxSession   *string
	SpawnedAt     *time.Time
	CompletedAt   *time.Time
	Retries       *int
}
