// Package registry is the single source of truth for task records.
// Every status mutation is guarded by optimistic concurrency: the
// caller supplies the version it read, and a mismatch surfaces as a
// ConflictError instead of a silent overwrite.
package registry

import "github.com/hochfrequenz/agent-fleet/internal/domain"

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Operator string
	Status   domain.TaskStatus
	GroupID  string
}

// Registry is the task record store consumed by the conductor and the
// monitor.
type Registry interface {
	Insert(rec *domain.TaskRecord) error
	Get(id string) (*domain.TaskRecord, error)
	// ListLive returns every record in a non-terminal status.
	ListLive() ([]*domain.TaskRecord, error)
	// Transition applies a status change and patch iff the stored
	// version equals expectedVersion, bumping the version by one.
	Transition(id string, expectedVersion int, newStatus domain.TaskStatus, patch domain.Patch) error
	Query(f Filter) ([]*domain.TaskRecord, error)
	Delete(id string) error
}
