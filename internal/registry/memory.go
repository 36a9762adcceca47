package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
)

// Memory is an in-memory Registry with the same optimistic-concurrency
// semantics as the SQLite store. Used by tests and throwaway runs.
type Memory struct {
	mu   sync.Mutex
	recs map[string]*domain.TaskRecord
}

// NewMemory creates an empty in-memory registry
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]*domain.TaskRecord)}
}

func (m *Memory) Insert(rec *domain.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Version = 1
	m.recs[cp.ID] = &cp
	rec.Version = 1
	rec.CreatedAt = cp.CreatedAt
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) Get(id string) (*domain.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) ListLive() ([]*domain.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TaskRecord
	for _, rec := range m.recs {
		if rec.Status.IsLive() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) Transition(id string, expectedVersion int, newStatus domain.TaskStatus, patch domain.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if rec.Version != expectedVersion {
		return &domain.ConflictError{TaskID: id, ExpectedVersion: expectedVersion, ActualVersion: rec.Version}
	}

	rec.Status = newStatus
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	if patch.PRNumber != nil {
		rec.PRNumber = *patch.PRNumber
	}
	if patch.CIStatus != nil {
		rec.CIStatus = *patch.CIStatus
	}
	if patch.FailureReason != nil {
		rec.FailureReason = *patch.FailureReason
	}
	if patch.ContainerID != nil {
		rec.ContainerID = *patch.ContainerID
	}
	if patch.TmuxSession != nil {
		rec.TmuxSession = *patch.TmuxSession
	}
	if patch.SpawnedAt != nil {
		rec.SpawnedAt = patch.SpawnedAt
	}
	if patch.CompletedAt != nil {
		rec.CompletedAt = patch.CompletedAt
	}
	if patch.Retries != nil {
		rec.Retries = *patch.Retries
	}
	return nil
}

func (m *Memory) Query(f Filter) ([]*domain.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TaskRecord
	for _, rec := range m.recs {
		if f.Operator != "" && rec.Operator != f.Operator {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.GroupID != "" && rec.GroupID != f.GroupID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return domain.ErrTaskNotFound
	}
	delete(m.recs, id)
	return nil
}

func sortByCreated(recs []*domain.TaskRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
