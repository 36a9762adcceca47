package registry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
)

// Both implementations must satisfy the same contract, so the suite
// runs against each.
func registries(t *testing.T) map[string]Registry {
	t.Helper()
	sqlite, err := Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Registry{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func newRecord(id string, status domain.TaskStatus) *domain.TaskRecord {
	return &domain.TaskRecord{
		ID:        id,
		Operator:  "ops",
		AgentKind: "claude",
		Branch:    "fleet/" + id,
		Status:    status,
	}
}

func TestInsertAndGet(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			rec := newRecord("t1", domain.StatusProposed)
			if err := reg.Insert(rec); err != nil {
				t.Fatal(err)
			}

			got, err := reg.Get("t1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Version != 1 {
				t.Errorf("version = %d, want 1", got.Version)
			}
			if got.Status != domain.StatusProposed {
				t.Errorf("status = %s", got.Status)
			}

			if _, err := reg.Get("missing"); !errors.Is(err, domain.ErrTaskNotFound) {
				t.Errorf("missing get err = %v", err)
			}
		})
	}
}

func TestTransitionGuardsVersion(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			rec := newRecord("t1", domain.StatusProposed)
			if err := reg.Insert(rec); err != nil {
				t.Fatal(err)
			}

			if err := reg.Transition("t1", 1, domain.StatusSpawning, domain.Patch{}); err != nil {
				t.Fatal(err)
			}

			got, _ := reg.Get("t1")
			if got.Version != 2 {
				t.Errorf("version = %d, want 2", got.Version)
			}
			if got.Status != domain.StatusSpawning {
				t.Errorf("status = %s", got.Status)
			}

			// Stale version must surface as a conflict, never apply.
			err := reg.Transition("t1", 1, domain.StatusRunning, domain.Patch{})
			var conflict *domain.ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("err = %v, want ConflictError", err)
			}
			if conflict.ActualVersion != 2 {
				t.Errorf("actual version = %d, want 2", conflict.ActualVersion)
			}

			got, _ = reg.Get("t1")
			if got.Status != domain.StatusSpawning {
				t.Errorf("stale write applied: status = %s", got.Status)
			}
		})
	}
}

func TestTransitionAppliesPatch(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			rec := newRecord("t1", domain.StatusRunning)
			if err := reg.Insert(rec); err != nil {
				t.Fatal(err)
			}

			pr := 42
			ci := "success"
			spawned := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			err := reg.Transition("t1", 1, domain.StatusPRCreated, domain.Patch{
				PRNumber:  &pr,
				CIStatus:  &ci,
				SpawnedAt: &spawned,
			})
			if err != nil {
				t.Fatal(err)
			}

			got, _ := reg.Get("t1")
			if got.PRNumber != 42 || got.CIStatus != "success" {
				t.Errorf("patch not applied: %+v", got)
			}
			if got.SpawnedAt == nil || !got.SpawnedAt.Equal(spawned) {
				t.Errorf("spawnedAt = %v", got.SpawnedAt)
			}
		})
	}
}

func TestTransitionMissingTask(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			err := reg.Transition("ghost", 1, domain.StatusFailed, domain.Patch{})
			if !errors.Is(err, domain.ErrTaskNotFound) {
				t.Errorf("err = %v, want ErrTaskNotFound", err)
			}
		})
	}
}

func TestListLiveExcludesTerminal(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			for i, status := range []domain.TaskStatus{
				domain.StatusRunning, domain.StatusPRCreated, domain.StatusMerged, domain.StatusFailed,
			} {
				rec := newRecord(string(rune('a'+i)), status)
				if err := reg.Insert(rec); err != nil {
					t.Fatal(err)
				}
			}

			live, err := reg.ListLive()
			if err != nil {
				t.Fatal(err)
			}
			if len(live) != 2 {
				t.Fatalf("live = %d records, want 2", len(live))
			}
			for _, rec := range live {
				if rec.Status.IsTerminal() {
					t.Errorf("terminal record %s listed as live", rec.ID)
				}
			}
		})
	}
}

func TestQueryAndDelete(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			a := newRecord("a", domain.StatusRunning)
			a.Operator = "alice"
			b := newRecord("b", domain.StatusFailed)
			b.Operator = "bob"
			for _, rec := range []*domain.TaskRecord{a, b} {
				if err := reg.Insert(rec); err != nil {
					t.Fatal(err)
				}
			}

			got, err := reg.Query(Filter{Operator: "alice"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].ID != "a" {
				t.Errorf("query = %v", got)
			}

			if err := reg.Delete("b"); err != nil {
				t.Fatal(err)
			}
			if err := reg.Delete("b"); !errors.Is(err, domain.ErrTaskNotFound) {
				t.Errorf("double delete err = %v", err)
			}
		})
	}
}
