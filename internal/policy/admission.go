// Package policy implements the cache-only admission pre-check the
// conductor consults before touching the database.
package policy

import (
	"sync"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
)

// TierLimits maps a tier name to its maximum concurrent active tasks
type TierLimits map[string]int

// DefaultLimits is the tier table used when config supplies none
var DefaultLimits = TierLimits{
	"free":     1,
	"standard": 5,
	"premium":  20,
}

// Admission tracks per-operator active-task counts in memory. Check
// performs no I/O: counts are maintained by the conductor as tasks
// spawn and reach terminal states, and rebuilt from the registry at
// startup.
type Admission struct {
	mu     sync.Mutex
	limits TierLimits
	active map[string]int
}

// NewAdmission creates an Admission with the given tier limits
func NewAdmission(limits TierLimits) *Admission {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Admission{limits: limits, active: make(map[string]int)}
}

// Check returns a SpawnDeniedError when the operator's tier is at its
// concurrent-task cap. Unknown tiers use the free tier's limit.
func (a *Admission) Check(operator, tier string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit, ok := a.limits[tier]
	if !ok {
		limit = a.limits["free"]
	}
	if active := a.active[operator]; active >= limit {
		return &domain.SpawnDeniedError{Operator: operator, Tier: tier, Limit: limit, Active: active}
	}
	return nil
}

// Admit records one more active task for the operator
func (a *Admission) Admit(operator string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[operator]++
}

// Release records that one of the operator's tasks reached a terminal
// state. Safe to call past zero.
func (a *Admission) Release(operator string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active[operator] > 0 {
		a.active[operator]--
	}
}

// Rebuild replaces the counts with the live-task totals from a registry
// scan, run once at startup.
func (a *Admission) Rebuild(live []*domain.TaskRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = make(map[string]int)
	for _, rec := range live {
		a.active[rec.Operator]++
	}
}

// Active returns the operator's current count, for result summaries
func (a *Admission) Active(operator string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active[operator]
}
