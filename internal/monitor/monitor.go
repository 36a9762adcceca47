// Package monitor keeps the registry and the sandbox runtime in
// agreement. It runs one-shot reconciliation at startup and a recurring
// per-task health/status cycle, with per-task failure isolation so one
// bad task never takes down the pass.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/hochfrequenz/agent-fleet/internal/domain"
	"github.com/hochfrequenz/agent-fleet/internal/events"
	"github.com/hochfrequenz/agent-fleet/internal/registry"
	"github.com/hochfrequenz/agent-fleet/internal/upstream"
)

// SandboxRuntime is the slice of the spawner the monitor needs
type SandboxRuntime interface {
	IsAlive(ctx context.Context, h domain.Handle) bool
	ListActive(ctx context.Context) (map[string]domain.ExecMode, error)
}

// StatusSource is the slice of the upstream client the monitor needs
type StatusSource interface {
	FindPR(ctx context.Context, branch string) (*upstream.PR, error)
	CIStatus(ctx context.Context, branch string) (upstream.CIResult, error)
	LastCommitTime(ctx context.Context, branch string) (time.Time, error)
}

// IdentityRecorder records task outcomes against a linked identity.
// All calls are best-effort; failures are logged and swallowed.
type IdentityRecorder interface {
	RecordOutcome(identityID, taskID string, success bool) error
}

// Harvester runs the post-cycle insight side effects
type Harvester interface {
	Harvest(ctx context.Context, worktrees []string) error
	PruneExpired(ctx context.Context) error
}

// Emitter publishes fleet events. Optional; every emit is best-effort.
type Emitter interface {
	Emit(ev events.Event)
}

// Thresholds are the tunables a config reload may change between cycles
type Thresholds struct {
	Interval         time.Duration
	StallAfter       time.Duration
	MaxTaskDuration  time.Duration
	CycleDeadline    time.Duration
	ProbeConcurrency int
}

// DefaultThresholds returns the values used when config supplies none
func DefaultThresholds() Thresholds {
	return Thresholds{
		Interval:         30 * time.Second,
		StallAfter:       20 * time.Minute,
		MaxTaskDuration:  2 * time.Hour,
		CycleDeadline:    25 * time.Second,
		ProbeConcurrency: 8,
	}
}

// Health is the monitor's process-wide status, updated once per
// completed cycle.
type Health struct {
	Running     bool
	LastCycleMs int64
	CycleCount  int64
	Errors      int64
}

// Monitor drives reconciliation and the recurring cycle
type Monitor struct {
	reg      registry.Registry
	sandbox  SandboxRuntime
	status   StatusSource
	identity IdentityRecorder
	harvest  Harvester
	emitter  Emitter

	mu         sync.Mutex
	thresholds Thresholds
	running    bool
	cron       *cron.Cron
	health     Health

	inFlight atomic.Bool
	now      func() time.Time
}

// New creates a Monitor. identity and harvester may be nil when those
// side effects are disabled.
func New(reg registry.Registry, sandbox SandboxRuntime, status StatusSource, identity IdentityRecorder, harvest Harvester, t Thresholds) *Monitor {
	if t.Interval <= 0 {
		t = DefaultThresholds()
	}
	return &Monitor{
		reg:        reg,
		sandbox:    sandbox,
		status:     status,
		identity:   identity,
		harvest:    harvest,
		thresholds: t,
		now:        time.Now,
	}
}

// SetEmitter attaches an event emitter. Call before Start.
func (m *Monitor) SetEmitter(e Emitter) {
	m.emitter = e
}

func (m *Monitor) emit(evType string, rec *domain.TaskRecord) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(events.Event{Type: evType, TaskID: rec.ID, Operator: rec.Operator, Branch: rec.Branch})
}

// UpdateThresholds swaps the tunables; takes effect from the next cycle.
// The cycle interval itself is fixed at Start.
func (m *Monitor) UpdateThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Interval <= 0 {
		t.Interval = m.thresholds.Interval
	}
	m.thresholds = t
}

func (m *Monitor) currentThresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// Start runs reconciliation synchronously, then begins the recurring
// cycle. A reconciliation failure logs and still leaves the monitor
// running — degraded but alive. A second Start on a running monitor is
// a no-op with a warning.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		log.Warn().Msg("monitor already running, start ignored")
		return nil
	}
	m.running = true
	m.health.Running = true
	interval := m.thresholds.Interval
	m.mu.Unlock()

	if _, err := m.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("reconciliation failed, monitor continuing degraded")
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), func() { m.tick(ctx) }); err != nil {
		m.mu.Lock()
		m.running = false
		m.health.Running = false
		m.mu.Unlock()
		return err
	}
	c.Start()

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	log.Info().Dur("interval", interval).Msg("monitor started")
	return nil
}

// Stop cancels future cycles. An in-flight cycle runs to completion.
// Safe to call when already stopped.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
	m.running = false
	m.health.Running = false
	log.Info().Msg("monitor stopped")
}

// Health returns a snapshot of the monitor's health counters
func (m *Monitor) HealthSnapshot() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// tick is the cron entry point. The atomic in-flight flag makes the
// skip decision instantly instead of queuing behind a slow cycle, so
// at most one cycle is ever running.
func (m *Monitor) tick(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		log.Warn().Msg("previous cycle still running, tick skipped")
		return
	}
	defer m.inFlight.Store(false)

	t := m.currentThresholds()
	start := m.now()
	result := m.Cycle(ctx)
	elapsed := m.now().Sub(start)

	if t.CycleDeadline > 0 && elapsed > t.CycleDeadline {
		log.Warn().Dur("elapsed", elapsed).Dur("deadline", t.CycleDeadline).Msg("cycle exceeded soft deadline")
	}

	m.mu.Lock()
	m.health.LastCycleMs = elapsed.Milliseconds()
	m.health.CycleCount++
	m.health.Errors += int64(len(result.ErrorTaskIDs))
	if result.RegistryError {
		m.health.Errors++
	}
	m.mu.Unlock()
}

// recordIdentityOutcome is a best-effort side effect; failure is logged
// and never reaches the caller.
func (m *Monitor) recordIdentityOutcome(rec *domain.TaskRecord, success bool) {
	if m.identity == nil || rec.IdentityID == "" {
		return
	}
	if err := m.identity.RecordOutcome(rec.IdentityID, rec.ID, success); err != nil {
		log.Warn().Err(err).Str("task", rec.ID).Str("identity", rec.IdentityID).Msg("recording identity outcome")
	}
}
