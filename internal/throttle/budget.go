package throttle

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/newsdrift/newsdrift/internal/config"
	"github.com/newsdrift/newsdrift/internal/model"
)

// budgetState is the per-host failure circuit record. 404/410 never reach
// RecordFailure; callers filter those out because "not found" says nothing
// about host health.
type budgetState struct {
	failures     int
	windowStart  time.Time
	lockExpires  time.Time
	totalLockups int
}

type budgetEntry struct {
	mu sync.Mutex
	s  budgetState
}

// BudgetSnapshot is an immutable copy of a host's budget state.
type BudgetSnapshot struct {
	Host          string
	Failures      int
	WindowStart   time.Time
	LockExpiresAt time.Time
	Locked        bool
}

// BudgetManager trips a per-host circuit breaker after too many failures in a
// sliding window. Failures age out by window restart: when a failure lands
// after the window has elapsed, the count resets before it is applied.
type BudgetManager struct {
	hosts *xsync.Map[string, *budgetEntry]

	cfgFn   func() config.HostBudgetConfig
	now     func() time.Time
	onDirty func(host string)

	// onLockout, when set, is notified once per circuit trip.
	onLockout func(host string, failures int, lockout time.Duration)
}

// BudgetManagerConfig configures the budget manager.
type BudgetManagerConfig struct {
	ConfigFn  func() config.HostBudgetConfig
	Now       func() time.Time
	OnDirty   func(host string)
	OnLockout func(host string, failures int, lockout time.Duration)
}

// NewBudgetManager creates a failure-budget manager.
func NewBudgetManager(cfg BudgetManagerConfig) *BudgetManager {
	if cfg.ConfigFn == nil {
		panic("throttle: NewBudgetManager requires a ConfigFn")
	}
	b := &BudgetManager{
		hosts:     xsync.NewMap[string, *budgetEntry](),
		cfgFn:     cfg.ConfigFn,
		now:       cfg.Now,
		onDirty:   cfg.OnDirty,
		onLockout: cfg.OnLockout,
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *BudgetManager) entry(host string) *budgetEntry {
	e, _ := b.hosts.LoadOrCompute(host, func() (*budgetEntry, bool) {
		return &budgetEntry{}, false
	})
	return e
}

// RecordFailure counts a budget-relevant failure against host. It returns
// true when this failure trips the circuit.
func (b *BudgetManager) RecordFailure(host string) bool {
	cfg := b.cfgFn()
	e := b.entry(host)

	e.mu.Lock()
	now := b.now()
	if e.s.windowStart.IsZero() || now.Sub(e.s.windowStart) >= cfg.Window.Std() {
		e.s.failures = 0
		e.s.windowStart = now
	}
	e.s.failures++

	tripped := false
	if e.s.failures >= cfg.MaxErrors && !e.s.lockExpires.After(now) {
		e.s.lockExpires = now.Add(cfg.Lockout.Std())
		e.s.totalLockups++
		tripped = true
	}
	failures := e.s.failures
	e.mu.Unlock()

	if b.onDirty != nil {
		b.onDirty(host)
	}
	if tripped && b.onLockout != nil {
		b.onLockout(host, failures, cfg.Lockout.Std())
	}
	return tripped
}

// IsLocked reports whether host is under lockout, and if so for how much
// longer.
func (b *BudgetManager) IsLocked(host string) (bool, time.Duration) {
	e, ok := b.hosts.Load(host)
	if !ok {
		return false, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := b.now()
	if e.s.lockExpires.After(now) {
		return true, e.s.lockExpires.Sub(now)
	}
	return false, 0
}

// SnapshotOf returns an immutable copy of a host's budget state.
func (b *BudgetManager) SnapshotOf(host string) BudgetSnapshot {
	e := b.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	return BudgetSnapshot{
		Host:          host,
		Failures:      e.s.failures,
		WindowStart:   e.s.windowStart,
		LockExpiresAt: e.s.lockExpires,
		Locked:        e.s.lockExpires.After(b.now()),
	}
}

// Reset clears a host's failure history and any active lockout.
func (b *BudgetManager) Reset(host string) {
	e := b.entry(host)
	e.mu.Lock()
	e.s = budgetState{}
	e.mu.Unlock()
	if b.onDirty != nil {
		b.onDirty(host)
	}
}

// RowOf returns the durable form of a host's budget, or nil when unknown.
func (b *BudgetManager) RowOf(host string) *model.HostBudgetRow {
	e, ok := b.hosts.Load(host)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &model.HostBudgetRow{
		Host:            host,
		Failures:        e.s.failures,
		WindowStartNs:   e.s.windowStart.UnixNano(),
		LockExpiresAtNs: e.s.lockExpires.UnixNano(),
	}
}

// LoadRow installs a bootstrap-recovered row directly.
func (b *BudgetManager) LoadRow(row model.HostBudgetRow) {
	e := b.entry(row.Host)
	e.mu.Lock()
	e.s = budgetState{
		failures:    row.Failures,
		windowStart: time.Unix(0, row.WindowStartNs),
		lockExpires: time.Unix(0, row.LockExpiresAtNs),
	}
	e.mu.Unlock()
}
