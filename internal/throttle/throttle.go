// Package throttle owns all per-host politeness state: the adaptive RPM
// throttle and the failure-budget circuit. Host state is mutated only inside
// the managers; everything else reads immutable snapshots.
package throttle

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/newsdrift/newsdrift/internal/model"
)

const (
	// DefaultRPM is the starting request budget for an unknown host.
	DefaultRPM = 30
	// MaxRPM caps adaptive rate recovery.
	MaxRPM = 300
	// MinRPM is the floor after 429 punishment.
	MinRPM = 1

	// recoveryStreak successes while previously limited earn a 10% raise.
	recoveryStreak = 100

	// default429Blackout applies when the server sends no usable Retry-After.
	default429Blackout = 45 * time.Second
	escalation2Streak  = 5 * time.Minute
	escalation3Streak  = 15 * time.Minute

	blackoutJitterRatio = 0.10
)

// hostState is the mutable per-host throttle record. Guarded by the entry
// mutex inside Manager; never escapes except as a Snapshot.
type hostState struct {
	rpm           float64
	nextRequestAt time.Time
	backoffUntil  time.Time
	successStreak int
	err429Streak  int
	isLimited     bool
}

type hostEntry struct {
	mu sync.Mutex
	s  hostState
}

// Snapshot is an immutable copy of a host's throttle state.
type Snapshot struct {
	Host          string
	RPM           float64
	NextRequestAt time.Time
	BackoffUntil  time.Time
	SuccessStreak int
	Err429Streak  int
	IsLimited     bool
}

// Manager is the adaptive per-host throttle. It learns safe request rates:
// 429s slash the RPM and impose escalating blackouts, sustained success
// slowly restores it.
type Manager struct {
	hosts *xsync.Map[string, *hostEntry]

	// now, jitter, and sleep are injectable for tests.
	now    func() time.Time
	jitter func() float64 // uniform in [0, 1)
	sleep  func(ctx context.Context, d time.Duration) error

	// onDirty is called after any mutation; wired to the store dirty set.
	onDirty func(host string)
}

// ManagerConfig configures the throttle manager.
type ManagerConfig struct {
	Now     func() time.Time
	Jitter  func() float64
	Sleep   func(ctx context.Context, d time.Duration) error
	OnDirty func(host string)
}

// NewManager creates a throttle Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		hosts:   xsync.NewMap[string, *hostEntry](),
		now:     cfg.Now,
		jitter:  cfg.Jitter,
		sleep:   cfg.Sleep,
		onDirty: cfg.OnDirty,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.jitter == nil {
		m.jitter = rand.Float64
	}
	if m.sleep == nil {
		m.sleep = waitCtx
	}
	return m
}

func waitCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) entry(host string) *hostEntry {
	e, _ := m.hosts.LoadOrCompute(host, func() (*hostEntry, bool) {
		return &hostEntry{s: hostState{rpm: DefaultRPM}}, false
	})
	return e
}

// NextEligible returns the earliest instant a request to host may be granted:
// the later of the RPM gate and any 429 blackout.
func (m *Manager) NextEligible(host string) time.Time {
	e := m.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.backoffUntil.After(e.s.nextRequestAt) {
		return e.s.backoffUntil
	}
	return e.s.nextRequestAt
}

// Acquire blocks until a request slot for host is granted or ctx is done.
// Granting advances nextRequestAt by 60s/rpm so the host's RPM is realised;
// the advance is monotonic non-decreasing.
func (m *Manager) Acquire(ctx context.Context, host string) error {
	e := m.entry(host)

	e.mu.Lock()
	now := m.now()
	grantAt := now
	if e.s.nextRequestAt.After(grantAt) {
		grantAt = e.s.nextRequestAt
	}
	if e.s.backoffUntil.After(grantAt) {
		grantAt = e.s.backoffUntil
	}
	interval := time.Duration(float64(time.Minute) / e.s.rpm)
	e.s.nextRequestAt = grantAt.Add(interval)
	e.mu.Unlock()

	if m.onDirty != nil {
		m.onDirty(host)
	}

	wait := grantAt.Sub(now)
	if wait <= 0 {
		return nil
	}
	return m.sleep(ctx, wait)
}

// OnSuccess records a successful response. After enough successes while a
// host was previously limited, its RPM recovers by 10% (capped).
func (m *Manager) OnSuccess(host string) {
	e := m.entry(host)
	e.mu.Lock()
	e.s.successStreak++
	e.s.err429Streak = 0
	if e.s.isLimited && e.s.successStreak > recoveryStreak {
		e.s.rpm = math.Min(MaxRPM, e.s.rpm*1.1)
		e.s.successStreak = 0
	}
	e.mu.Unlock()

	if m.onDirty != nil {
		m.onDirty(host)
	}
}

// On429 records a rate-limit response and returns the applied blackout.
// The blackout is max(Retry-After, escalation(streak)) with ±10% jitter,
// and the host RPM is slashed to a quarter (floored at MinRPM).
func (m *Manager) On429(host string, retryAfter time.Duration) time.Duration {
	e := m.entry(host)
	e.mu.Lock()

	e.s.err429Streak++
	e.s.successStreak = 0
	e.s.isLimited = true

	blackout := retryAfter
	if blackout <= 0 {
		blackout = default429Blackout
	}
	if esc := m.escalation(e.s.err429Streak); esc > blackout {
		blackout = esc
	}
	// ±10% jitter so synchronized hosts do not stampede back together.
	jitterSpan := float64(blackout) * blackoutJitterRatio
	blackout += time.Duration((m.jitter()*2 - 1) * jitterSpan)

	now := m.now()
	e.s.backoffUntil = now.Add(blackout)
	e.s.rpm = math.Max(MinRPM, math.Floor(e.s.rpm*0.25))
	if e.s.backoffUntil.After(e.s.nextRequestAt) {
		e.s.nextRequestAt = e.s.backoffUntil
	}
	e.mu.Unlock()

	if m.onDirty != nil {
		m.onDirty(host)
	}
	return blackout
}

func (m *Manager) escalation(streak int) time.Duration {
	switch {
	case streak >= 3:
		return escalation3Streak
	case streak == 2:
		return escalation2Streak
	default:
		return default429Blackout
	}
}

// IsLimited reports whether host is currently in a 429 blackout.
func (m *Manager) IsLimited(host string) bool {
	e := m.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.isLimited && e.s.backoffUntil.After(m.now())
}

// SnapshotOf returns an immutable copy of a host's state.
func (m *Manager) SnapshotOf(host string) Snapshot {
	e := m.entry(host)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Host:          host,
		RPM:           e.s.rpm,
		NextRequestAt: e.s.nextRequestAt,
		BackoffUntil:  e.s.backoffUntil,
		SuccessStreak: e.s.successStreak,
		Err429Streak:  e.s.err429Streak,
		IsLimited:     e.s.isLimited,
	}
}

// Reset clears a host's learned state back to defaults.
func (m *Manager) Reset(host string) {
	e := m.entry(host)
	e.mu.Lock()
	e.s = hostState{rpm: DefaultRPM}
	e.mu.Unlock()
	if m.onDirty != nil {
		m.onDirty(host)
	}
}

// RowOf returns the durable form of a host's state, or nil when the host is
// unknown. Used by the flush worker's readers.
func (m *Manager) RowOf(host string) *model.HostStateRow {
	e, ok := m.hosts.Load(host)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return &model.HostStateRow{
		Host:            host,
		RPM:             e.s.rpm,
		NextRequestAtNs: e.s.nextRequestAt.UnixNano(),
		BackoffUntilNs:  e.s.backoffUntil.UnixNano(),
		Err429Streak:    e.s.err429Streak,
		SuccessStreak:   e.s.successStreak,
	}
}

// LoadRow installs a bootstrap-recovered row directly.
func (m *Manager) LoadRow(row model.HostStateRow) {
	e := m.entry(row.Host)
	e.mu.Lock()
	e.s = hostState{
		rpm:           row.RPM,
		nextRequestAt: time.Unix(0, row.NextRequestAtNs),
		backoffUntil:  time.Unix(0, row.BackoffUntilNs),
		err429Streak:  row.Err429Streak,
		successStreak: row.SuccessStreak,
		isLimited:     row.Err429Streak > 0,
	}
	if e.s.rpm <= 0 {
		e.s.rpm = DefaultRPM
	}
	e.mu.Unlock()
}

// Range iterates all known hosts. Returning false stops iteration.
func (m *Manager) Range(fn func(host string, snap Snapshot) bool) {
	m.hosts.Range(func(host string, e *hostEntry) bool {
		e.mu.Lock()
		snap := Snapshot{
			Host:          host,
			RPM:           e.s.rpm,
			NextRequestAt: e.s.nextRequestAt,
			BackoffUntil:  e.s.backoffUntil,
			SuccessStreak: e.s.successStreak,
			Err429Streak:  e.s.err429Streak,
			IsLimited:     e.s.isLimited,
		}
		e.mu.Unlock()
		return fn(host, snap)
	})
}
