package queue

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/newsdrift/newsdrift/internal/config"
	"github.com/newsdrift/newsdrift/internal/urlutil"
)

// MaxScan bounds how many items one PullNext call may inspect while hunting
// for an eligible one.
const MaxScan = 64

// burstCap is how many consecutive pulls one queue may win before the
// alternation forces a switch.
const burstCap = 4

// Enqueue rejection reasons.
const (
	ReasonInvalidURL = "invalid-url"
	ReasonQueueFull  = "queue-full"
	ReasonMaxDepth   = "max-depth"
	ReasonIneligible = "ineligible"
	ReasonDuplicate  = "duplicate"
)

// EnqueueRequest is the caller's side of enqueue. Priority, when set,
// overrides the scorer (PrioritySource records which).
type EnqueueRequest struct {
	URL      string
	Depth    int
	Kind     Kind
	Meta     Meta
	Priority *float64
	Bias     float64
}

// EnqueueResult reports acceptance or the rejection reason.
type EnqueueResult struct {
	Enqueued bool
	Reason   string
	Priority float64
}

// HostGate is the manager's read-only view of per-host politeness state,
// implemented by the throttle and budget managers.
type HostGate interface {
	NextEligible(host string) time.Time
	IsLimited(host string) bool
	IsLocked(host string) (bool, time.Duration)
}

// PullResult is one PullNext outcome. A returned Item is ready to fetch
// (possibly ForceCache). When Item is nil, HostLocked reports that at least
// one item was held back behind a budget lockout (LockedRetryAfter is the
// shortest remaining lockout), and WakeAt is the earliest deferral expiry —
// callers should sleep toward it rather than re-pull immediately.
type PullResult struct {
	Item             *Item
	HostLocked       bool
	LockedRetryAfter time.Duration
	WakeAt           time.Time
}

// Manager owns the two heaps and the URL dedupe set.
type Manager struct {
	cfgFn func() *config.RuntimeConfig
	gate  HostGate
	hooks ScorerHooks

	// hasFreshCache lets a pull serve a 429-limited host from cache.
	hasFreshCache func(url string) bool

	// eligible vetoes URLs by engine policy (visited set, host allowlist,
	// query skipping). Nil means everything is eligible.
	eligible func(req EnqueueRequest) (bool, string)

	// shouldBypassDepth exempts an item from the depth limit.
	shouldBypassDepth func(req EnqueueRequest) bool

	// onDrop observes enqueue rejections for telemetry.
	onDrop func(req EnqueueRequest, reason string)

	now func() time.Time

	mu          sync.Mutex
	discovery   itemHeap
	acquisition itemHeap
	urls        map[urlutil.Key]struct{}
	seq         uint64

	// Alternation state: which queue won last and how many times in a row.
	lastAcquisition bool
	streak          int
}

// Options configures a Manager. CfgFn and Gate are required.
type Options struct {
	CfgFn             func() *config.RuntimeConfig
	Gate              HostGate
	Hooks             ScorerHooks
	HasFreshCache     func(url string) bool
	Eligible          func(req EnqueueRequest) (bool, string)
	ShouldBypassDepth func(req EnqueueRequest) bool
	OnDrop            func(req EnqueueRequest, reason string)
	Now               func() time.Time
}

// NewManager creates a queue manager.
func NewManager(opts Options) *Manager {
	if opts.CfgFn == nil || opts.Gate == nil {
		panic("queue: NewManager requires CfgFn and Gate")
	}
	m := &Manager{
		cfgFn:             opts.CfgFn,
		gate:              opts.Gate,
		hooks:             opts.Hooks,
		hasFreshCache:     opts.HasFreshCache,
		eligible:          opts.Eligible,
		shouldBypassDepth: opts.ShouldBypassDepth,
		onDrop:            opts.OnDrop,
		now:               opts.Now,
		urls:              make(map[urlutil.Key]struct{}),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.hasFreshCache == nil {
		m.hasFreshCache = func(string) bool { return false }
	}
	return m
}

// Enqueue validates, scores, and inserts one item.
func (m *Manager) Enqueue(req EnqueueRequest) EnqueueResult {
	cfg := m.cfgFn()

	norm, err := urlutil.Normalize(req.URL)
	if err != nil {
		return m.reject(req, ReasonInvalidURL)
	}
	req.URL = norm

	if !req.Kind.IsValid() {
		req.Kind = KindDefault
	}

	if req.Depth > cfg.MaxDepth && (m.shouldBypassDepth == nil || !m.shouldBypassDepth(req)) {
		return m.reject(req, ReasonMaxDepth)
	}
	if m.eligible != nil {
		if ok, _ := m.eligible(req); !ok {
			return m.reject(req, ReasonIneligible)
		}
	}

	key := urlutil.KeyOf(norm)
	now := m.now()

	item := &Item{
		URL:          norm,
		Host:         urlutil.Host(norm),
		Depth:        req.Depth,
		Kind:         req.Kind,
		Meta:         req.Meta,
		DiscoveredAt: now,
		EnqueuedAt:   now,
	}
	if req.Priority != nil {
		item.Priority = *req.Priority
		item.PrioritySource = "explicit"
	} else {
		item.Priority = Score(item, req.Bias, cfg.Priority, m.hooks)
		item.PrioritySource = "scored"
	}

	m.mu.Lock()
	if _, dup := m.urls[key]; dup {
		m.mu.Unlock()
		return m.reject(req, ReasonDuplicate)
	}
	if len(m.discovery)+len(m.acquisition) >= cfg.MaxQueue {
		m.mu.Unlock()
		return m.reject(req, ReasonQueueFull)
	}
	m.seq++
	item.seq = m.seq
	m.urls[key] = struct{}{}
	m.pushLocked(item)
	m.mu.Unlock()

	return EnqueueResult{Enqueued: true, Priority: item.Priority}
}

func (m *Manager) reject(req EnqueueRequest, reason string) EnqueueResult {
	if m.onDrop != nil {
		m.onDrop(req, reason)
	}
	return EnqueueResult{Reason: reason}
}

func (m *Manager) pushLocked(item *Item) {
	if item.Kind.IsAcquisition() {
		heap.Push(&m.acquisition, item)
	} else {
		heap.Push(&m.discovery, item)
	}
}

// PullNext returns the most urgent eligible item, alternating between the
// discovery and acquisition queues. Items whose host is throttled are set
// aside (stamped DeferredUntil) and restored before returning; when nothing
// is eligible the result carries WakeAt = the earliest deferral expiry.
func (m *Manager) PullNext() PullResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var deferred []*Item
	restore := func() {
		for _, it := range deferred {
			m.pushLocked(it)
		}
	}

	var (
		lockedSeen  bool
		lockedRetry time.Duration
	)
	for scanned := 0; scanned < MaxScan; scanned++ {
		h := m.chooseHeapLocked()
		if h == nil {
			break
		}
		item := heap.Pop(h).(*Item)

		// Budget-locked hosts keep their items queued; the item waits out
		// the lockout instead of bouncing between the caller and the queue.
		if locked, retryAfter := m.gate.IsLocked(item.Host); locked {
			if until := now.Add(retryAfter); item.DeferredUntil.Before(until) {
				item.DeferredUntil = until
			}
			deferred = append(deferred, item)
			if !lockedSeen || retryAfter < lockedRetry {
				lockedRetry = retryAfter
			}
			lockedSeen = true
			continue
		}

		next := m.gate.NextEligible(item.Host)
		if next.After(now) {
			if m.gate.IsLimited(item.Host) && m.hasFreshCache(item.URL) {
				item.ForceCache = true
				delete(m.urls, urlutil.KeyOf(item.URL))
				restore()
				return PullResult{Item: item}
			}
			backoff := next
			if item.DeferredUntil.Before(backoff) {
				item.DeferredUntil = backoff
			}
			deferred = append(deferred, item)
			continue
		}

		delete(m.urls, urlutil.KeyOf(item.URL))
		restore()
		return PullResult{Item: item}
	}

	restore()
	var wakeAt time.Time
	for _, it := range deferred {
		if wakeAt.IsZero() || it.DeferredUntil.Before(wakeAt) {
			wakeAt = it.DeferredUntil
		}
	}
	return PullResult{HostLocked: lockedSeen, LockedRetryAfter: lockedRetry, WakeAt: wakeAt}
}

// chooseHeapLocked alternates 1:1 between the queues with a burst cap: one
// queue may win at most burstCap consecutive pulls while the other has work.
func (m *Manager) chooseHeapLocked() *itemHeap {
	discEmpty := len(m.discovery) == 0
	acqEmpty := len(m.acquisition) == 0
	switch {
	case discEmpty && acqEmpty:
		return nil
	case discEmpty:
		m.note(true)
		return &m.acquisition
	case acqEmpty:
		m.note(false)
		return &m.discovery
	}

	pickAcq := !m.lastAcquisition
	if m.streak < burstCap {
		// Under the cap the more urgent head wins regardless of turn.
		if m.acquisition[0].Priority < m.discovery[0].Priority {
			pickAcq = true
		} else if m.acquisition[0].Priority > m.discovery[0].Priority {
			pickAcq = false
		}
	}
	m.note(pickAcq)
	if pickAcq {
		return &m.acquisition
	}
	return &m.discovery
}

func (m *Manager) note(acquisition bool) {
	if acquisition == m.lastAcquisition {
		m.streak++
	} else {
		m.streak = 1
	}
	m.lastAcquisition = acquisition
}

// Size returns the total number of queued items.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.discovery) + len(m.acquisition)
}

// Sizes returns the per-queue item counts.
func (m *Manager) Sizes() (discovery, acquisition int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.discovery), len(m.acquisition)
}

// Heatmap is an aggregate view of queue composition along the axes the
// dashboard charts: host, kind, discovery method, and depth bucket.
type Heatmap struct {
	Hosts     map[string]int `json:"hosts"`
	Kinds     map[string]int `json:"kinds"`
	Discovery map[string]int `json:"discovery"`
	Depths    map[string]int `json:"depths"`
}

// Heatmap returns queued-item counts along each composition axis.
func (m *Manager) Heatmap() Heatmap {
	m.mu.Lock()
	defer m.mu.Unlock()
	hm := Heatmap{
		Hosts:     make(map[string]int),
		Kinds:     make(map[string]int),
		Discovery: make(map[string]int),
		Depths:    make(map[string]int),
	}
	count := func(it *Item) {
		hm.Hosts[it.Host]++
		hm.Kinds[string(it.Kind)]++
		method := it.Meta.DiscoveryMethod
		if method == "" {
			method = "unknown"
		}
		hm.Discovery[method]++
		hm.Depths[depthBucket(it.Depth)]++
	}
	for _, it := range m.discovery {
		count(it)
	}
	for _, it := range m.acquisition {
		count(it)
	}
	return hm
}

func depthBucket(depth int) string {
	switch {
	case depth <= 2:
		return "0-2"
	case depth <= 5:
		return "3-5"
	default:
		return "6+"
	}
}

// Snapshot serializes every queued item for checkpointing.
func (m *Manager) Snapshot() ([]byte, error) {
	m.mu.Lock()
	items := make([]*Item, 0, len(m.discovery)+len(m.acquisition))
	items = append(items, m.discovery...)
	items = append(items, m.acquisition...)
	m.mu.Unlock()

	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("queue: snapshot: %w", err)
	}
	return data, nil
}

// Restore loads a checkpoint snapshot into an empty manager. Items whose URL
// is already queued are skipped.
func (m *Manager) Restore(data []byte) (int, error) {
	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		return 0, fmt.Errorf("queue: restore: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, it := range items {
		key := urlutil.KeyOf(it.URL)
		if _, dup := m.urls[key]; dup {
			continue
		}
		m.seq++
		it.seq = m.seq
		m.urls[key] = struct{}{}
		m.pushLocked(it)
		restored++
	}
	return restored, nil
}
