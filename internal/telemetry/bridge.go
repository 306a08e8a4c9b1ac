package telemetry

import (
	"sync"
	"time"

	"github.com/newsdrift/newsdrift/internal/config"
)

// subscriber holds one fan-out channel. Delivery is non-blocking: a slow
// subscriber drops events rather than stalling the engine.
type subscriber struct {
	ch      chan Envelope
	dropped int64
}

// Bridge batches and fans out engine events. All delivery happens under one
// mutex, so envelopes for a job are observed in emit order (after batching),
// and a Subscribe replay is atomic with respect to live delivery.
type Bridge struct {
	jobID     string
	crawlType string
	cfgFn     func() config.TelemetryConfig

	mu      sync.Mutex
	seq     int64
	history *HistoryRing
	subs    map[int]*subscriber
	nextSub int
	stopped bool

	pendingURL      []URLEvent
	urlTimer        *time.Timer
	pendingProgress map[string]any
	progressTimer   *time.Timer
}

// NewBridge creates a Bridge for one job. cfgFn is read on each batching
// decision so the knobs are hot-reloadable.
func NewBridge(jobID, crawlType string, cfgFn func() config.TelemetryConfig) *Bridge {
	if cfgFn == nil {
		panic("telemetry: NewBridge requires non-nil cfgFn")
	}
	cfg := cfgFn()
	return &Bridge{
		jobID:     jobID,
		crawlType: crawlType,
		cfgFn:     cfgFn,
		history:   NewHistoryRing(cfg.HistorySize),
		subs:      make(map[int]*subscriber),
	}
}

// JobID returns the job this bridge serves.
func (b *Bridge) JobID() string { return b.jobID }

// Emit publishes an event immediately (no batching).
func (b *Bridge) Emit(t EventType, sev Severity, msg string, data map[string]any) {
	env := newEnvelope(t, b.jobID, b.crawlType, "engine", sev, msg, data)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(env)
}

// EmitPhase publishes a phase transition.
func (b *Bridge) EmitPhase(from, to Phase) {
	b.Emit(EventPhaseChanged, SeverityInfo, string(to), map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

// RecordURL queues a url-level event. Events are coalesced into a single
// EventURLBatch envelope once the batch reaches the configured size or age,
// unless per-URL broadcast is enabled.
func (b *Bridge) RecordURL(ev URLEvent) {
	cfg := b.cfgFn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	if cfg.PerURLBroadcast {
		data := map[string]any{"event": ev}
		b.deliverLocked(newEnvelope(ev.Type, b.jobID, b.crawlType, "engine", SeverityInfo, ev.URL, data))
		return
	}

	b.pendingURL = append(b.pendingURL, ev)
	if len(b.pendingURL) >= cfg.URLBatchSize {
		b.flushURLLocked()
		return
	}
	if b.urlTimer == nil {
		interval := cfg.URLBatchInterval.Std()
		if interval <= 0 {
			interval = 200 * time.Millisecond
		}
		b.urlTimer = time.AfterFunc(interval, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.urlTimer = nil
			b.flushURLLocked()
		})
	}
}

// UpdateProgress records the latest progress state. Only the newest pending
// state is emitted when the coalescing interval elapses.
func (b *Bridge) UpdateProgress(data map[string]any) {
	cfg := b.cfgFn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	b.pendingProgress = data
	if b.progressTimer == nil {
		interval := cfg.ProgressBatchInterval.Std()
		if interval <= 0 {
			interval = 500 * time.Millisecond
		}
		b.progressTimer = time.AfterFunc(interval, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.progressTimer = nil
			b.flushProgressLocked()
		})
	}
}

// Flush forces out any pending batched state. Used on shutdown and in tests.
func (b *Bridge) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushURLLocked()
	b.flushProgressLocked()
}

// Subscribe registers a listener. When replay is true, the ring history is
// copied into the channel before any live event, atomically. The returned
// cancel func unregisters and closes the channel.
func (b *Bridge) Subscribe(replay bool) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg := b.cfgFn()
	buf := cfg.HistorySize + 256
	sub := &subscriber{ch: make(chan Envelope, buf)}
	if replay {
		for _, env := range b.history.Snapshot() {
			sub.ch <- env
		}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Stop flushes pending batches, stops timers, and closes all subscriber
// channels. Safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.flushURLLocked()
	b.flushProgressLocked()
	if b.urlTimer != nil {
		b.urlTimer.Stop()
		b.urlTimer = nil
	}
	if b.progressTimer != nil {
		b.progressTimer.Stop()
		b.progressTimer = nil
	}
	b.stopped = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

// History returns the ring snapshot (oldest first). For transports and tests.
func (b *Bridge) History() []Envelope {
	return b.history.Snapshot()
}

func (b *Bridge) flushURLLocked() {
	if len(b.pendingURL) == 0 {
		return
	}
	batch := b.pendingURL
	b.pendingURL = nil
	data := map[string]any{
		"count":  len(batch),
		"events": batch,
	}
	b.deliverLocked(newEnvelope(EventURLBatch, b.jobID, b.crawlType, "engine", SeverityInfo, "", data))
}

func (b *Bridge) flushProgressLocked() {
	if b.pendingProgress == nil {
		return
	}
	data := b.pendingProgress
	b.pendingProgress = nil
	b.deliverLocked(newEnvelope(EventProgress, b.jobID, b.crawlType, "engine", SeverityInfo, "", data))
}

func (b *Bridge) deliverLocked(env Envelope) {
	if b.stopped {
		return
	}
	b.seq++
	env.seq = b.seq
	b.history.Push(env)
	for _, s := range b.subs {
		select {
		case s.ch <- env:
		default:
			s.dropped++
		}
	}
}
