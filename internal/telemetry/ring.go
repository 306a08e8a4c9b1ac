package telemetry

import "sync"

// HistoryRing is a fixed-size ring buffer of emitted envelopes, kept so late
// subscribers can replay recent history before live delivery begins.
type HistoryRing struct {
	mu      sync.RWMutex
	entries []Envelope
	head    int
	count   int
	cap     int
}

// NewHistoryRing creates a ring buffer with the given capacity.
func NewHistoryRing(capacity int) *HistoryRing {
	if capacity <= 0 {
		capacity = 200
	}
	return &HistoryRing{
		entries: make([]Envelope, capacity),
		cap:     capacity,
	}
}

// Push adds an envelope, overwriting the oldest if full.
func (r *HistoryRing) Push(e Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
}

// Snapshot returns the buffered envelopes oldest first.
func (r *HistoryRing) Snapshot() []Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Envelope, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head - r.count + i + r.cap) % r.cap
		out = append(out, r.entries[idx])
	}
	return out
}

// Len returns the number of buffered envelopes.
func (r *HistoryRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
