// Package queue implements the bounded, deduplicated, priority-ordered work
// queue: two min-heaps (discovery and acquisition) behind one manager, with
// the scoring formula, host-aware pull rules, and checkpoint snapshots.
package queue

import (
	"time"
)

// Kind is a work-item category. It decides which heap an item lands in and
// its base type weight.
type Kind string

const (
	KindArticle Kind = "article"
	KindHubSeed Kind = "hub-seed"
	KindHistory Kind = "history"
	KindNav     Kind = "nav"
	KindRefresh Kind = "refresh"
	KindHub     Kind = "hub"
	KindDefault Kind = "default"
)

// IsAcquisition reports whether the kind belongs to the acquisition queue
// (fetch-the-body work) rather than discovery (find-more-links work).
func (k Kind) IsAcquisition() bool {
	switch k {
	case KindArticle, KindRefresh, KindHistory:
		return true
	}
	return false
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindArticle, KindHubSeed, KindHistory, KindNav, KindRefresh, KindHub, KindDefault:
		return true
	}
	return false
}

// Meta carries optional scoring inputs attached at enqueue time.
type Meta struct {
	DiscoveryMethod string  `json:"discoveryMethod,omitempty"`
	SourceURL       string  `json:"sourceUrl,omitempty"`
	KnowledgeScore  float64 `json:"knowledgeScore,omitempty"`
	EstimatedCostMs float64 `json:"estimatedCostMs,omitempty"`
	Section         string  `json:"section,omitempty"`
}

// Item is one unit of queued work. At most one live Item exists per
// normalized URL.
type Item struct {
	URL            string    `json:"url"`
	Host           string    `json:"host"`
	Depth          int       `json:"depth"`
	Kind           Kind      `json:"kind"`
	Meta           Meta      `json:"meta"`
	DiscoveredAt   time.Time `json:"discoveredAt"`
	Priority       float64   `json:"priority"`
	PrioritySource string    `json:"prioritySource"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`

	// DeferredUntil is stamped when a pull sets the item aside for host
	// politeness; ForceCache when a 429-limited host has a fresh cache entry.
	DeferredUntil time.Time `json:"deferredUntil,omitzero"`
	ForceCache    bool      `json:"forceCache,omitempty"`

	seq uint64
}

// itemHeap is a min-heap over priority, then enqueuedAt, then sequence.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
