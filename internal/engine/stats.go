package engine

import "sync/atomic"

// Stats are the engine's monotonic counters. All fields are updated with
// atomics so workers never contend on a lock for bookkeeping.
type Stats struct {
	Downloads   atomic.Int64
	CacheHits   atomic.Int64
	NotModified atomic.Int64
	Errors      atomic.Int64
	Skipped     atomic.Int64
	Enqueued    atomic.Int64
	Dropped     atomic.Int64
	HostLocked  atomic.Int64
	Articles    atomic.Int64
}

// StatsSnapshot is the serializable copy used by progress events and
// checkpoints.
type StatsSnapshot struct {
	Downloads   int64 `json:"downloads"`
	CacheHits   int64 `json:"cacheHits"`
	NotModified int64 `json:"notModified"`
	Errors      int64 `json:"errors"`
	Skipped     int64 `json:"skipped"`
	Enqueued    int64 `json:"enqueued"`
	Dropped     int64 `json:"dropped"`
	HostLocked  int64 `json:"hostLocked"`
	Articles    int64 `json:"articles"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Downloads:   s.Downloads.Load(),
		CacheHits:   s.CacheHits.Load(),
		NotModified: s.NotModified.Load(),
		Errors:      s.Errors.Load(),
		Skipped:     s.Skipped.Load(),
		Enqueued:    s.Enqueued.Load(),
		Dropped:     s.Dropped.Load(),
		HostLocked:  s.HostLocked.Load(),
		Articles:    s.Articles.Load(),
	}
}

func (s *Stats) restore(snap StatsSnapshot) {
	s.Downloads.Store(snap.Downloads)
	s.CacheHits.Store(snap.CacheHits)
	s.NotModified.Store(snap.NotModified)
	s.Errors.Store(snap.Errors)
	s.Skipped.Store(snap.Skipped)
	s.Enqueued.Store(snap.Enqueued)
	s.Dropped.Store(snap.Dropped)
	s.HostLocked.Store(snap.HostLocked)
	s.Articles.Store(snap.Articles)
}
