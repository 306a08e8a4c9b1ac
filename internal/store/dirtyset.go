package store

import "sync"

// DirtyOp is the pending write kind for a dirty host.
type DirtyOp int

const (
	// OpUpsert schedules a row rewrite; the value is read from the live
	// manager at flush time.
	OpUpsert DirtyOp = iota
	// OpDelete schedules a row removal.
	OpDelete
)

// HostDirtySet tracks which hosts carry unpersisted throttle or budget
// mutations. It records hosts, not values: a host touched by hundreds of
// acquires between flushes still costs one row write, because the flush
// reads the manager's current state. Drain swaps the map so marks arriving
// during a flush land in the next batch.
type HostDirtySet struct {
	mu    sync.Mutex
	hosts map[string]DirtyOp
}

// NewHostDirtySet creates an empty set.
func NewHostDirtySet() *HostDirtySet {
	return &HostDirtySet{hosts: make(map[string]DirtyOp)}
}

// MarkUpsert schedules host's row for rewrite.
func (d *HostDirtySet) MarkUpsert(host string) {
	d.mu.Lock()
	d.hosts[host] = OpUpsert
	d.mu.Unlock()
}

// MarkDelete schedules host's row for removal. A delete overrides an earlier
// upsert mark.
func (d *HostDirtySet) MarkDelete(host string) {
	d.mu.Lock()
	d.hosts[host] = OpDelete
	d.mu.Unlock()
}

// Drain swaps in a fresh map and returns the old one as a stable snapshot.
// Marks after Drain go into the new map.
func (d *HostDirtySet) Drain() map[string]DirtyOp {
	d.mu.Lock()
	old := d.hosts
	d.hosts = make(map[string]DirtyOp, len(old)/2)
	d.mu.Unlock()
	return old
}

// Merge restores a drained snapshot after a failed flush. Hosts re-dirtied
// since the drain keep their newer mark.
func (d *HostDirtySet) Merge(old map[string]DirtyOp) {
	d.mu.Lock()
	for host, op := range old {
		if _, exists := d.hosts[host]; !exists {
			d.hosts[host] = op
		}
	}
	d.mu.Unlock()
}

// Len returns the number of dirty hosts.
func (d *HostDirtySet) Len() int {
	d.mu.Lock()
	n := len(d.hosts)
	d.mu.Unlock()
	return n
}
