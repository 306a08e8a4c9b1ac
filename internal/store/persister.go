package store

import (
	"fmt"
	"log"

	"github.com/newsdrift/newsdrift/internal/model"
)

// HostReaders provides callbacks for reading current in-memory host values at
// flush time. If a reader returns nil for a key marked OpUpsert, the key is
// treated as a delete (the host was dropped between mark and flush).
type HostReaders struct {
	ReadHostState  func(host string) *model.HostStateRow
	ReadHostBudget func(host string) *model.HostBudgetRow
}

// Persister is the single write entry point for learned host state. The
// throttle and budget managers mark hosts dirty on mutation; the flush worker
// drains both sets and batch-writes in one transaction.
type Persister struct {
	*HostRepo

	dirtyHostState  *HostDirtySet
	dirtyHostBudget *HostDirtySet
}

// NewPersister creates a Persister over the host repo.
func NewPersister(hostRepo *HostRepo) *Persister {
	return &Persister{
		HostRepo:        hostRepo,
		dirtyHostState:  NewHostDirtySet(),
		dirtyHostBudget: NewHostDirtySet(),
	}
}

// MarkHostState marks a host's throttle state dirty.
func (p *Persister) MarkHostState(host string) { p.dirtyHostState.MarkUpsert(host) }

// MarkHostStateDelete marks a host's throttle state for deletion.
func (p *Persister) MarkHostStateDelete(host string) { p.dirtyHostState.MarkDelete(host) }

// MarkHostBudget marks a host's failure budget dirty.
func (p *Persister) MarkHostBudget(host string) { p.dirtyHostBudget.MarkUpsert(host) }

// MarkHostBudgetDelete marks a host's failure budget for deletion.
func (p *Persister) MarkHostBudgetDelete(host string) { p.dirtyHostBudget.MarkDelete(host) }

// DirtyCount returns the total number of dirty entries across both sets.
func (p *Persister) DirtyCount() int {
	return p.dirtyHostState.Len() + p.dirtyHostBudget.Len()
}

// classifyDirty splits a drained snapshot into upsert rows and delete hosts,
// reading current values through the reader.
func classifyDirty[V any](
	drained map[string]DirtyOp,
	reader func(host string) *V,
) (upserts []V, deletes []string) {
	for host, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, host)
			continue
		}
		v := reader(host)
		if v == nil {
			deletes = append(deletes, host)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirtySets drains both dirty sets, reads current values via readers,
// and batch-writes in a single transaction. On failure, undrained entries are
// merged back.
func (p *Persister) FlushDirtySets(readers HostReaders) error {
	drainedState := p.dirtyHostState.Drain()
	drainedBudget := p.dirtyHostBudget.Drain()

	remerge := func() {
		p.dirtyHostState.Merge(drainedState)
		p.dirtyHostBudget.Merge(drainedBudget)
	}

	upsertState, deleteState := classifyDirty(drainedState, readers.ReadHostState)
	upsertBudget, deleteBudget := classifyDirty(drainedBudget, readers.ReadHostBudget)

	if err := p.HostRepo.FlushTx(FlushOps{
		UpsertHostState:  upsertState,
		DeleteHostState:  deleteState,
		UpsertHostBudget: upsertBudget,
		DeleteHostBudget: deleteBudget,
	}); err != nil {
		remerge()
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[store] flushed dirty sets: host_state=%d, host_budget=%d",
		len(drainedState), len(drainedBudget))
	return nil
}
