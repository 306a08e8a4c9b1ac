package engine

import (
	"encoding/json"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/newsdrift/newsdrift/internal/model"
	"github.com/newsdrift/newsdrift/internal/telemetry"
	"github.com/newsdrift/newsdrift/internal/urlutil"
)

// saveCheckpoint snapshots the queue, visited set, and stats for the job.
func (e *Engine) saveCheckpoint() {
	if e.checkpoints == nil {
		return
	}
	qsnap, err := e.queue.Snapshot()
	if err != nil {
		log.Printf("[engine] checkpoint: queue snapshot: %v", err)
		return
	}

	keys := make([]string, 0, 256)
	e.visited.Range(func(k urlutil.Key, _ struct{}) bool {
		keys = append(keys, k.Hex())
		return true
	})
	visitedJSON, err := json.Marshal(keys)
	if err != nil {
		log.Printf("[engine] checkpoint: visited set: %v", err)
		return
	}
	statsJSON, err := json.Marshal(e.stats.Snapshot())
	if err != nil {
		log.Printf("[engine] checkpoint: stats: %v", err)
		return
	}

	row := model.CheckpointRow{
		JobID:         e.bridge.JobID(),
		QueueSnapshot: string(qsnap),
		VisitedSet:    string(visitedJSON),
		Stats:         string(statsJSON),
		SavedAtNs:     e.now().UnixNano(),
	}
	if err := e.checkpoints.Save(row); err != nil {
		log.Printf("[engine] checkpoint save: %v", err)
		return
	}
	e.bridge.Emit(telemetry.EventCheckpointSaved, telemetry.SeverityInfo, "", map[string]any{
		"queueSize": e.queue.Size(),
		"visited":   len(keys),
	})
}

// restoreCheckpoint loads the job's checkpoint if one exists. Returns true
// when queue state was restored (the seed enqueue is then skipped).
func (e *Engine) restoreCheckpoint() bool {
	if e.checkpoints == nil {
		return false
	}
	row, ok, err := e.checkpoints.Load(e.bridge.JobID())
	if err != nil {
		log.Printf("[engine] checkpoint load: %v", err)
		return false
	}
	if !ok {
		return false
	}

	var keys []string
	if err := json.Unmarshal([]byte(row.VisitedSet), &keys); err != nil {
		log.Printf("[engine] checkpoint: visited set corrupt: %v", err)
		return false
	}
	for _, hex := range keys {
		k, err := urlutil.ParseKeyHex(hex)
		if err != nil {
			continue
		}
		e.visited.Store(k, struct{}{})
	}

	var snap StatsSnapshot
	if err := json.Unmarshal([]byte(row.Stats), &snap); err == nil {
		e.stats.restore(snap)
	}

	n, err := e.queue.Restore([]byte(row.QueueSnapshot))
	if err != nil {
		log.Printf("[engine] checkpoint: queue restore: %v", err)
		return false
	}

	log.Printf("[engine] checkpoint restored: queue=%d visited=%d", n, len(keys))
	e.bridge.Emit(telemetry.EventCheckpointRestored, telemetry.SeverityInfo, "", map[string]any{
		"queueSize": n,
		"visited":   len(keys),
	})
	return n > 0
}

// startCron schedules periodic checkpoints and the known-404 prune. Returns
// nil when neither schedule is configured.
func (e *Engine) startCron() *cron.Cron {
	cfg := e.cfgFn()
	c := cron.New()
	scheduled := false

	if cfg.CheckpointSchedule != "" && e.checkpoints != nil {
		if _, err := c.AddFunc(cfg.CheckpointSchedule, e.saveCheckpoint); err != nil {
			log.Printf("[engine] checkpoint schedule %q: %v", cfg.CheckpointSchedule, err)
		} else {
			scheduled = true
		}
	}
	if cfg.Known404PruneSchedule != "" && e.cache != nil {
		if _, err := c.AddFunc(cfg.Known404PruneSchedule, e.pruneKnown404); err != nil {
			log.Printf("[engine] known-404 prune schedule %q: %v", cfg.Known404PruneSchedule, err)
		} else {
			scheduled = true
		}
	}
	if !scheduled {
		return nil
	}
	c.Start()
	return c
}

func (e *Engine) pruneKnown404() {
	n, err := e.cache.PruneKnown404(e.cfgFn().Known404TTL.Std())
	if err != nil {
		log.Printf("[engine] known-404 prune: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[engine] pruned %d expired known-404 markers", n)
	}
}
