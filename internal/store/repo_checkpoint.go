package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/newsdrift/newsdrift/internal/model"
)

// CheckpointRepo persists crawl checkpoints, one row per job.
type CheckpointRepo struct {
	db *sql.DB
}

// NewCheckpointRepo creates a CheckpointRepo on the given connection.
func NewCheckpointRepo(db *sql.DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

// Save writes (or replaces) the checkpoint for a job.
func (r *CheckpointRepo) Save(row model.CheckpointRow) error {
	_, err := r.db.Exec(
		`INSERT INTO checkpoint (job_id, queue_snapshot, visited_set, stats, saved_at_ns)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			queue_snapshot = excluded.queue_snapshot,
			visited_set    = excluded.visited_set,
			stats          = excluded.stats,
			saved_at_ns    = excluded.saved_at_ns`,
		row.JobID, row.QueueSnapshot, row.VisitedSet, row.Stats, row.SavedAtNs)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", row.JobID, err)
	}
	return nil
}

// Load reads the checkpoint for a job. The bool reports presence.
func (r *CheckpointRepo) Load(jobID string) (model.CheckpointRow, bool, error) {
	var row model.CheckpointRow
	err := r.db.QueryRow(
		"SELECT job_id, queue_snapshot, visited_set, stats, saved_at_ns FROM checkpoint WHERE job_id = ?",
		jobID,
	).Scan(&row.JobID, &row.QueueSnapshot, &row.VisitedSet, &row.Stats, &row.SavedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CheckpointRow{}, false, nil
	}
	if err != nil {
		return model.CheckpointRow{}, false, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	return row, true, nil
}

// Delete removes the checkpoint for a job.
func (r *CheckpointRepo) Delete(jobID string) error {
	if _, err := r.db.Exec("DELETE FROM checkpoint WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", jobID, err)
	}
	return nil
}
