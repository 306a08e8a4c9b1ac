package store

import (
	"database/sql"
	"fmt"

	"github.com/newsdrift/newsdrift/internal/model"
)

// HostRepo provides batch read/write for the learned per-host tables.
type HostRepo struct {
	db *sql.DB
}

// NewHostRepo creates a HostRepo on the given connection.
func NewHostRepo(db *sql.DB) *HostRepo {
	return &HostRepo{db: db}
}

// LoadAllHostState reads every host_state row.
func (r *HostRepo) LoadAllHostState() ([]model.HostStateRow, error) {
	rows, err := r.db.Query(
		"SELECT host, rpm, next_request_at_ns, backoff_until_ns, err_429_streak, success_streak FROM host_state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.HostStateRow
	for rows.Next() {
		var h model.HostStateRow
		if err := rows.Scan(&h.Host, &h.RPM, &h.NextRequestAtNs, &h.BackoffUntilNs, &h.Err429Streak, &h.SuccessStreak); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

// LoadAllHostBudget reads every host_budget row.
func (r *HostRepo) LoadAllHostBudget() ([]model.HostBudgetRow, error) {
	rows, err := r.db.Query(
		"SELECT host, failures, window_start_ns, lock_expires_at_ns FROM host_budget")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.HostBudgetRow
	for rows.Next() {
		var b model.HostBudgetRow
		if err := rows.Scan(&b.Host, &b.Failures, &b.WindowStartNs, &b.LockExpiresAtNs); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// FlushOps holds all upsert/delete slices for a single-transaction host flush.
type FlushOps struct {
	UpsertHostState  []model.HostStateRow
	DeleteHostState  []string
	UpsertHostBudget []model.HostBudgetRow
	DeleteHostBudget []string
}

// FlushTx executes all upserts and deletes in a single transaction.
func (r *HostRepo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name  string
		query string
		n     int
		exec  func(*sql.Stmt, int) error
	}{
		{"upsert_host_state", upsertHostStateSQL, len(ops.UpsertHostState), func(s *sql.Stmt, i int) error {
			h := ops.UpsertHostState[i]
			_, err := s.Exec(h.Host, h.RPM, h.NextRequestAtNs, h.BackoffUntilNs, h.Err429Streak, h.SuccessStreak)
			return err
		}},
		{"upsert_host_budget", upsertHostBudgetSQL, len(ops.UpsertHostBudget), func(s *sql.Stmt, i int) error {
			b := ops.UpsertHostBudget[i]
			_, err := s.Exec(b.Host, b.Failures, b.WindowStartNs, b.LockExpiresAtNs)
			return err
		}},
		{"delete_host_state", "DELETE FROM host_state WHERE host = ?", len(ops.DeleteHostState), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(ops.DeleteHostState[i])
			return err
		}},
		{"delete_host_budget", "DELETE FROM host_budget WHERE host = ?", len(ops.DeleteHostBudget), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(ops.DeleteHostBudget[i])
			return err
		}},
	}

	for _, step := range steps {
		if err := bulkExecTx(tx, step.query, step.n, step.exec); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	return tx.Commit()
}

// bulkExecTx runs a prepared statement within an existing transaction for n rows.
func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	return nil
}

const (
	upsertHostStateSQL = `INSERT INTO host_state (host, rpm, next_request_at_ns, backoff_until_ns, err_429_streak, success_streak)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET
			rpm                = excluded.rpm,
			next_request_at_ns = excluded.next_request_at_ns,
			backoff_until_ns   = excluded.backoff_until_ns,
			err_429_streak     = excluded.err_429_streak,
			success_streak     = excluded.success_streak`

	upsertHostBudgetSQL = `INSERT INTO host_budget (host, failures, window_start_ns, lock_expires_at_ns)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(host) DO UPDATE SET
			failures           = excluded.failures,
			window_start_ns    = excluded.window_start_ns,
			lock_expires_at_ns = excluded.lock_expires_at_ns`
)
