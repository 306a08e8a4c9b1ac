package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/newsdrift/newsdrift/internal/model"
)

// CacheRepo provides read/write access to the cache and known_404 tables.
// Cache writes are write-through (article bodies are too large to hold in a
// dirty set); host state uses the batched dirty-set path instead.
type CacheRepo struct {
	db *sql.DB
}

// NewCacheRepo creates a CacheRepo on the given connection.
func NewCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

// GetCache reads the cache row for a normalized URL. The bool reports
// presence.
func (r *CacheRepo) GetCache(url string) (model.CacheRow, bool, error) {
	var row model.CacheRow
	err := r.db.QueryRow(
		"SELECT url, html, fetched_at_ns, http_status, etag, last_modified FROM cache WHERE url = ?",
		url,
	).Scan(&row.URL, &row.HTML, &row.FetchedAtNs, &row.HTTPStatus, &row.ETag, &row.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CacheRow{}, false, nil
	}
	if err != nil {
		return model.CacheRow{}, false, fmt.Errorf("get cache %s: %w", url, err)
	}
	return row, true, nil
}

// UpsertCache writes (or replaces) the cache row for a URL.
func (r *CacheRepo) UpsertCache(row model.CacheRow) error {
	_, err := r.db.Exec(upsertCacheSQL,
		row.URL, row.HTML, row.FetchedAtNs, row.HTTPStatus, row.ETag, row.LastModified)
	if err != nil {
		return fmt.Errorf("upsert cache %s: %w", row.URL, err)
	}
	return nil
}

// UpdateConditionalHeaders refreshes etag/last-modified and the fetch time
// without touching the stored body. Used on 304 responses.
func (r *CacheRepo) UpdateConditionalHeaders(url, etag, lastModified string, fetchedAtNs int64) error {
	_, err := r.db.Exec(
		"UPDATE cache SET etag = ?, last_modified = ?, fetched_at_ns = ? WHERE url = ?",
		etag, lastModified, fetchedAtNs, url)
	if err != nil {
		return fmt.Errorf("update conditional headers %s: %w", url, err)
	}
	return nil
}

// DeleteCache removes the cache row for a URL.
func (r *CacheRepo) DeleteCache(url string) error {
	if _, err := r.db.Exec("DELETE FROM cache WHERE url = ?", url); err != nil {
		return fmt.Errorf("delete cache %s: %w", url, err)
	}
	return nil
}

// --- known_404 ---

// MarkKnown404 records that a URL returned 404/410.
func (r *CacheRepo) MarkKnown404(url string, fetchedAtNs int64) error {
	_, err := r.db.Exec(
		`INSERT INTO known_404 (url, fetched_at_ns) VALUES (?, ?)
		 ON CONFLICT(url) DO UPDATE SET fetched_at_ns = excluded.fetched_at_ns`,
		url, fetchedAtNs)
	if err != nil {
		return fmt.Errorf("mark known 404 %s: %w", url, err)
	}
	return nil
}

// IsKnown404 reports whether a URL has a 404 marker newer than cutoffNs.
func (r *CacheRepo) IsKnown404(url string, cutoffNs int64) (bool, error) {
	var fetchedAtNs int64
	err := r.db.QueryRow("SELECT fetched_at_ns FROM known_404 WHERE url = ?", url).Scan(&fetchedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup known 404 %s: %w", url, err)
	}
	return fetchedAtNs >= cutoffNs, nil
}

// PruneKnown404 deletes markers older than cutoffNs, returning the count.
func (r *CacheRepo) PruneKnown404(cutoffNs int64) (int64, error) {
	res, err := r.db.Exec("DELETE FROM known_404 WHERE fetched_at_ns < ?", cutoffNs)
	if err != nil {
		return 0, fmt.Errorf("prune known 404: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const upsertCacheSQL = `INSERT INTO cache (url, html, fetched_at_ns, http_status, etag, last_modified)
	 VALUES (?, ?, ?, ?, ?, ?)
	 ON CONFLICT(url) DO UPDATE SET
		html          = excluded.html,
		fetched_at_ns = excluded.fetched_at_ns,
		http_status   = excluded.http_status,
		etag          = excluded.etag,
		last_modified = excluded.last_modified`
