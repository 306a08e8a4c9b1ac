// Package cache implements the two-tier article cache: a bounded in-memory
// memo (otter LRU) in front of the durable SQLite store, plus an in-flight
// build registry that de-duplicates concurrent fetches of the same URL.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/newsdrift/newsdrift/internal/model"
	"github.com/newsdrift/newsdrift/internal/store"
)

// Entry is a cached page body with its fetch metadata.
type Entry struct {
	URL          string
	HTML         string
	CrawledAt    time.Time
	HTTPStatus   int
	ETag         string
	LastModified string
}

// Age returns how old the entry is relative to now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CrawledAt)
}

// ShouldUse decides whether a cached entry may serve a request. Pure function
// of its arguments:
//   - maxAge >= 0: use iff now-crawledAt <= maxAge (maxAge 0 means never,
//     short of a same-instant fetch).
//   - maxAge < 0 (TTL policy off): use iff preferCache.
func ShouldUse(preferCache bool, maxAge time.Duration, crawledAt, now time.Time) bool {
	if maxAge >= 0 {
		return now.Sub(crawledAt) <= maxAge
	}
	return preferCache
}

// flight is the completion handle shared between the building fetcher and any
// waiters for the same URL. Dropped from the registry after settlement.
type flight struct {
	done  chan struct{}
	entry Entry
	err   error
}

// ArticleCache is the URL -> Entry lookup used by the fetch pipeline.
type ArticleCache struct {
	memo otter.Cache[string, Entry]
	repo *store.CacheRepo

	mu       sync.Mutex
	inFlight map[string]*flight

	now func() time.Time
}

// New creates an ArticleCache with a memo tier bounded to maxEntries pages.
// now is injectable for tests; nil means time.Now.
func New(repo *store.CacheRepo, maxEntries int, now func() time.Time) *ArticleCache {
	memo, err := otter.MustBuilder[string, Entry](maxEntries).
		Cost(func(_ string, e Entry) uint32 {
			c := len(e.HTML) / 1024
			if c < 1 {
				c = 1
			}
			return uint32(c)
		}).
		Build()
	if err != nil {
		panic("cache: failed to create memo tier: " + err.Error())
	}
	if now == nil {
		now = time.Now
	}
	return &ArticleCache{
		memo:     memo,
		repo:     repo,
		inFlight: make(map[string]*flight),
		now:      now,
	}
}

// Get looks up url in the memo tier, then the durable store. A store hit
// back-fills the memo.
func (c *ArticleCache) Get(url string) (Entry, bool, error) {
	if e, ok := c.memo.Get(url); ok {
		return e, true, nil
	}
	row, found, err := c.repo.GetCache(url)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: %w", err)
	}
	if !found {
		return Entry{}, false, nil
	}
	e := entryFromRow(row)
	c.memo.Set(url, e)
	return e, true, nil
}

// Put writes an entry through both tiers.
func (c *ArticleCache) Put(e Entry) error {
	if err := c.repo.UpsertCache(rowFromEntry(e)); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	c.memo.Set(e.URL, e)
	return nil
}

// RefreshConditional updates etag/last-modified and the fetch time after a
// 304, leaving the stored body alone.
func (c *ArticleCache) RefreshConditional(url, etag, lastModified string, fetchedAt time.Time) error {
	if err := c.repo.UpdateConditionalHeaders(url, etag, lastModified, fetchedAt.UnixNano()); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if e, ok := c.memo.Get(url); ok {
		e.ETag = etag
		e.LastModified = lastModified
		e.CrawledAt = fetchedAt
		c.memo.Set(url, e)
	}
	return nil
}

// Invalidate drops an entry from both tiers.
func (c *ArticleCache) Invalidate(url string) error {
	c.memo.Delete(url)
	if err := c.repo.DeleteCache(url); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// MarkKnown404 records a gone URL so it is not refetched within TTL.
func (c *ArticleCache) MarkKnown404(url string) error {
	if err := c.repo.MarkKnown404(url, c.now().UnixNano()); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// IsKnown404 reports whether url carries a gone-marker younger than ttl.
func (c *ArticleCache) IsKnown404(url string, ttl time.Duration) (bool, error) {
	cutoff := c.now().Add(-ttl).UnixNano()
	known, err := c.repo.IsKnown404(url, cutoff)
	if err != nil {
		return false, fmt.Errorf("cache: %w", err)
	}
	return known, nil
}

// PruneKnown404 deletes gone-markers older than ttl, returning the count.
func (c *ArticleCache) PruneKnown404(ttl time.Duration) (int64, error) {
	n, err := c.repo.PruneKnown404(c.now().Add(-ttl).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("cache: %w", err)
	}
	return n, nil
}

// Build runs build for url at most once among concurrent callers: the first
// caller executes it, later callers block on the same settlement. shared is
// true for callers that received another fetch's result.
func (c *ArticleCache) Build(url string, build func() (Entry, error)) (e Entry, shared bool, err error) {
	c.mu.Lock()
	if f, ok := c.inFlight[url]; ok {
		c.mu.Unlock()
		<-f.done
		return f.entry, true, f.err
	}
	f := &flight{done: make(chan struct{})}
	c.inFlight[url] = f
	c.mu.Unlock()

	f.entry, f.err = build()
	close(f.done)

	c.mu.Lock()
	delete(c.inFlight, url)
	c.mu.Unlock()

	return f.entry, false, f.err
}

// Size returns the memo-tier entry count.
func (c *ArticleCache) Size() int {
	return c.memo.Size()
}

// Close releases the memo tier.
func (c *ArticleCache) Close() {
	c.memo.Close()
}

func entryFromRow(row model.CacheRow) Entry {
	return Entry{
		URL:          row.URL,
		HTML:         row.HTML,
		CrawledAt:    time.Unix(0, row.FetchedAtNs),
		HTTPStatus:   row.HTTPStatus,
		ETag:         row.ETag,
		LastModified: row.LastModified,
	}
}

func rowFromEntry(e Entry) model.CacheRow {
	return model.CacheRow{
		URL:          e.URL,
		HTML:         e.HTML,
		FetchedAtNs:  e.CrawledAt.UnixNano(),
		HTTPStatus:   e.HTTPStatus,
		ETag:         e.ETag,
		LastModified: e.LastModified,
	}
}
