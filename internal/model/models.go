// Package model defines the persisted row types shared between the in-memory
// subsystems and the SQLite repos. The durable layout is the contract; the
// in-memory structs owned by each manager are free to differ.
package model

// CacheRow is one row of the cache table: the durable tier of the article
// cache, keyed by normalized URL.
type CacheRow struct {
	URL          string
	HTML         string
	FetchedAtNs  int64
	HTTPStatus   int
	ETag         string
	LastModified string
}

// HostStateRow is the durable form of a host's learned throttle state.
type HostStateRow struct {
	Host            string
	RPM             float64
	NextRequestAtNs int64
	BackoffUntilNs  int64
	Err429Streak    int
	SuccessStreak   int
}

// HostBudgetRow is the durable form of a host's failure budget.
type HostBudgetRow struct {
	Host            string
	Failures        int
	WindowStartNs   int64
	LockExpiresAtNs int64
}

// Known404Row marks a URL as gone so it is not refetched within TTL.
type Known404Row struct {
	URL         string
	FetchedAtNs int64
}

// CheckpointRow is a crawl checkpoint: queue snapshot, visited set, and
// aggregate stats serialized as JSON blobs.
type CheckpointRow struct {
	JobID         string
	QueueSnapshot string
	VisitedSet    string
	Stats         string
	SavedAtNs     int64
}
