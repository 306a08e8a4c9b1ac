package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/newsdrift/newsdrift/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := MigrateDB(db); err != nil {
		t.Fatalf("second migrate should be a no-op: %v", err)
	}
}

func TestCacheRepo_RoundTrip(t *testing.T) {
	repo := NewCacheRepo(openTestDB(t))

	url := "https://example.com/world/story"
	if _, found, err := repo.GetCache(url); err != nil || found {
		t.Fatalf("miss expected, found=%v err=%v", found, err)
	}

	row := model.CacheRow{
		URL:          url,
		HTML:         "<html><body>story</body></html>",
		FetchedAtNs:  time.Now().UnixNano(),
		HTTPStatus:   200,
		ETag:         `"abc123"`,
		LastModified: "Mon, 15 Jan 2024 10:00:00 GMT",
	}
	if err := repo.UpsertCache(row); err != nil {
		t.Fatal(err)
	}

	got, found, err := repo.GetCache(url)
	if err != nil || !found {
		t.Fatalf("hit expected, found=%v err=%v", found, err)
	}
	if got != row {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, row)
	}

	// 304 path: headers refresh, body untouched.
	newTime := row.FetchedAtNs + 1000
	if err := repo.UpdateConditionalHeaders(url, `"def456"`, "Tue, 16 Jan 2024 10:00:00 GMT", newTime); err != nil {
		t.Fatal(err)
	}
	got, _, _ = repo.GetCache(url)
	if got.ETag != `"def456"` || got.FetchedAtNs != newTime {
		t.Fatalf("conditional headers not refreshed: %+v", got)
	}
	if got.HTML != row.HTML {
		t.Fatal("body must survive conditional-header update")
	}

	if err := repo.DeleteCache(url); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := repo.GetCache(url); found {
		t.Fatal("row should be gone after delete")
	}
}

func TestCacheRepo_Known404(t *testing.T) {
	repo := NewCacheRepo(openTestDB(t))
	now := time.Now().UnixNano()
	url := "https://example.com/gone"

	if err := repo.MarkKnown404(url, now); err != nil {
		t.Fatal(err)
	}

	known, err := repo.IsKnown404(url, now-int64(time.Hour))
	if err != nil || !known {
		t.Fatalf("fresh marker should count, known=%v err=%v", known, err)
	}

	// Marker older than cutoff is not a hit.
	known, _ = repo.IsKnown404(url, now+int64(time.Hour))
	if known {
		t.Fatal("stale marker should not count")
	}

	n, err := repo.PruneKnown404(now + 1)
	if err != nil || n != 1 {
		t.Fatalf("prune removed %d rows, err=%v", n, err)
	}
	if known, _ := repo.IsKnown404(url, 0); known {
		t.Fatal("pruned marker should be gone")
	}
}

func TestPersister_FlushDirtySets(t *testing.T) {
	db := openTestDB(t)
	p := NewPersister(NewHostRepo(db))

	states := map[string]*model.HostStateRow{
		"a.example": {Host: "a.example", RPM: 30, SuccessStreak: 5},
		"b.example": {Host: "b.example", RPM: 7, Err429Streak: 2},
	}
	budgets := map[string]*model.HostBudgetRow{
		"a.example": {Host: "a.example", Failures: 1, WindowStartNs: 100},
	}

	p.MarkHostState("a.example")
	p.MarkHostState("b.example")
	p.MarkHostBudget("a.example")
	p.MarkHostState("vanished.example") // reader returns nil -> delete

	if p.DirtyCount() != 4 {
		t.Fatalf("dirty count = %d", p.DirtyCount())
	}

	readers := HostReaders{
		ReadHostState:  func(host string) *model.HostStateRow { return states[host] },
		ReadHostBudget: func(host string) *model.HostBudgetRow { return budgets[host] },
	}
	if err := p.FlushDirtySets(readers); err != nil {
		t.Fatal(err)
	}
	if p.DirtyCount() != 0 {
		t.Fatal("flush should drain dirty sets")
	}

	loaded, err := p.LoadAllHostState()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 host_state rows, got %d", len(loaded))
	}

	budgetRows, err := p.LoadAllHostBudget()
	if err != nil {
		t.Fatal(err)
	}
	if len(budgetRows) != 1 || budgetRows[0].Host != "a.example" {
		t.Fatalf("unexpected budget rows: %+v", budgetRows)
	}
}

func TestHostDirtySet_DrainAndMerge(t *testing.T) {
	ds := NewHostDirtySet()
	ds.MarkUpsert("a.example")
	ds.MarkDelete("b.example")

	drained := ds.Drain()
	if len(drained) != 2 || ds.Len() != 0 {
		t.Fatalf("drain snapshot=%d remaining=%d", len(drained), ds.Len())
	}

	// A re-dirtied host keeps its newer mark through a merge.
	ds.MarkUpsert("b.example")
	ds.Merge(drained)
	final := ds.Drain()
	if final["b.example"] != OpUpsert {
		t.Fatal("merge must not clobber newer marks")
	}
	if final["a.example"] != OpUpsert {
		t.Fatal("merge should restore undirtied hosts")
	}
}

func TestCheckpointRepo_RoundTrip(t *testing.T) {
	repo := NewCheckpointRepo(openTestDB(t))

	if _, found, err := repo.Load("job-1"); err != nil || found {
		t.Fatalf("miss expected, found=%v err=%v", found, err)
	}

	row := model.CheckpointRow{
		JobID:         "job-1",
		QueueSnapshot: `[{"url":"https://example.com/"}]`,
		VisitedSet:    `["0011223344556677889900aabbccddee"]`,
		Stats:         `{"downloaded":12}`,
		SavedAtNs:     time.Now().UnixNano(),
	}
	if err := repo.Save(row); err != nil {
		t.Fatal(err)
	}

	got, found, err := repo.Load("job-1")
	if err != nil || !found {
		t.Fatalf("hit expected, found=%v err=%v", found, err)
	}
	if got != row {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, row)
	}

	// Overwrite replaces, not duplicates.
	row.Stats = `{"downloaded":20}`
	if err := repo.Save(row); err != nil {
		t.Fatal(err)
	}
	got, _, _ = repo.Load("job-1")
	if got.Stats != row.Stats {
		t.Fatal("save should replace existing checkpoint")
	}

	if err := repo.Delete("job-1"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := repo.Load("job-1"); found {
		t.Fatal("checkpoint should be gone after delete")
	}
}
