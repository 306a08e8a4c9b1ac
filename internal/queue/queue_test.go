package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/newsdrift/newsdrift/internal/config"
)

// stubGate is a scriptable HostGate.
type stubGate struct {
	nextEligible map[string]time.Time
	limited      map[string]bool
	locked       map[string]time.Duration
}

func newStubGate() *stubGate {
	return &stubGate{
		nextEligible: make(map[string]time.Time),
		limited:      make(map[string]bool),
		locked:       make(map[string]time.Duration),
	}
}

func (g *stubGate) NextEligible(host string) time.Time { return g.nextEligible[host] }
func (g *stubGate) IsLimited(host string) bool         { return g.limited[host] }
func (g *stubGate) IsLocked(host string) (bool, time.Duration) {
	d, ok := g.locked[host]
	return ok, d
}

type testQueue struct {
	*Manager
	gate  *stubGate
	cfg   *config.RuntimeConfig
	clock time.Time
	drops []string
}

func newTestQueue(t *testing.T) *testQueue {
	t.Helper()
	tq := &testQueue{
		gate:  newStubGate(),
		cfg:   config.NewDefaultRuntimeConfig(),
		clock: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	tq.Manager = NewManager(Options{
		CfgFn: func() *config.RuntimeConfig { return tq.cfg },
		Gate:  tq.gate,
		Now:   func() time.Time { return tq.clock },
		OnDrop: func(req EnqueueRequest, reason string) {
			tq.drops = append(tq.drops, reason)
		},
	})
	return tq
}

func floatPtr(f float64) *float64 { return &f }

func TestEnqueue_Rejections(t *testing.T) {
	tq := newTestQueue(t)

	if res := tq.Enqueue(EnqueueRequest{URL: "::not a url::", Kind: KindArticle}); res.Enqueued || res.Reason != ReasonInvalidURL {
		t.Fatalf("invalid url: %+v", res)
	}

	tq.cfg.MaxDepth = 2
	if res := tq.Enqueue(EnqueueRequest{URL: "https://example.com/deep", Depth: 3, Kind: KindArticle}); res.Reason != ReasonMaxDepth {
		t.Fatalf("max depth: %+v", res)
	}

	ok := tq.Enqueue(EnqueueRequest{URL: "https://example.com/a", Kind: KindArticle})
	if !ok.Enqueued {
		t.Fatalf("first enqueue rejected: %+v", ok)
	}
	// Same URL after normalization (tracking param stripped) is a duplicate.
	if res := tq.Enqueue(EnqueueRequest{URL: "https://example.com/a?utm_source=x", Kind: KindArticle}); res.Reason != ReasonDuplicate {
		t.Fatalf("duplicate: %+v", res)
	}

	if len(tq.drops) != 3 {
		t.Fatalf("drop callback fired %d times, want 3", len(tq.drops))
	}
}

func TestEnqueue_DepthBypass(t *testing.T) {
	tq := newTestQueue(t)
	tq.cfg.MaxDepth = 1
	tq.shouldBypassDepth = func(req EnqueueRequest) bool { return req.Kind == KindHubSeed }

	if res := tq.Enqueue(EnqueueRequest{URL: "https://example.com/deep", Depth: 5, Kind: KindArticle}); res.Enqueued {
		t.Fatal("depth limit should hold for articles")
	}
	if res := tq.Enqueue(EnqueueRequest{URL: "https://example.com/seed", Depth: 5, Kind: KindHubSeed}); !res.Enqueued {
		t.Fatalf("hub-seed should bypass depth: %+v", res)
	}
}

func TestEnqueue_QueueFullBound(t *testing.T) {
	tq := newTestQueue(t)
	tq.cfg.MaxQueue = 2

	a := tq.Enqueue(EnqueueRequest{URL: "https://example.com/a", Kind: KindDefault, Priority: floatPtr(10)})
	b := tq.Enqueue(EnqueueRequest{URL: "https://example.com/b", Kind: KindDefault, Priority: floatPtr(5)})
	c := tq.Enqueue(EnqueueRequest{URL: "https://example.com/c", Kind: KindDefault, Priority: floatPtr(1)})

	if !a.Enqueued || !b.Enqueued {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
	if c.Enqueued || c.Reason != ReasonQueueFull {
		t.Fatalf("c should overflow: %+v", c)
	}
	if tq.Size() != 2 {
		t.Fatalf("size = %d", tq.Size())
	}

	// Lower priority value pulls first.
	first := tq.PullNext()
	second := tq.PullNext()
	if first.Item == nil || first.Item.URL != "https://example.com/b" {
		t.Fatalf("first pull: %+v", first)
	}
	if second.Item == nil || second.Item.URL != "https://example.com/a" {
		t.Fatalf("second pull: %+v", second)
	}
}

func TestScore_TypeWeightsAndBonuses(t *testing.T) {
	cfg := config.NewDefaultRuntimeConfig().Priority
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	article := &Item{Kind: KindArticle, Depth: 2, DiscoveredAt: at}
	nav := &Item{Kind: KindNav, Depth: 2, DiscoveredAt: at}
	if Score(article, 0, cfg, ScorerHooks{}) >= Score(nav, 0, cfg, ScorerHooks{}) {
		t.Fatal("article must outrank nav at equal depth")
	}

	sitemap := &Item{Kind: KindArticle, Depth: 2, DiscoveredAt: at, Meta: Meta{DiscoveryMethod: "sitemap"}}
	if Score(sitemap, 0, cfg, ScorerHooks{}) >= Score(article, 0, cfg, ScorerHooks{}) {
		t.Fatal("sitemap bonus must lower the priority value")
	}

	// Unknown kind falls back to the default weight.
	odd := &Item{Kind: Kind("mystery"), Depth: 2, DiscoveredAt: at}
	def := &Item{Kind: KindDefault, Depth: 2, DiscoveredAt: at}
	if Score(odd, 0, cfg, ScorerHooks{}) != Score(def, 0, cfg, ScorerHooks{}) {
		t.Fatal("unknown kind should score as default")
	}

	// Idempotent for identical inputs.
	if Score(article, 0, cfg, ScorerHooks{}) != Score(article, 0, cfg, ScorerHooks{}) {
		t.Fatal("score must be idempotent")
	}
}

func TestScore_TotalPrioritizationFloor(t *testing.T) {
	cfg := config.NewDefaultRuntimeConfig().Priority
	cfg.TotalPrioritization = true
	cfg.CountryTokens = []string{"nigeria"}
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	match := &Item{Kind: KindArticle, URL: "https://example.com/nigeria/story", DiscoveredAt: at}
	other := &Item{Kind: KindArticle, URL: "https://example.com/world/story", DiscoveredAt: at}

	if Score(match, 0, cfg, ScorerHooks{}) >= cfg.OtherFloor {
		t.Fatal("matching item must stay under the floor")
	}
	if Score(other, 0, cfg, ScorerHooks{}) < cfg.OtherFloor {
		t.Fatal("non-matching item must carry the floor")
	}
}

func TestScore_Clamp(t *testing.T) {
	cfg := config.NewDefaultRuntimeConfig().Priority
	cfg.TotalPrioritization = true
	cfg.CountryTokens = []string{"x"}
	cfg.OtherFloor = 1e12
	item := &Item{Kind: KindArticle, URL: "https://example.com/a", DiscoveredAt: time.Unix(1717243200, 0)}
	if got := Score(item, 0, cfg, ScorerHooks{}); got != priorityClamp {
		t.Fatalf("score = %v, want clamp %v", got, priorityClamp)
	}
}

func TestPullNext_IdenticalPriorityPreservesOrder(t *testing.T) {
	tq := newTestQueue(t)
	for i := 0; i < 4; i++ {
		url := fmt.Sprintf("https://example.com/story-%d", i)
		res := tq.Enqueue(EnqueueRequest{URL: url, Kind: KindArticle, Priority: floatPtr(3)})
		if !res.Enqueued {
			t.Fatalf("enqueue %d: %+v", i, res)
		}
		tq.clock = tq.clock.Add(time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		res := tq.PullNext()
		want := fmt.Sprintf("https://example.com/story-%d", i)
		if res.Item == nil || res.Item.URL != want {
			t.Fatalf("pull %d: %+v, want %s", i, res, want)
		}
	}
}

func TestPullNext_DeferredHostAndWakeAt(t *testing.T) {
	tq := newTestQueue(t)
	backoff := tq.clock.Add(30 * time.Second)
	tq.gate.nextEligible["slow.example"] = backoff

	tq.Enqueue(EnqueueRequest{URL: "https://slow.example/story", Kind: KindArticle, Priority: floatPtr(1)})
	tq.Enqueue(EnqueueRequest{URL: "https://fast.example/story", Kind: KindArticle, Priority: floatPtr(2)})

	// The throttled host's more-urgent item is set aside; the eligible one
	// comes back.
	res := tq.PullNext()
	if res.Item == nil || res.Item.Host != "fast.example" {
		t.Fatalf("pull: %+v", res)
	}

	// Only the deferred item remains: no item, wakeAt = its deferral.
	res = tq.PullNext()
	if res.Item != nil || !res.WakeAt.Equal(backoff) {
		t.Fatalf("deferred-only pull: %+v", res)
	}
	if tq.Size() != 1 {
		t.Fatalf("deferred item lost, size=%d", tq.Size())
	}

	// Once the backoff passes, the item flows.
	tq.clock = backoff.Add(time.Second)
	res = tq.PullNext()
	if res.Item == nil || res.Item.Host != "slow.example" {
		t.Fatalf("post-backoff pull: %+v", res)
	}
}

func TestPullNext_ForceCacheFor429LimitedHost(t *testing.T) {
	tq := newTestQueue(t)
	tq.gate.nextEligible["hot.example"] = tq.clock.Add(5 * time.Minute)
	tq.gate.limited["hot.example"] = true
	tq.hasFreshCache = func(url string) bool { return url == "https://hot.example/cached" }

	tq.Enqueue(EnqueueRequest{URL: "https://hot.example/cached", Kind: KindArticle, Priority: floatPtr(1)})
	res := tq.PullNext()
	if res.Item == nil || !res.Item.ForceCache {
		t.Fatalf("expected forceCache item: %+v", res)
	}

	// Without a fresh entry the item defers instead.
	tq.Enqueue(EnqueueRequest{URL: "https://hot.example/uncached", Kind: KindArticle, Priority: floatPtr(1)})
	res = tq.PullNext()
	if res.Item != nil || res.WakeAt.IsZero() {
		t.Fatalf("uncached limited host should defer: %+v", res)
	}
}

func TestPullNext_HostLockedDefersItem(t *testing.T) {
	tq := newTestQueue(t)
	tq.gate.locked["flaky.example"] = 25 * time.Second

	tq.Enqueue(EnqueueRequest{URL: "https://flaky.example/story", Kind: KindArticle, Priority: floatPtr(1)})

	// The locked host's item stays queued; the empty result reports the lock
	// and when to come back.
	res := tq.PullNext()
	if res.Item != nil {
		t.Fatalf("locked host must not yield an item: %+v", res)
	}
	if !res.HostLocked || res.LockedRetryAfter != 25*time.Second {
		t.Fatalf("host-locked pull: %+v", res)
	}
	if want := tq.clock.Add(25 * time.Second); !res.WakeAt.Equal(want) {
		t.Fatalf("wakeAt = %v, want %v", res.WakeAt, want)
	}
	if tq.Size() != 1 {
		t.Fatalf("deferred item lost, size = %d", tq.Size())
	}

	// Re-pulling before the lockout expires must not spin the item through
	// the queue: same answer, item still queued.
	res = tq.PullNext()
	if res.Item != nil || !res.HostLocked || tq.Size() != 1 {
		t.Fatalf("repeat pull: %+v size=%d", res, tq.Size())
	}

	// Once the lockout clears, the item flows.
	delete(tq.gate.locked, "flaky.example")
	tq.clock = tq.clock.Add(26 * time.Second)
	res = tq.PullNext()
	if res.Item == nil || res.Item.URL != "https://flaky.example/story" {
		t.Fatalf("post-lockout pull: %+v", res)
	}
}

func TestRelevanceClass_WordBoundaries(t *testing.T) {
	tokens := []string{"niger", "south sudan"}

	cases := []struct {
		name string
		item *Item
		want string
	}{
		{"path segment", &Item{URL: "https://example.com/niger/floods"}, "country"},
		{"hyphenated slug", &Item{URL: "https://example.com/world/niger-floods-2024"}, "country"},
		{"multi-word token", &Item{URL: "https://example.com/south-sudan/update"}, "country"},
		{"longer word no match", &Item{URL: "https://example.com/nigeria/story"}, "other"},
		{"host never matches", &Item{URL: "https://niger-news.example.com/world/story"}, "other"},
		{"section match", &Item{URL: "https://example.com/a", Meta: Meta{Section: "Niger"}}, "country"},
		{"source url match", &Item{URL: "https://example.com/a", Meta: Meta{SourceURL: "https://example.com/niger/hub"}}, "country-related"},
	}
	for _, tc := range cases {
		if got := relevanceClass(tc.item, tokens); got != tc.want {
			t.Errorf("%s: class = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestPullNext_AlternationBurstCap(t *testing.T) {
	tq := newTestQueue(t)

	// Acquisition items are all more urgent than discovery items.
	for i := 0; i < 8; i++ {
		tq.Enqueue(EnqueueRequest{URL: fmt.Sprintf("https://example.com/a-%d", i), Kind: KindArticle, Priority: floatPtr(1)})
		tq.Enqueue(EnqueueRequest{URL: fmt.Sprintf("https://example.com/d-%d", i), Kind: KindHub, Priority: floatPtr(100)})
	}

	acqRun := 0
	sawDiscoveryBreak := false
	for i := 0; i < 10; i++ {
		res := tq.PullNext()
		if res.Item == nil {
			t.Fatalf("pull %d empty", i)
		}
		if res.Item.Kind == KindArticle {
			acqRun++
			if acqRun > burstCap {
				t.Fatalf("acquisition won %d consecutive pulls, cap is %d", acqRun, burstCap)
			}
		} else {
			sawDiscoveryBreak = true
			acqRun = 0
		}
	}
	if !sawDiscoveryBreak {
		t.Fatal("discovery queue never got a turn")
	}
}

func TestPullNext_DedupFreedAfterPull(t *testing.T) {
	tq := newTestQueue(t)
	url := "https://example.com/story"
	tq.Enqueue(EnqueueRequest{URL: url, Kind: KindArticle})
	if res := tq.PullNext(); res.Item == nil {
		t.Fatal("pull failed")
	}
	// Pulled URL may be re-enqueued (refresh path).
	if res := tq.Enqueue(EnqueueRequest{URL: url, Kind: KindRefresh}); !res.Enqueued {
		t.Fatalf("refresh re-enqueue: %+v", res)
	}
}

func TestSnapshotRestore(t *testing.T) {
	tq := newTestQueue(t)
	tq.Enqueue(EnqueueRequest{URL: "https://example.com/a", Kind: KindArticle, Priority: floatPtr(2)})
	tq.Enqueue(EnqueueRequest{URL: "https://example.com/b", Kind: KindHub, Priority: floatPtr(7)})

	data, err := tq.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	fresh := newTestQueue(t)
	n, err := fresh.Restore(data)
	if err != nil || n != 2 {
		t.Fatalf("restored %d err=%v", n, err)
	}
	if fresh.Size() != 2 {
		t.Fatalf("size = %d", fresh.Size())
	}
	res := fresh.PullNext()
	if res.Item == nil || res.Item.URL != "https://example.com/a" {
		t.Fatalf("restored order wrong: %+v", res)
	}
	// Restored URLs are deduped like live ones.
	fresh2 := newTestQueue(t)
	fresh2.Enqueue(EnqueueRequest{URL: "https://example.com/a", Kind: KindArticle})
	if n, _ := fresh2.Restore(data); n != 1 {
		t.Fatalf("dup restore count = %d, want 1", n)
	}
}

func TestHeatmap(t *testing.T) {
	tq := newTestQueue(t)
	tq.cfg.MaxDepth = 10
	tq.Enqueue(EnqueueRequest{URL: "https://a.example/1", Kind: KindArticle, Meta: Meta{DiscoveryMethod: "sitemap"}})
	tq.Enqueue(EnqueueRequest{URL: "https://a.example/2", Kind: KindHub, Depth: 4, Meta: Meta{DiscoveryMethod: "link"}})
	tq.Enqueue(EnqueueRequest{URL: "https://b.example/1", Kind: KindArticle, Depth: 7})

	hm := tq.Heatmap()
	if hm.Hosts["a.example"] != 2 || hm.Hosts["b.example"] != 1 {
		t.Fatalf("hosts = %v", hm.Hosts)
	}
	if hm.Kinds[string(KindArticle)] != 2 || hm.Kinds[string(KindHub)] != 1 {
		t.Fatalf("kinds = %v", hm.Kinds)
	}
	if hm.Discovery["sitemap"] != 1 || hm.Discovery["link"] != 1 || hm.Discovery["unknown"] != 1 {
		t.Fatalf("discovery = %v", hm.Discovery)
	}
	if hm.Depths["0-2"] != 1 || hm.Depths["3-5"] != 1 || hm.Depths["6+"] != 1 {
		t.Fatalf("depths = %v", hm.Depths)
	}
	disc, acq := tq.Sizes()
	if disc != 1 || acq != 2 {
		t.Fatalf("sizes = %d/%d", disc, acq)
	}
}
