// Package engine runs the crawl: worker tasks pull from the queue, execute
// the fetch pipeline, classify results, and feed discovered links back. The
// engine also owns lifecycle phases, checkpoints, and the stall watchdog.
package engine

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/newsdrift/newsdrift/internal/cache"
	"github.com/newsdrift/newsdrift/internal/classify"
	"github.com/newsdrift/newsdrift/internal/config"
	"github.com/newsdrift/newsdrift/internal/fetch"
	"github.com/newsdrift/newsdrift/internal/queue"
	"github.com/newsdrift/newsdrift/internal/store"
	"github.com/newsdrift/newsdrift/internal/telemetry"
	"github.com/newsdrift/newsdrift/internal/throttle"
	"github.com/newsdrift/newsdrift/internal/urlutil"
)

// ErrAborted is returned by Run when the crawl was stopped by request.
var ErrAborted = errors.New("engine: crawl aborted")

// idleTick bounds how long an idle worker sleeps before re-checking the
// queue when no explicit wake arrives.
const idleTick = 250 * time.Millisecond

// Fetcher is the engine's view of the fetch pipeline.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) fetch.Result
}

// Classifier is the engine's view of the cascade.
type Classifier interface {
	Analyze(ctx context.Context, rawURL, html string) (classify.Result, error)
	AnalyzeURL(rawURL string) (classify.Result, error)
}

// hostGate adapts the throttle and budget managers to queue.HostGate.
type hostGate struct {
	throttle *throttle.Manager
	budget   *throttle.BudgetManager
}

func (g hostGate) NextEligible(host string) time.Time { return g.throttle.NextEligible(host) }

func (g hostGate) IsLimited(host string) bool { return g.throttle.IsLimited(host) }

func (g hostGate) IsLocked(host string) (bool, time.Duration) { return g.budget.IsLocked(host) }

// Options wires an Engine. CfgFn, Pipeline, Throttle, Budget, and Bridge are
// required; the rest degrade gracefully when absent (no persistence, no
// classification).
type Options struct {
	CfgFn    func() *config.RuntimeConfig
	Pipeline Fetcher
	Cascade  Classifier
	Throttle *throttle.Manager
	Budget   *throttle.BudgetManager
	Bridge   *telemetry.Bridge
	Cache    *cache.ArticleCache

	Hooks queue.ScorerHooks

	HostRepo    *store.HostRepo
	Checkpoints *store.CheckpointRepo

	Now func() time.Time
}

// Engine coordinates the crawl.
type Engine struct {
	cfgFn    func() *config.RuntimeConfig
	pipeline Fetcher
	cascade  Classifier
	throttle *throttle.Manager
	budget   *throttle.BudgetManager
	bridge   *telemetry.Bridge
	cache    *cache.ArticleCache

	hostRepo    *store.HostRepo
	checkpoints *store.CheckpointRepo

	queue   *queue.Manager
	visited *xsync.Map[urlutil.Key, struct{}]

	// hostInFlight enforces perHostConcurrency on top of the throttle's
	// request spacing.
	hostInFlight *xsync.Map[string, *atomic.Int64]

	stats    Stats
	inFlight atomic.Int64

	// lastProgress is the unix-nano time of the latest terminal outcome,
	// read by the stall watchdog.
	lastProgress atomic.Int64

	phase   atomic.Value // telemetry.Phase
	aborted atomic.Bool
	doneCh  chan struct{} // closed when the queue drains or the goal is met
	wakeCh  chan struct{}
	stopCh  chan struct{} // stops background loops

	doneOnce    sync.Once
	stoppedOnce sync.Once
	finishMu    sync.Mutex
	finishTag   string

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates an Engine and its queue.
func New(opts Options) *Engine {
	if opts.CfgFn == nil || opts.Pipeline == nil || opts.Throttle == nil || opts.Budget == nil || opts.Bridge == nil {
		panic("engine: New requires CfgFn, Pipeline, Throttle, Budget, and Bridge")
	}
	e := &Engine{
		cfgFn:        opts.CfgFn,
		pipeline:     opts.Pipeline,
		cascade:      opts.Cascade,
		throttle:     opts.Throttle,
		budget:       opts.Budget,
		bridge:       opts.Bridge,
		cache:        opts.Cache,
		hostRepo:     opts.HostRepo,
		checkpoints:  opts.Checkpoints,
		visited:      xsync.NewMap[urlutil.Key, struct{}](),
		hostInFlight: xsync.NewMap[string, *atomic.Int64](),
		doneCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		now:          opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.phase.Store(telemetry.PhaseIdle)
	e.queue = queue.NewManager(queue.Options{
		CfgFn:             opts.CfgFn,
		Gate:              hostGate{throttle: opts.Throttle, budget: opts.Budget},
		Hooks:             opts.Hooks,
		HasFreshCache:     e.hasFreshCache,
		Eligible:          e.eligible,
		ShouldBypassDepth: func(req queue.EnqueueRequest) bool { return req.Kind == queue.KindHubSeed },
		OnDrop:            e.onDrop,
		Now:               e.now,
	})
	return e
}

// Queue exposes the engine's queue for seeding and inspection.
func (e *Engine) Queue() *queue.Manager { return e.queue }

// StatsSnapshot returns a copy of the counters.
func (e *Engine) StatsSnapshot() StatsSnapshot { return e.stats.Snapshot() }

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() telemetry.Phase { return e.phase.Load().(telemetry.Phase) }

func (e *Engine) setPhase(to telemetry.Phase) {
	from := e.Phase()
	if from == to {
		return
	}
	e.phase.Store(to)
	e.bridge.EmitPhase(from, to)
}

// RequestAbort asks the crawl to stop: no new pulls, in-flight work observes
// cancellation at its next suspension point.
func (e *Engine) RequestAbort() {
	if e.aborted.Swap(true) {
		return
	}
	log.Printf("[engine] abort requested")
	if e.cancel != nil {
		e.cancel()
	}
	e.finish("aborted")
}

// finish marks the crawl as over; first caller wins the tag.
func (e *Engine) finish(tag string) {
	e.doneOnce.Do(func() {
		e.finishMu.Lock()
		e.finishTag = tag
		e.finishMu.Unlock()
		close(e.doneCh)
	})
}

func (e *Engine) finishReason() string {
	e.finishMu.Lock()
	defer e.finishMu.Unlock()
	return e.finishTag
}

// Run executes the crawl to completion. It returns nil when the queue
// drained or the download goal was met, ErrAborted on a requested stop.
func (e *Engine) Run(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()
	cfg := e.cfgFn()

	e.setPhase(telemetry.PhaseInitializing)
	e.bootstrapHostState()
	restored := e.restoreCheckpoint()

	e.setPhase(telemetry.PhaseDiscovering)
	if !restored && cfg.StartURL != "" {
		res := e.queue.Enqueue(queue.EnqueueRequest{
			URL:   cfg.StartURL,
			Depth: 0,
			Kind:  queue.KindHubSeed,
			Meta:  queue.Meta{DiscoveryMethod: "seed"},
		})
		if !res.Enqueued {
			e.setPhase(telemetry.PhaseFailed)
			e.bridge.Emit(telemetry.EventCrawlFailed, telemetry.SeverityError,
				"seed rejected", map[string]any{"url": cfg.StartURL, "reason": res.Reason})
			return errors.New("engine: seed URL rejected: " + res.Reason)
		}
	}

	e.bridge.Emit(telemetry.EventCrawlStarted, telemetry.SeverityInfo, cfg.StartURL, map[string]any{
		"crawlType":   string(cfg.CrawlType),
		"concurrency": cfg.Concurrency,
	})
	e.setPhase(telemetry.PhaseCrawling)
	e.lastProgress.Store(e.now().UnixNano())

	e.startBackgroundLoops()

	workers := cfg.Concurrency
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	select {
	case <-e.doneCh:
	case <-ctx.Done():
		e.RequestAbort()
	}

	return e.shutdown(ctx)
}

// shutdown waits out workers within the grace window, flushes, and emits the
// terminal lifecycle event.
func (e *Engine) shutdown(ctx context.Context) error {
	cfg := e.cfgFn()
	e.setPhase(telemetry.PhaseFinalizing)
	close(e.stopCh)

	workersDone := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-time.After(cfg.ShutdownGrace.Std()):
		log.Printf("[engine] shutdown grace %v elapsed with workers still running", cfg.ShutdownGrace.Std())
		if e.cancel != nil {
			e.cancel()
		}
		<-workersDone
	}

	e.saveCheckpoint()
	e.bridge.Flush()

	if e.aborted.Load() {
		e.setPhase(telemetry.PhaseStopped)
		e.stoppedOnce.Do(func() {
			e.bridge.Emit(telemetry.EventCrawlStopped, telemetry.SeverityInfo, "aborted",
				map[string]any{"stats": e.stats.Snapshot()})
		})
		return ErrAborted
	}

	e.setPhase(telemetry.PhaseCompleted)
	e.bridge.Emit(telemetry.EventCrawlCompleted, telemetry.SeverityInfo, e.finishReason(),
		map[string]any{"stats": e.stats.Snapshot()})
	return nil
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		if e.aborted.Load() || ctx.Err() != nil {
			return
		}
		select {
		case <-e.doneCh:
			return
		default:
		}

		pr := e.queue.PullNext()
		if pr.Item == nil {
			if pr.HostLocked {
				e.stats.HostLocked.Add(1)
			}
			if e.queue.Size() == 0 && e.inFlight.Load() == 0 {
				e.finish("queue-drained")
				return
			}
			// Locked or throttled items stay queued; wait toward the
			// scheduler's wake time instead of re-pulling immediately.
			e.idleWait(pr.WakeAt)
			continue
		}

		item := pr.Item
		if !e.acquireHostSlot(item.Host) {
			// Another worker is already on this host; hand the item back.
			e.requeue(item)
			e.idleWait(time.Time{})
			continue
		}

		e.inFlight.Add(1)
		e.process(ctx, item)
		e.inFlight.Add(-1)
		e.releaseHostSlot(item.Host)
		e.lastProgress.Store(e.now().UnixNano())
		e.wake()

		if e.goalReached() {
			e.finish("max-downloads")
			return
		}
	}
}

// idleWait sleeps until a wake signal, the scheduler's wakeAt, or the idle
// tick, whichever comes first.
func (e *Engine) idleWait(wakeAt time.Time) {
	d := idleTick
	if !wakeAt.IsZero() {
		if until := wakeAt.Sub(e.now()); until > 0 && until < d {
			d = until
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.wakeCh:
	case <-timer.C:
	case <-e.doneCh:
	case <-e.stopCh:
	}
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) goalReached() bool {
	cfg := e.cfgFn()
	return cfg.MaxDownloads > 0 && e.stats.Downloads.Load() >= int64(cfg.MaxDownloads)
}

// process runs one item through the pipeline and handles the outcome.
func (e *Engine) process(ctx context.Context, item *queue.Item) {
	res := e.pipeline.Fetch(ctx, fetch.Request{
		URL:        item.URL,
		Kind:       string(item.Kind),
		ForceCache: item.ForceCache,
	})

	switch res.Outcome {
	case fetch.OutcomeHostLocked:
		e.stats.HostLocked.Add(1)
		e.requeue(item)

	case fetch.OutcomeSkipped:
		e.stats.Skipped.Add(1)

	case fetch.OutcomeError:
		e.stats.Errors.Add(1)

	case fetch.OutcomeNotModified:
		e.stats.NotModified.Add(1)
		e.markVisited(res.URL)

	case fetch.OutcomeSuccess:
		e.stats.Downloads.Add(1)
		if res.Source != fetch.SourceNetwork {
			e.stats.CacheHits.Add(1)
		}
		e.markVisited(res.URL)
		e.handleContent(ctx, item, res)
	}
}

// handleContent classifies a fetched body and feeds extracted links back.
func (e *Engine) handleContent(ctx context.Context, item *queue.Item, res fetch.Result) {
	if e.cascade == nil || res.HTML == "" {
		return
	}
	cls, err := e.cascade.Analyze(ctx, res.URL, res.HTML)
	if err != nil {
		log.Printf("[engine] classify %s: %v", res.URL, err)
		return
	}
	if cls.Label == classify.LabelArticle {
		e.stats.Articles.Add(1)
	}

	cfg := e.cfgFn()
	if cfg.CrawlType == config.CrawlModeStructureOnly && cls.Label == classify.LabelArticle {
		// Structure-only crawls map the site without following article
		// bodies any further.
		return
	}
	if item.Depth >= cfg.MaxDepth {
		return
	}

	links, err := classify.ExtractLinks(res.HTML, res.URL)
	if err != nil {
		log.Printf("[engine] extract links %s: %v", res.URL, err)
		return
	}
	for _, link := range links {
		kind := e.linkKind(link)
		eres := e.queue.Enqueue(queue.EnqueueRequest{
			URL:   link,
			Depth: item.Depth + 1,
			Kind:  kind,
			Meta: queue.Meta{
				DiscoveryMethod: "link",
				SourceURL:       res.URL,
			},
		})
		if eres.Enqueued {
			e.stats.Enqueued.Add(1)
			e.bridge.RecordURL(telemetry.URLEvent{
				Type: telemetry.EventURLQueued, URL: link, Kind: string(kind),
			})
			e.wake()
		}
	}
}

// linkKind maps a URL-stage classification onto a queue kind. Only stage 1
// runs here (no body yet), so this is cheap.
func (e *Engine) linkKind(link string) queue.Kind {
	if e.cascade == nil {
		return queue.KindDefault
	}
	cls, err := e.cascade.AnalyzeURL(link)
	if err != nil {
		return queue.KindDefault
	}
	switch cls.Label {
	case classify.LabelArticle:
		return queue.KindArticle
	case classify.LabelHub:
		return queue.KindHub
	case classify.LabelNav:
		return queue.KindNav
	default:
		return queue.KindDefault
	}
}

// requeue hands an item back to the queue, keeping its computed priority.
func (e *Engine) requeue(item *queue.Item) {
	p := item.Priority
	e.queue.Enqueue(queue.EnqueueRequest{
		URL:      item.URL,
		Depth:    item.Depth,
		Kind:     item.Kind,
		Meta:     item.Meta,
		Priority: &p,
	})
}

func (e *Engine) markVisited(url string) {
	e.visited.Store(urlutil.KeyOf(url), struct{}{})
}

// IsVisited reports whether a normalized URL already has a terminal outcome.
func (e *Engine) IsVisited(url string) bool {
	_, ok := e.visited.Load(urlutil.KeyOf(url))
	return ok
}

// eligible is the queue's enqueue-time policy gate.
func (e *Engine) eligible(req queue.EnqueueRequest) (bool, string) {
	cfg := e.cfgFn()
	norm, err := urlutil.Normalize(req.URL)
	if err != nil {
		return false, "invalid-url"
	}
	if cfg.SkipVisited && req.Kind != queue.KindRefresh && e.IsVisited(norm) {
		return false, "visited"
	}
	if cfg.SkipQueryURLs && urlutil.HasQuery(norm) {
		return false, "query-url"
	}
	if len(cfg.AllowedHosts) > 0 {
		host := urlutil.Host(norm)
		reg := urlutil.RegisteredHost(host)
		allowed := false
		for _, h := range cfg.AllowedHosts {
			h = strings.ToLower(h)
			if h == host || h == reg {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "host-not-allowed"
		}
	}
	return true, ""
}

func (e *Engine) onDrop(req queue.EnqueueRequest, reason string) {
	e.stats.Dropped.Add(1)
	e.bridge.RecordURL(telemetry.URLEvent{
		Type: telemetry.EventURLSkipped, URL: req.URL, Kind: string(req.Kind), Reason: reason,
	})
	if reason == "queue-full" {
		e.bridge.Emit(telemetry.EventQueueDropped, telemetry.SeverityWarn, req.URL,
			map[string]any{"reason": reason})
	}
}

// hasFreshCache lets the queue serve 429-limited hosts from cache.
func (e *Engine) hasFreshCache(url string) bool {
	if e.cache == nil {
		return false
	}
	entry, ok, err := e.cache.Get(url)
	if err != nil || !ok {
		return false
	}
	cfg := e.cfgFn()
	return cache.ShouldUse(cfg.PreferCache, cfg.MaxAge.Std(), entry.CrawledAt, e.now())
}

// acquireHostSlot enforces perHostConcurrency.
func (e *Engine) acquireHostSlot(host string) bool {
	limit := e.cfgFn().PerHostConcurrency
	if limit <= 0 {
		limit = 1
	}
	c, _ := e.hostInFlight.LoadOrCompute(host, func() (*atomic.Int64, bool) {
		return &atomic.Int64{}, false
	})
	for {
		cur := c.Load()
		if cur >= int64(limit) {
			return false
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (e *Engine) releaseHostSlot(host string) {
	if c, ok := e.hostInFlight.Load(host); ok {
		c.Add(-1)
	}
}

// bootstrapHostState loads learned throttle and budget state from the store.
func (e *Engine) bootstrapHostState() {
	if e.hostRepo == nil {
		return
	}
	states, err := e.hostRepo.LoadAllHostState()
	if err != nil {
		log.Printf("[engine] load host state: %v", err)
	} else {
		for _, row := range states {
			e.throttle.LoadRow(row)
		}
	}
	budgets, err := e.hostRepo.LoadAllHostBudget()
	if err != nil {
		log.Printf("[engine] load host budget: %v", err)
	} else {
		for _, row := range budgets {
			e.budget.LoadRow(row)
		}
	}
	if len(states) > 0 || len(budgets) > 0 {
		log.Printf("[engine] restored host state: throttle=%d budget=%d", len(states), len(budgets))
	}
}
