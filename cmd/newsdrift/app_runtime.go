package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/newsdrift/newsdrift/internal/cache"
	"github.com/newsdrift/newsdrift/internal/classify"
	"github.com/newsdrift/newsdrift/internal/config"
	"github.com/newsdrift/newsdrift/internal/engine"
	"github.com/newsdrift/newsdrift/internal/fetch"
	"github.com/newsdrift/newsdrift/internal/headless"
	"github.com/newsdrift/newsdrift/internal/store"
	"github.com/newsdrift/newsdrift/internal/telemetry"
	"github.com/newsdrift/newsdrift/internal/throttle"
	"github.com/newsdrift/newsdrift/internal/urlutil"
)

const (
	// defaultCacheEntries bounds the in-memory article cache when no memory
	// cap is configured; cold entries fall through to sqlite.
	defaultCacheEntries = 10_000
	// cacheEntriesPerMB assumes ~20KB per cached article body.
	cacheEntriesPerMB = 50
)

type crawlApp struct {
	envCfg     *config.EnvConfig
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]

	db          *sql.DB
	hostRepo    *store.HostRepo
	persister   *store.Persister
	flushWorker *store.FlushWorker

	articleCache *cache.ArticleCache
	throttleMgr  *throttle.Manager
	budgetMgr    *throttle.BudgetManager
	trees        *classify.TreeRuntime
	pool         *headless.Pool
	bridge       *telemetry.Bridge
	eng          *engine.Engine
	eventsSrv    *http.Server
}

func runCrawl(args []string) int {
	fs := flag.NewFlagSet("crawl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		crawlType    = fs.String("type", "", "crawl mode: basic, intelligent, gazetteer, structure-only")
		configPath   = fs.String("config", "", "YAML runtime config file, layered over defaults")
		maxDownloads = fs.Int("max-downloads", -1, "stop after N successful downloads (0 = unbounded)")
		maxDepth     = fs.Int("max-depth", -1, "maximum link depth from the seed")
		rateLimitMs  = fs.Int("rate-limit", -1, "global minimum delay between requests, in milliseconds")
		dbPath       = fs.String("db", "", "sqlite database path (overrides NEWSDRIFT_DB_PATH)")
		preferCache  = fs.Bool("prefer-cache", false, "serve cached entries regardless of age")
		verbose      = fs.Int("verbose", 0, "verbosity level")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	startURL := fs.Arg(0)
	if startURL == "" {
		fmt.Fprintln(os.Stderr, "newsdrift crawl: missing start URL")
		fs.Usage()
		return exitUsage
	}
	norm, err := urlutil.Normalize(startURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "newsdrift crawl: invalid start URL %q: %v\n", startURL, err)
		return exitUsage
	}
	if *crawlType != "" && !config.CrawlMode(*crawlType).IsValid() {
		fmt.Fprintf(os.Stderr, "newsdrift crawl: invalid --type %q\n", *crawlType)
		return exitUsage
	}

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "newsdrift: %v\n", err)
		return exitFailure
	}
	if *dbPath != "" {
		envCfg.DBPath = *dbPath
	}

	rc := config.NewDefaultRuntimeConfig()
	if *configPath != "" {
		rc, err = config.LoadRuntimeConfigFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "newsdrift: %v\n", err)
			return exitFailure
		}
	}
	rc.StartURL = norm
	if *crawlType != "" {
		rc.CrawlType = config.CrawlMode(*crawlType)
	}
	if *maxDownloads >= 0 {
		rc.MaxDownloads = *maxDownloads
	}
	if *maxDepth >= 0 {
		rc.MaxDepth = *maxDepth
	}
	if *rateLimitMs >= 0 {
		rc.RateLimit = config.Duration(time.Duration(*rateLimitMs) * time.Millisecond)
	}
	if *preferCache {
		rc.PreferCache = true
	}
	rc.Verbose = *verbose
	if err := rc.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "newsdrift: %v\n", err)
		return exitFailure
	}

	app, err := newCrawlApp(envCfg, rc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "newsdrift: %v\n", err)
		return exitFailure
	}
	defer app.close()

	installSignalHandler(app.eng)

	switch err := app.eng.Run(context.Background()); {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrAborted):
		return exitAborted
	default:
		log.Printf("Crawl failed: %v", err)
		return exitFailure
	}
}

// installSignalHandler requests a graceful stop on the first SIGINT/SIGTERM
// and hard-exits on the second.
func installSignalHandler(eng *engine.Engine) {
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Printf("Received signal %s, stopping crawl...", sig)
		eng.RequestAbort()
		sig = <-quit
		log.Printf("Received second signal %s, exiting now", sig)
		os.Exit(exitAborted)
	}()
}

func newCrawlApp(envCfg *config.EnvConfig, rc *config.RuntimeConfig) (*crawlApp, error) {
	app := &crawlApp{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
	}
	app.runtimeCfg.Store(rc)

	if err := app.openStore(); err != nil {
		return nil, err
	}
	if err := app.buildCrawlServices(); err != nil {
		_ = app.db.Close()
		return nil, err
	}
	app.buildEngine()
	app.startBackgroundServices()
	return app, nil
}

func (a *crawlApp) openStore() error {
	if err := os.MkdirAll(filepath.Dir(a.envCfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	db, err := store.OpenDB(a.envCfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := store.MigrateDB(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	a.db = db
	log.Printf("Store ready at %s", a.envCfg.DBPath)
	return nil
}

func (a *crawlApp) buildCrawlServices() error {
	rc := a.runtimeCfg.Load()

	a.hostRepo = store.NewHostRepo(a.db)
	a.persister = store.NewPersister(a.hostRepo)

	entries := defaultCacheEntries
	if a.envCfg.MemoryCapMB > 0 {
		entries = a.envCfg.MemoryCapMB * cacheEntriesPerMB
	}
	a.articleCache = cache.New(store.NewCacheRepo(a.db), entries, nil)

	a.throttleMgr = throttle.NewManager(throttle.ManagerConfig{
		OnDirty: a.persister.MarkHostState,
	})
	a.budgetMgr = throttle.NewBudgetManager(throttle.BudgetManagerConfig{
		ConfigFn: func() config.HostBudgetConfig { return a.runtimeCfg.Load().HostBudget },
		OnDirty:  a.persister.MarkHostBudget,
		OnLockout: func(host string, failures int, lockout time.Duration) {
			log.Printf("Host %s locked out for %v after %d failures", host, lockout, failures)
		},
	})

	a.flushWorker = store.NewFlushWorker(
		a.persister,
		store.HostReaders{
			ReadHostState:  a.throttleMgr.RowOf,
			ReadHostBudget: a.budgetMgr.RowOf,
		},
		func() int { return a.envCfg.FlushDirtyThreshold },
		func() time.Duration { return a.envCfg.FlushInterval },
		a.envCfg.FlushCheckTick,
	)

	trees, err := classify.NewTreeRuntime(rc.Classifier.DecisionTreePath)
	if err != nil {
		return fmt.Errorf("decision tree: %w", err)
	}
	a.trees = trees
	if err := trees.Watch(); err != nil {
		log.Printf("Decision tree hot reload disabled: %v", err)
	}

	// The job id is derived from the normalized seed so a restarted crawl
	// finds its own checkpoint.
	jobID := urlutil.KeyOf(rc.StartURL).Hex()
	a.bridge = telemetry.NewBridge(jobID, string(rc.CrawlType),
		func() config.TelemetryConfig { return a.runtimeCfg.Load().Telemetry })
	return nil
}

func (a *crawlApp) buildEngine() {
	cfgFn := func() *config.RuntimeConfig { return a.runtimeCfg.Load() }

	// The pool is only constructed when enabled: a nil *Pool behind a non-nil
	// interface would defeat the pipeline's headless checks.
	var renderer classify.Renderer
	var fallback fetch.HeadlessFetcher
	if cfgFn().Headless.Enabled {
		a.pool = headless.NewPool(a.headlessConfig)
		renderer = a.pool
		fallback = a.pool
	}

	cascade := classify.NewCascade(a.trees,
		func() config.ClassifierConfig { return a.runtimeCfg.Load().Classifier }, renderer)

	pipeline := fetch.NewPipeline(fetch.Options{
		CfgFn:    cfgFn,
		Cache:    a.articleCache,
		Throttle: a.throttleMgr,
		Budget:   a.budgetMgr,
		Headless: fallback,
		Bridge:   a.bridge,
	})

	a.eng = engine.New(engine.Options{
		CfgFn:       cfgFn,
		Pipeline:    pipeline,
		Cascade:     cascade,
		Throttle:    a.throttleMgr,
		Budget:      a.budgetMgr,
		Bridge:      a.bridge,
		Cache:       a.articleCache,
		HostRepo:    a.hostRepo,
		Checkpoints: store.NewCheckpointRepo(a.db),
	})
}

// headlessConfig overlays the environment's browser binary onto the runtime
// headless config. An explicit exec_path in the config file wins over
// NEWSDRIFT_HEADLESS_BINARY.
func (a *crawlApp) headlessConfig() config.HeadlessConfig {
	hc := a.runtimeCfg.Load().Headless
	if hc.ExecPath == "" {
		hc.ExecPath = a.envCfg.HeadlessBinaryPath
	}
	return hc
}

func (a *crawlApp) startBackgroundServices() {
	a.flushWorker.Start()
	log.Println("Host state flush worker started")

	if a.pool != nil {
		a.pool.Start()
		log.Println("Headless pool started")
	}

	a.eventsSrv = &http.Server{
		Addr:    net.JoinHostPort(a.envCfg.ListenAddress, strconv.Itoa(a.envCfg.EventsPort)),
		Handler: telemetry.NewHandler(a.bridge),
	}
	go func() {
		log.Printf("Event stream listening on http://%s/events", a.eventsSrv.Addr)
		if err := a.eventsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Event server error: %v", err)
		}
	}()
}

// close stops event sources first, then sinks, then persistence.
func (a *crawlApp) close() {
	if a.eventsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.eventsSrv.Shutdown(ctx); err != nil {
			log.Printf("Event server shutdown error: %v", err)
		}
		cancel()
		log.Println("Event server stopped")
	}

	if a.pool != nil {
		a.pool.Stop()
		log.Println("Headless pool stopped")
	}
	if a.trees != nil {
		a.trees.Close()
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}

	if a.flushWorker != nil {
		a.flushWorker.Stop() // final host-state flush before DB close
		log.Println("Host state flush worker stopped")
	}
	if a.articleCache != nil {
		a.articleCache.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("Store close error: %v", err)
		}
	}
	log.Println("Crawler stopped")
}
