// Package headless runs the bounded Chrome renderer pool used for JS-heavy
// pages: the fetch pipeline's last resort before stale cache, and the third
// classifier stage.
package headless

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/newsdrift/newsdrift/internal/config"
	"github.com/newsdrift/newsdrift/internal/scanloop"
)

var (
	// ErrDegraded is returned while the pool refuses work after too many
	// consecutive renderer errors.
	ErrDegraded = errors.New("headless: pool degraded")
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("headless: pool closed")
)

// activationFactor scales maxPagesPerBrowser into the per-browser activation
// budget before a recycle.
const activationFactor = 10

// Result is one render outcome.
type Result struct {
	Success    bool
	HTML       string
	Err        error
	RenderTime time.Duration
}

// browser is one live Chrome process with its chromedp contexts.
type browser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	createdAt   time.Time
	activations int
	inUse       int
	removed     bool
}

func (b *browser) close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}

// Pool manages at most maxBrowsers Chrome processes with at most
// maxPagesPerBrowser concurrent pages each. Browsers are recycled by session
// age or activation count; repeated errors put the whole pool into a degraded
// cooldown during which Fetch refuses work.
type Pool struct {
	cfgFn func() config.HeadlessConfig
	now   func() time.Time

	mu            sync.Mutex
	cond          *sync.Cond
	browsers      []*browser
	consecErrors  int
	degradedUntil time.Time
	closed        bool

	// Injectable for tests; defaults drive real chromedp.
	newBrowser  func(cfg config.HeadlessConfig) (*browser, error)
	navigate    func(ctx context.Context, b *browser, url string, cfg config.HeadlessConfig) (string, error)
	healthProbe func(b *browser, cfg config.HeadlessConfig) error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a renderer pool. Browsers are launched lazily on first use.
func NewPool(cfgFn func() config.HeadlessConfig) *Pool {
	if cfgFn == nil {
		panic("headless: NewPool requires a cfgFn")
	}
	p := &Pool{
		cfgFn:       cfgFn,
		now:         time.Now,
		newBrowser:  launchBrowser,
		navigate:    navigatePage,
		healthProbe: probeBrowser,
		stopCh:      make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the health-check loop.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanloop.RunFixed(p.stopCh, p.cfgFn().HealthCheckInterval.Std(), p.healthCheck)
	}()
}

// Stop closes every browser and stops the health loop.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	browsers := p.browsers
	p.browsers = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	for _, b := range browsers {
		b.close()
	}
}

// Fetch renders url and returns the outer HTML of the loaded DOM.
func (p *Pool) Fetch(ctx context.Context, url string) Result {
	cfg := p.cfgFn()
	start := p.now()

	b, err := p.acquire(ctx, cfg)
	if err != nil {
		return Result{Err: err}
	}

	html, err := p.navigate(ctx, b, url, cfg)
	p.release(b, err == nil)
	if err != nil {
		return Result{Err: fmt.Errorf("headless: render %s: %w", url, err), RenderTime: p.now().Sub(start)}
	}
	return Result{Success: true, HTML: html, RenderTime: p.now().Sub(start)}
}

// Render adapts Fetch to the classifier's renderer dependency.
func (p *Pool) Render(ctx context.Context, url string) (string, error) {
	res := p.Fetch(ctx, url)
	if res.Err != nil {
		return "", res.Err
	}
	return res.HTML, nil
}

// Degraded reports whether the pool is currently refusing work.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degradedUntil.After(p.now())
}

// acquire reserves a page slot, launching or recycling browsers as needed.
// Blocks when every slot is busy until one frees or ctx is done.
func (p *Pool) acquire(ctx context.Context, cfg config.HeadlessConfig) (*browser, error) {
	// Wake the cond wait when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.degradedUntil.After(p.now()) {
			return nil, ErrDegraded
		}

		p.recycleExpiredLocked(cfg)

		var best *browser
		for _, b := range p.browsers {
			if b.inUse < cfg.MaxPagesPerBrowser && (best == nil || b.inUse < best.inUse) {
				best = b
			}
		}
		if best != nil {
			best.inUse++
			best.activations++
			return best, nil
		}

		if len(p.browsers) < cfg.MaxBrowsers {
			b, err := p.newBrowser(cfg)
			if err != nil {
				p.noteErrorLocked(cfg)
				return nil, fmt.Errorf("headless: launch browser: %w", err)
			}
			b.createdAt = p.now()
			b.inUse = 1
			b.activations = 1
			p.browsers = append(p.browsers, b)
			return b, nil
		}

		p.cond.Wait()
	}
}

func (p *Pool) release(b *browser, success bool) {
	p.mu.Lock()
	b.inUse--
	cfg := p.cfgFn()
	if success {
		p.consecErrors = 0
	} else {
		p.noteErrorLocked(cfg)
		p.removeBrowserLocked(b)
	}
	if b.removed && b.inUse <= 0 {
		b.close()
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// noteErrorLocked counts a renderer error and trips the degraded cooldown at
// the cap.
func (p *Pool) noteErrorLocked(cfg config.HeadlessConfig) {
	p.consecErrors++
	if p.consecErrors >= cfg.MaxConsecutiveErrors {
		p.degradedUntil = p.now().Add(cfg.DegradedCooldown.Std())
		p.consecErrors = 0
		log.Printf("[headless] pool degraded for %s after %d consecutive errors",
			cfg.DegradedCooldown.Std(), cfg.MaxConsecutiveErrors)
	}
}

// recycleExpiredLocked closes idle browsers that outlived their session age
// or activation budget.
func (p *Pool) recycleExpiredLocked(cfg config.HeadlessConfig) {
	maxActivations := cfg.MaxPagesPerBrowser * activationFactor
	kept := p.browsers[:0]
	for _, b := range p.browsers {
		expired := p.now().Sub(b.createdAt) >= cfg.MaxSessionAge.Std() || b.activations >= maxActivations
		if expired && b.inUse == 0 {
			b.close()
			continue
		}
		kept = append(kept, b)
	}
	p.browsers = kept
}

// removeBrowserLocked drops a browser from the pool after a page error. A
// failed page usually means a wedged or crashed process; the next acquire
// launches a fresh one.
func (p *Pool) removeBrowserLocked(victim *browser) {
	kept := p.browsers[:0]
	for _, b := range p.browsers {
		if b == victim {
			continue
		}
		kept = append(kept, b)
	}
	p.browsers = kept
	victim.removed = true
	if victim.inUse <= 0 {
		victim.close()
	}
}

// healthCheck pings each idle browser; failures recycle the browser.
func (p *Pool) healthCheck() {
	cfg := p.cfgFn()

	p.mu.Lock()
	idle := make([]*browser, 0, len(p.browsers))
	for _, b := range p.browsers {
		if b.inUse == 0 {
			idle = append(idle, b)
		}
	}
	p.mu.Unlock()

	for _, b := range idle {
		if err := p.healthProbe(b, cfg); err != nil {
			log.Printf("[headless] health check failed, recycling browser: %v", err)
			p.mu.Lock()
			p.removeBrowserLocked(b)
			p.mu.Unlock()
		}
	}
}

// --- chromedp-backed defaults ---

func launchBrowser(cfg config.HeadlessConfig) (*browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	// Force the process up front so launch failures surface here, not on the
	// first navigation.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, err
	}
	return &browser{ctx: ctx, cancel: cancel, allocCancel: allocCancel}, nil
}

func navigatePage(ctx context.Context, b *browser, url string, cfg config.HeadlessConfig) (string, error) {
	// A fresh tab per activation keeps page state from leaking across URLs.
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	defer tabCancel()

	navCtx, cancel := context.WithTimeout(tabCtx, cfg.NavTimeout.Std())
	defer cancel()

	// Honor the caller's deadline too.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-navCtx.Done():
		}
	}()

	var html string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(cfg.SettleDelay.Std()),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	return html, nil
}

func probeBrowser(b *browser, cfg config.HeadlessConfig) error {
	probeCtx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	var one int
	return chromedp.Run(probeCtx, chromedp.Evaluate("1", &one))
}
