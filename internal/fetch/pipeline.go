// Package fetch implements the fetch pipeline: cache consultation, polite
// token acquisition, the network attempt chain with manual redirects and
// retries, content validation, headless fallback, and stale-cache fallback.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/newsdrift/newsdrift/internal/cache"
	"github.com/newsdrift/newsdrift/internal/config"
	"github.com/newsdrift/newsdrift/internal/headless"
	"github.com/newsdrift/newsdrift/internal/telemetry"
	"github.com/newsdrift/newsdrift/internal/throttle"
	"github.com/newsdrift/newsdrift/internal/urlutil"
)

// maxRedirectHops bounds one attempt's manual redirect chain.
const maxRedirectHops = 5

// Request is one pipeline invocation.
type Request struct {
	URL  string
	Kind string
	// ForceCache serves the stalest available entry without touching the
	// network (stamped by the scheduler for 429-limited hosts).
	ForceCache bool
}

// HeadlessFetcher is the renderer-pool dependency.
type HeadlessFetcher interface {
	Fetch(ctx context.Context, url string) headless.Result
}

// Telemetry is the pipeline's event sink. Satisfied by *telemetry.Bridge.
type Telemetry interface {
	RecordURL(ev telemetry.URLEvent)
	Emit(t telemetry.EventType, sev telemetry.Severity, msg string, data map[string]any)
}

// Pipeline executes fetches. All collaborators are injected; the transport,
// clock, sleep, and jitter hooks exist so tests can run the full chain
// deterministically.
type Pipeline struct {
	cfgFn    func() *config.RuntimeConfig
	cache    *cache.ArticleCache
	throttle *throttle.Manager
	budget   *throttle.BudgetManager
	headless HeadlessFetcher
	bridge   Telemetry

	// decide vetoes URLs by engine policy (visited set, allowlist). Nil
	// allows everything.
	decide func(url string) (bool, string)

	client *http.Client
	checks *validator
	global *globalGate

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Options wires a Pipeline. CfgFn, Cache, Throttle, and Budget are required.
type Options struct {
	CfgFn    func() *config.RuntimeConfig
	Cache    *cache.ArticleCache
	Throttle *throttle.Manager
	Budget   *throttle.BudgetManager
	Headless HeadlessFetcher
	Bridge   Telemetry
	Decide   func(url string) (bool, string)

	// Transport overrides the HTTP transport (tests use httptest servers
	// through the default).
	Transport http.RoundTripper
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
	Jitter    func() float64
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts Options) *Pipeline {
	if opts.CfgFn == nil || opts.Cache == nil || opts.Throttle == nil || opts.Budget == nil {
		panic("fetch: NewPipeline requires CfgFn, Cache, Throttle, and Budget")
	}
	p := &Pipeline{
		cfgFn:    opts.CfgFn,
		cache:    opts.Cache,
		throttle: opts.Throttle,
		budget:   opts.Budget,
		headless: opts.Headless,
		bridge:   opts.Bridge,
		decide:   opts.Decide,
		client: &http.Client{
			// Redirects are followed manually so the chain can be recorded
			// and HTTPS upgrades applied per hop.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		checks: newValidator(),
		global: &globalGate{},
		now:    opts.Now,
		sleep:  opts.Sleep,
		jitter: opts.Jitter,
	}
	if opts.Transport != nil {
		p.client.Transport = opts.Transport
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	if p.jitter == nil {
		p.jitter = defaultJitter
	}
	return p
}

// sharedOutcome carries a non-cacheable owner result to build waiters.
type sharedOutcome struct{ res Result }

func (s *sharedOutcome) Error() string { return "fetch: shared outcome" }

// Fetch runs the full pipeline for one URL.
func (p *Pipeline) Fetch(ctx context.Context, req Request) Result {
	cfg := p.cfgFn()
	start := p.now()

	norm, err := urlutil.Normalize(req.URL)
	if err != nil {
		return p.skipped(req.URL, "invalid-url")
	}
	host := urlutil.Host(norm)

	// Phase 1: decision and policy.
	if p.decide != nil {
		if allow, reason := p.decide(norm); !allow {
			return p.skipped(norm, reason)
		}
	}

	// Phase 2: cache.
	entry, haveCached, cacheErr := p.cache.Get(norm)
	if cacheErr != nil {
		return p.terminalError(norm, host, &Error{Kind: KindUnknown, URL: norm, Err: cacheErr}, 0, start)
	}
	ttl := maxAgeFor(cfg, req.Kind)
	if haveCached && cache.ShouldUse(cfg.PreferCache, ttl, entry.CrawledAt, p.now()) {
		return p.cacheHit(norm, entry, SourceCache)
	}
	if req.ForceCache && haveCached {
		return p.cacheHit(norm, entry, SourceCache)
	}
	if known, _ := p.cache.IsKnown404(norm, cfg.Known404TTL.Std()); known {
		return p.skipped(norm, "known-404")
	}

	// Phase 4 (cheap, before blocking): host-budget lock.
	if locked, retryAfter := p.budget.IsLocked(host); locked {
		return Result{Outcome: OutcomeHostLocked, URL: norm, RetryAfter: retryAfter}
	}

	// Phase 3: global then per-host token.
	if global := cfg.RateLimit.Std(); global > 0 {
		if err := p.global.Acquire(ctx, global, p.now, p.sleep); err != nil {
			return p.aborted(norm, err)
		}
	}
	if err := p.throttle.Acquire(ctx, host); err != nil {
		return p.aborted(norm, err)
	}

	// Phases 5-13 under the in-flight registry: concurrent fetchers of the
	// same URL wait on the first attempt's settlement.
	var owned Result
	built, shared, buildErr := p.cache.Build(norm, func() (cache.Entry, error) {
		owned = p.network(ctx, cfg, norm, host, entry, haveCached, start)
		if owned.Outcome == OutcomeSuccess && owned.Source == SourceNetwork {
			return cache.Entry{
				URL:        norm,
				HTML:       owned.HTML,
				CrawledAt:  p.now(),
				HTTPStatus: owned.HTTPStatus,
			}, nil
		}
		return cache.Entry{}, &sharedOutcome{res: owned}
	})
	if !shared {
		return owned
	}
	if buildErr == nil {
		return Result{
			Outcome:    OutcomeSuccess,
			URL:        norm,
			HTML:       built.HTML,
			HTTPStatus: built.HTTPStatus,
			Source:     SourceNetwork,
			Shared:     true,
		}
	}
	var so *sharedOutcome
	if errors.As(buildErr, &so) {
		r := so.res
		r.Shared = true
		return r
	}
	return p.terminalError(norm, host, &Error{Kind: KindUnknown, URL: norm, Err: buildErr}, 0, start)
}

// network runs the attempt chain plus the headless and stale-cache
// fallbacks. Budget accounting happens once, at the terminal outcome, so
// failures recovered by a fallback never count against the host.
func (p *Pipeline) network(ctx context.Context, cfg *config.RuntimeConfig, url, host string, cached cache.Entry, haveCached bool, start time.Time) Result {
	var lastErr *Error
	attempts := 0

	for attempt := 0; attempt < cfg.Retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return p.aborted(url, err)
		}
		// The caller acquired the token for the first attempt; every retry
		// re-enters the host throttle so backoff never outruns politeness.
		if attempt > 0 {
			if err := p.throttle.Acquire(ctx, host); err != nil {
				return p.aborted(url, err)
			}
		}

		res, ferr := p.attempt(ctx, cfg, url, host, cached, haveCached)
		attempts++
		if ferr == nil {
			res.Attempts = attempts
			return res
		}
		lastErr = ferr

		switch {
		case ferr.HTTPStatus == 429:
			blackout := p.throttle.On429(host, ferr.RetryAfter)
			p.emit(telemetry.EventRateLimited, telemetry.SeverityWarn,
				fmt.Sprintf("rate limited by %s", host), map[string]any{
					"host":         host,
					"retryAfterMs": ferr.RetryAfter.Milliseconds(),
					"blackoutMs":   blackout.Milliseconds(),
				})
		case ferr.HTTPStatus == 404 || ferr.HTTPStatus == 410:
			if err := p.cache.MarkKnown404(url); err == nil {
				lastErr.Retryable = false
			}
		case ferr.Kind == KindAborted:
			return p.aborted(url, ferr.Err)
		}

		if !ferr.Retryable || attempt == cfg.Retry.MaxAttempts-1 {
			break
		}
		delay := computeDelay(attempt, ferr.RetryAfter, cfg.Retry, p.jitter)
		if err := p.sleep(ctx, delay); err != nil {
			return p.aborted(url, err)
		}
	}

	// Phase 11: headless fallback for TLS-fingerprint blocks and soft
	// content failures.
	if p.wantsHeadlessFallback(cfg, lastErr) {
		if res, ok := p.headlessFallback(ctx, cfg, url, host, attempts, start); ok {
			return res
		}
	}

	// Phase 12: stale cache.
	if haveCached {
		res := p.cacheHit(url, cached, SourceStaleCache)
		res.Attempts = attempts
		return res
	}

	// Phase 13: terminal error.
	return p.terminalError(url, host, lastErr, attempts, start)
}

func (p *Pipeline) wantsHeadlessFallback(cfg *config.RuntimeConfig, lastErr *Error) bool {
	if p.headless == nil || !cfg.Headless.Enabled || lastErr == nil {
		return false
	}
	if lastErr.Kind == KindSoftFailure {
		return true
	}
	return lastErr.Kind == KindConnectionReset && cfg.Headless.FallbackOnConnReset
}

func (p *Pipeline) headlessFallback(ctx context.Context, cfg *config.RuntimeConfig, url, host string, attempts int, start time.Time) (Result, bool) {
	hres := p.headless.Fetch(ctx, url)
	if !hres.Success {
		return Result{}, false
	}

	now := p.now()
	_ = p.cache.Put(cache.Entry{URL: url, HTML: hres.HTML, CrawledAt: now, HTTPStatus: http.StatusOK})
	if cfg.Headless.ResetThrottleOnSuccess {
		p.throttle.OnSuccess(host)
	}

	res := Result{
		Outcome:    OutcomeSuccess,
		URL:        url,
		HTML:       hres.HTML,
		HTTPStatus: http.StatusOK,
		Source:     SourceNetwork,
		Method:     MethodHeadlessFallback,
		Attempts:   attempts,
		Timing:     Timing{Total: now.Sub(start), Download: hres.RenderTime},
	}
	p.recordURL(telemetry.URLEvent{
		Type: telemetry.EventURLVisited, URL: url, Host: host,
		HTTPStatus: http.StatusOK, Attempts: attempts,
		DurationMs: now.Sub(start).Milliseconds(),
		Extra:      map[string]any{"fetchMethod": string(MethodHeadlessFallback)},
	})
	return res, true
}

// attempt issues one request chain: HTTPS upgrade, manual redirects, status
// handling, content validation, cache writes, throttle notifications.
func (p *Pipeline) attempt(ctx context.Context, cfg *config.RuntimeConfig, url, host string, cached cache.Entry, haveCached bool) (Result, *Error) {
	cur := url
	var redirects []string

	for hop := 0; ; hop++ {
		cur = upgradeScheme(cur, cfg.HTTPSUpgradeHosts)

		reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout.Std())
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cur, nil)
		if err != nil {
			cancel()
			return Result{}, &Error{Kind: KindPolicySkip, URL: cur, Err: err}
		}

		etag, lastModified := "", ""
		if haveCached && cur == url {
			etag, lastModified = cached.ETag, cached.LastModified
		}
		httpReq.Header = buildHeaders(cfg.UserAgent, etag, lastModified)

		sent := p.now()
		resp, err := p.client.Do(httpReq)
		if err != nil {
			cancel()
			return Result{}, classifyNetError(cur, err)
		}
		ttfb := p.now().Sub(sent)

		// Manual redirect loop.
		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			loc := resp.Header.Get("Location")
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			cancel()
			if loc == "" {
				return Result{}, statusError(cur, resp.StatusCode, 0)
			}
			next, err := urlutil.Resolve(cur, loc)
			if err != nil {
				return Result{}, &Error{Kind: KindRedirectLoop, URL: cur, Err: err}
			}
			if hop >= maxRedirectHops {
				return Result{}, &Error{Kind: KindRedirectLoop, URL: url, Err: fmt.Errorf("redirect chain exceeds %d hops", maxRedirectHops)}
			}
			redirects = append(redirects, next)
			cur = next
			continue
		}

		res, ferr := p.handleResponse(cfg, url, cur, host, resp, cached, ttfb, sent)
		cancel()
		if ferr == nil {
			res.Redirects = redirects
		}
		return res, ferr
	}
}

func (p *Pipeline) handleResponse(cfg *config.RuntimeConfig, url, cur, host string, resp *http.Response, cached cache.Entry, ttfb time.Duration, sent time.Time) (Result, *Error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		etag := resp.Header.Get("ETag")
		if etag == "" {
			etag = cached.ETag
		}
		lastModified := resp.Header.Get("Last-Modified")
		if lastModified == "" {
			lastModified = cached.LastModified
		}
		_ = p.cache.RefreshConditional(url, etag, lastModified, p.now())
		p.throttle.OnSuccess(host)
		p.recordURL(telemetry.URLEvent{
			Type: telemetry.EventURLVisited, URL: url, Host: host, HTTPStatus: resp.StatusCode,
		})
		return Result{Outcome: OutcomeNotModified, URL: url, HTTPStatus: resp.StatusCode, Source: SourceNetwork, Method: MethodHTTP}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		readStart := p.now()
		body, err := readBody(resp)
		if err != nil {
			return Result{}, classifyNetError(cur, err)
		}
		download := p.now().Sub(readStart)

		switch p.checks.check(body, cfg.HardFailurePatterns, cfg.SoftFailurePatterns) {
		case contentHardFailure:
			return Result{}, &Error{Kind: KindHardFailure, HTTPStatus: resp.StatusCode, URL: cur}
		case contentSoftFailure:
			return Result{}, &Error{Kind: KindSoftFailure, HTTPStatus: resp.StatusCode, URL: cur}
		}

		now := p.now()
		_ = p.cache.Put(cache.Entry{
			URL:          url,
			HTML:         body,
			CrawledAt:    now,
			HTTPStatus:   resp.StatusCode,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		})
		p.throttle.OnSuccess(host)

		timing := Timing{
			TTFB:     ttfb,
			Download: download,
			Total:    now.Sub(sent),
			Bytes:    int64(len(body)),
		}
		if secs := download.Seconds(); secs > 0 {
			timing.TransferKBps = float64(timing.Bytes) / 1024 / secs
		}
		p.recordURL(telemetry.URLEvent{
			Type: telemetry.EventURLVisited, URL: url, Host: host,
			HTTPStatus: resp.StatusCode, DurationMs: timing.Total.Milliseconds(),
		})
		return Result{
			Outcome:    OutcomeSuccess,
			URL:        url,
			HTML:       body,
			HTTPStatus: resp.StatusCode,
			Source:     SourceNetwork,
			Method:     MethodHTTP,
			Timing:     timing,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return Result{}, statusError(cur, resp.StatusCode, parseRetryAfter(resp))

	default:
		if cfg.StoreErrorResponseBodies {
			if body, err := readBody(resp); err == nil {
				_ = p.cache.Put(cache.Entry{URL: url, HTML: body, CrawledAt: p.now(), HTTPStatus: resp.StatusCode})
			}
		} else {
			io.Copy(io.Discard, resp.Body)
		}
		return Result{}, statusError(cur, resp.StatusCode, 0)
	}
}

// terminalError finalises an error outcome: budget accounting, telemetry.
func (p *Pipeline) terminalError(url, host string, ferr *Error, attempts int, start time.Time) Result {
	if ferr == nil {
		ferr = &Error{Kind: KindUnknown, URL: url}
	}
	if countsTowardBudget(ferr) {
		p.budget.RecordFailure(host)
	}
	p.recordURL(telemetry.URLEvent{
		Type: telemetry.EventURLError, URL: url, Host: host,
		HTTPStatus: ferr.HTTPStatus, Reason: string(ferr.Kind),
		Attempts: attempts, DurationMs: p.now().Sub(start).Milliseconds(),
	})
	return Result{Outcome: OutcomeError, URL: url, Err: ferr, Attempts: attempts}
}

// countsTowardBudget excludes gone pages and non-host conditions from the
// failure circuit.
func countsTowardBudget(ferr *Error) bool {
	switch ferr.Kind {
	case KindPolicySkip, KindAborted, KindUnknown:
		return false
	}
	return ferr.HTTPStatus != 404 && ferr.HTTPStatus != 410
}

func (p *Pipeline) cacheHit(url string, entry cache.Entry, source Source) Result {
	age := int64(p.now().Sub(entry.CrawledAt).Seconds())
	return Result{
		Outcome:    OutcomeSuccess,
		URL:        url,
		HTML:       entry.HTML,
		HTTPStatus: entry.HTTPStatus,
		Source:     source,
		AgeSeconds: age,
	}
}

func (p *Pipeline) skipped(url, reason string) Result {
	p.recordURL(telemetry.URLEvent{Type: telemetry.EventURLSkipped, URL: url, Reason: reason})
	return Result{Outcome: OutcomeSkipped, URL: url, SkipReason: reason}
}

func (p *Pipeline) aborted(url string, err error) Result {
	return Result{
		Outcome: OutcomeError,
		URL:     url,
		Err:     &Error{Kind: KindAborted, URL: url, Err: err},
	}
}

func (p *Pipeline) recordURL(ev telemetry.URLEvent) {
	if p.bridge != nil {
		p.bridge.RecordURL(ev)
	}
}

func (p *Pipeline) emit(t telemetry.EventType, sev telemetry.Severity, msg string, data map[string]any) {
	if p.bridge != nil {
		p.bridge.Emit(t, sev, msg, data)
	}
}

// maxAgeFor picks the per-kind TTL, falling back to the generic one when the
// per-kind policy is off.
func maxAgeFor(cfg *config.RuntimeConfig, kind string) time.Duration {
	var perKind config.Duration
	switch kind {
	case "article", "refresh", "history":
		perKind = cfg.MaxAgeArticle
	case "hub", "hub-seed", "nav":
		perKind = cfg.MaxAgeHub
	default:
		perKind = cfg.MaxAge
	}
	if perKind != config.MaxAgeDisabled {
		return perKind.Std()
	}
	return cfg.MaxAge.Std()
}

// upgradeScheme rewrites http:// to https:// for hosts on the upgrade list.
func upgradeScheme(url string, hosts []string) string {
	if !strings.HasPrefix(url, "http://") {
		return url
	}
	h := urlutil.Host(url)
	for _, candidate := range hosts {
		if strings.EqualFold(candidate, h) {
			return "https://" + strings.TrimPrefix(url, "http://")
		}
	}
	return url
}

// readBody decodes the response body, honoring gzip and deflate encodings
// (manual Accept-Encoding disables the transport's transparent gzip).
func readBody(resp *http.Response) (string, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		reader = fr
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
