package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/newsdrift/newsdrift/internal/config"
)

func retryCfg() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   config.Duration(500 * time.Millisecond),
		MaxDelay:    config.Duration(30 * time.Second),
		JitterRatio: 0.2,
	}
}

func TestComputeDelay(t *testing.T) {
	zero := func() float64 { return 0 }
	cfg := retryCfg()

	cases := []struct {
		name       string
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{"first attempt exponential", 0, 0, 500 * time.Millisecond},
		{"second attempt doubles", 1, 0, time.Second},
		{"third attempt doubles again", 2, 0, 2 * time.Second},
		{"deep attempt clamps to max", 10, 0, 30 * time.Second},
		{"retry-after wins", 0, 5 * time.Second, 5 * time.Second},
		{"retry-after below base clamps up", 0, 100 * time.Millisecond, 500 * time.Millisecond},
		{"retry-after above max clamps down", 0, time.Hour, 30 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := computeDelay(tc.attempt, tc.retryAfter, cfg, zero); got != tc.want {
				t.Fatalf("computeDelay = %v, want %v", got, tc.want)
			}
		})
	}

	// Full jitter adds at most jitterRatio*base on top.
	high := func() float64 { return 0.999 }
	got := computeDelay(0, 0, cfg, high)
	if got < 500*time.Millisecond || got >= 600*time.Millisecond {
		t.Fatalf("jittered delay = %v, want [500ms, 600ms)", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	mk := func(v string) *http.Response {
		resp := &http.Response{Header: http.Header{}}
		if v != "" {
			resp.Header.Set("Retry-After", v)
		}
		return resp
	}

	if d := parseRetryAfter(mk("")); d != 0 {
		t.Fatalf("absent header: %v", d)
	}
	if d := parseRetryAfter(mk("7")); d != 7*time.Second {
		t.Fatalf("delta-seconds: %v", d)
	}
	if d := parseRetryAfter(mk("-3")); d != 0 {
		t.Fatalf("negative delta: %v", d)
	}
	if d := parseRetryAfter(mk("not a date")); d != 0 {
		t.Fatalf("garbage: %v", d)
	}
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(mk(future)); d < 80*time.Second || d > 90*time.Second {
		t.Fatalf("http-date: %v", d)
	}
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(mk(past)); d != 0 {
		t.Fatalf("past http-date: %v", d)
	}
}

func TestClassifyNetError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"conn reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, KindConnectionReset, true},
		{"broken pipe", syscall.EPIPE, KindBrokenPipe, true},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindConnectionRefused, true},
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"canceled", context.Canceled, KindAborted, false},
		{"dns not found", &net.DNSError{Err: "no such host", IsNotFound: true}, KindDNSNotFound, true},
		{"dns temporary", &net.DNSError{Err: "server misbehaving", IsTemporary: true}, KindDNSTemporary, true},
		{"wrapped reset", fmt.Errorf("roundtrip: %w", syscall.ECONNRESET), KindConnectionReset, true},
		{"flattened reset text", errors.New("read: connection reset by peer"), KindConnectionReset, true},
		{"unrecognized", errors.New("weird"), KindUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ferr := classifyNetError("https://a.example/x", tc.err)
			if ferr.Kind != tc.kind || ferr.Retryable != tc.retryable {
				t.Fatalf("classify(%v) = %s retryable=%v, want %s retryable=%v",
					tc.err, ferr.Kind, ferr.Retryable, tc.kind, tc.retryable)
			}
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{408, 429, 500, 502, 503, 504} {
		if !RetryableStatus(status) {
			t.Fatalf("%d should be retryable", status)
		}
	}
	for _, status := range []int{400, 401, 403, 404, 410, 501} {
		if RetryableStatus(status) {
			t.Fatalf("%d should not be retryable", status)
		}
	}
}

func TestUpgradeScheme(t *testing.T) {
	hosts := []string{"picky.example", "Other.Example"}
	if got := upgradeScheme("http://picky.example/a", hosts); got != "https://picky.example/a" {
		t.Fatalf("got %q", got)
	}
	if got := upgradeScheme("http://other.example/a", hosts); got != "https://other.example/a" {
		t.Fatalf("case-insensitive match: got %q", got)
	}
	if got := upgradeScheme("http://plain.example/a", hosts); got != "http://plain.example/a" {
		t.Fatalf("unlisted host rewritten: %q", got)
	}
	if got := upgradeScheme("https://picky.example/a", hosts); got != "https://picky.example/a" {
		t.Fatalf("already-https rewritten: %q", got)
	}
}

func TestMaxAgeFor(t *testing.T) {
	cfg := config.NewDefaultRuntimeConfig()
	cfg.MaxAge = config.Duration(time.Hour)
	cfg.MaxAgeArticle = config.Duration(10 * time.Minute)
	cfg.MaxAgeHub = config.MaxAgeDisabled

	if got := maxAgeFor(cfg, "article"); got != 10*time.Minute {
		t.Fatalf("article: %v", got)
	}
	if got := maxAgeFor(cfg, "refresh"); got != 10*time.Minute {
		t.Fatalf("refresh follows article TTL: %v", got)
	}
	// Hub TTL off falls back to the generic policy.
	if got := maxAgeFor(cfg, "hub"); got != time.Hour {
		t.Fatalf("hub fallback: %v", got)
	}
	if got := maxAgeFor(cfg, ""); got != time.Hour {
		t.Fatalf("unknown kind: %v", got)
	}
}

func TestValidatorPatterns(t *testing.T) {
	v := newValidator()
	hard := []string{`(?i)access denied`}
	soft := []string{`(?i)enable javascript`}

	if got := v.check("normal article body", hard, soft); got != contentValid {
		t.Fatalf("clean body: %v", got)
	}
	if got := v.check("ACCESS DENIED by firewall", hard, soft); got != contentHardFailure {
		t.Fatalf("hard signature: %v", got)
	}
	if got := v.check("please Enable JavaScript to continue", hard, soft); got != contentSoftFailure {
		t.Fatalf("soft signature: %v", got)
	}
	// Hard patterns take precedence when both match.
	if got := v.check("access denied - enable javascript", hard, soft); got != contentHardFailure {
		t.Fatalf("precedence: %v", got)
	}
	// Invalid patterns are skipped, not fatal.
	if got := v.check("anything", []string{`[`}, soft); got != contentValid {
		t.Fatalf("invalid pattern: %v", got)
	}
}
