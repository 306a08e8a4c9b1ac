package main

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/newsdrift/newsdrift/internal/config"
	"github.com/newsdrift/newsdrift/internal/urlutil"
)

func TestRun_ExitCodes(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want int
	}{
		{"no args", nil, exitUsage},
		{"unknown command", []string{"bogus"}, exitUsage},
		{"version", []string{"version"}, exitOK},
		{"help", []string{"help"}, exitOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := run(tc.args); got != tc.want {
				t.Fatalf("run(%v) = %d, want %d", tc.args, got, tc.want)
			}
		})
	}
}

func TestRunCrawl_UsageErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"missing start url", nil},
		{"unknown flag", []string{"--nope", "https://example.com/"}},
		{"invalid crawl type", []string{"--type", "warp", "https://example.com/"}},
		{"non-http start url", []string{"ftp://example.com/feed"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := runCrawl(tc.args); got != exitUsage {
				t.Fatalf("runCrawl(%v) = %d, want %d", tc.args, got, exitUsage)
			}
		})
	}
}

func TestNewCrawlApp_WiresAndCloses(t *testing.T) {
	envCfg := &config.EnvConfig{
		DataDir:             t.TempDir(),
		DBPath:              filepath.Join(t.TempDir(), "newsdrift.db"),
		ListenAddress:       "127.0.0.1",
		EventsPort:          0, // ephemeral
		FlushCheckTick:      time.Second,
		FlushDirtyThreshold: 100,
		FlushInterval:       time.Minute,
	}
	rc := config.NewDefaultRuntimeConfig()
	rc.StartURL = "https://news.example.com/"

	app, err := newCrawlApp(envCfg, rc)
	if err != nil {
		t.Fatalf("newCrawlApp: %v", err)
	}
	defer app.close()

	if app.eng == nil {
		t.Fatal("engine not wired")
	}
	if app.pool != nil {
		t.Fatal("headless pool must stay nil while disabled")
	}
	wantJob := urlutil.KeyOf(rc.StartURL).Hex()
	if got := app.bridge.JobID(); got != wantJob {
		t.Fatalf("job id = %q, want seed-derived %q", got, wantJob)
	}
}

func TestCrawlApp_HeadlessBinaryReachesPool(t *testing.T) {
	app := &crawlApp{
		envCfg:     &config.EnvConfig{HeadlessBinaryPath: "/opt/chromium/chrome"},
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
	}
	app.runtimeCfg.Store(config.NewDefaultRuntimeConfig())

	if got := app.headlessConfig().ExecPath; got != "/opt/chromium/chrome" {
		t.Fatalf("exec path = %q, want the env binary", got)
	}

	// An explicit config-file path wins over the environment.
	rc := config.NewDefaultRuntimeConfig()
	rc.Headless.ExecPath = "/usr/bin/chromium"
	app.runtimeCfg.Store(rc)
	if got := app.headlessConfig().ExecPath; got != "/usr/bin/chromium" {
		t.Fatalf("exec path = %q, want the config override", got)
	}
}
