package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// LoadRuntimeConfigFile reads a YAML runtime config, layered over the
// defaults. Unknown keys are rejected.
func LoadRuntimeConfigFile(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := NewDefaultRuntimeConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every recognised option for range and syntax errors,
// collecting all failures into a single error.
func (c *RuntimeConfig) Validate() error {
	var errs []string

	if c.CrawlType != "" && !c.CrawlType.IsValid() {
		errs = append(errs, fmt.Sprintf("crawl_type: invalid value %q", c.CrawlType))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, "concurrency must be positive")
	}
	if c.MaxQueue <= 0 {
		errs = append(errs, "max_queue must be positive")
	}
	if c.MaxDepth < 0 {
		errs = append(errs, "max_depth must not be negative")
	}
	if c.MaxDownloads < 0 {
		errs = append(errs, "max_downloads must not be negative")
	}
	if c.RateLimit < 0 {
		errs = append(errs, "rate_limit must not be negative")
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "request_timeout must be positive")
	}
	if c.PerHostConcurrency <= 0 {
		errs = append(errs, "per_host_concurrency must be positive")
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, "retry.max_attempts must not be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, "retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, "retry.max_delay must be >= retry.base_delay")
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio > 1 {
		errs = append(errs, "retry.jitter_ratio must be within [0, 1]")
	}

	if c.HostBudget.MaxErrors <= 0 {
		errs = append(errs, "host_budget.max_errors must be positive")
	}
	if c.HostBudget.Window <= 0 {
		errs = append(errs, "host_budget.window must be positive")
	}
	if c.HostBudget.Lockout <= 0 {
		errs = append(errs, "host_budget.lockout must be positive")
	}

	if c.Headless.Enabled {
		if c.Headless.MaxBrowsers <= 0 {
			errs = append(errs, "headless.max_browsers must be positive")
		}
		if c.Headless.MaxPagesPerBrowser <= 0 {
			errs = append(errs, "headless.max_pages_per_browser must be positive")
		}
		if c.Headless.MaxConsecutiveErrors <= 0 {
			errs = append(errs, "headless.max_consecutive_errors must be positive")
		}
		if c.Headless.NavTimeout <= 0 {
			errs = append(errs, "headless.nav_timeout must be positive")
		}
	}

	for kind := range c.Priority.TypeWeights {
		if !knownItemKinds[kind] {
			errs = append(errs, fmt.Sprintf("priority.type_weights: unknown kind %q", kind))
		}
	}

	w := c.Classifier.AggregatorWeights
	if w.URL <= 0 || w.Content <= 0 || w.Headless <= 0 {
		errs = append(errs, "classifier.aggregator_weights must all be positive")
	}
	if c.Classifier.HeadlessThreshold < 0 || c.Classifier.HeadlessThreshold > 1 {
		errs = append(errs, "classifier.headless_threshold must be within [0, 1]")
	}
	if c.Classifier.Stage2Thresholds.MaxArticleLinkDensity < 0 || c.Classifier.Stage2Thresholds.MaxArticleLinkDensity > 1 {
		errs = append(errs, "classifier.stage2_thresholds.max_article_link_density must be within [0, 1]")
	}

	for _, pattern := range c.HardFailurePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("hard_failure_patterns: invalid regex %q: %v", pattern, err))
		}
	}
	for _, pattern := range c.SoftFailurePatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("soft_failure_patterns: invalid regex %q: %v", pattern, err))
		}
	}

	if c.CheckpointSchedule != "" {
		if _, err := cron.ParseStandard(c.CheckpointSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("checkpoint_schedule: invalid cron expression %q: %v", c.CheckpointSchedule, err))
		}
	}
	if c.Known404PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Known404PruneSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("known404_prune_schedule: invalid cron expression %q: %v", c.Known404PruneSchedule, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// knownItemKinds mirrors the queue item kinds; validated here so a typo in a
// weights table fails at load rather than silently scoring as zero.
var knownItemKinds = map[string]bool{
	"article":  true,
	"hub-seed": true,
	"history":  true,
	"nav":      true,
	"refresh":  true,
	"hub":      true,
	"default":  true,
}
