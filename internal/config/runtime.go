package config

import "time"

// CrawlMode selects the engine strategy variant.
type CrawlMode string

const (
	CrawlModeBasic         CrawlMode = "basic"
	CrawlModeIntelligent   CrawlMode = "intelligent"
	CrawlModeGazetteer     CrawlMode = "gazetteer"
	CrawlModeStructureOnly CrawlMode = "structure-only"
)

// IsValid reports whether m is a recognised crawl mode.
func (m CrawlMode) IsValid() bool {
	switch m {
	case CrawlModeBasic, CrawlModeIntelligent, CrawlModeGazetteer, CrawlModeStructureOnly:
		return true
	}
	return false
}

// RetryConfig bounds the fetch retry loop.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	JitterRatio float64  `json:"jitter_ratio" yaml:"jitter_ratio"`
}

// HostBudgetConfig configures the per-host failure circuit.
type HostBudgetConfig struct {
	MaxErrors int      `json:"max_errors" yaml:"max_errors"`
	Window    Duration `json:"window" yaml:"window"`
	Lockout   Duration `json:"lockout" yaml:"lockout"`
}

// HeadlessConfig configures the renderer pool and its fallback policy.
type HeadlessConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// ExecPath points the pool at a specific browser binary; empty lets the
	// launcher find one on PATH.
	ExecPath                string   `json:"exec_path" yaml:"exec_path"`
	MaxBrowsers             int      `json:"max_browsers" yaml:"max_browsers"`
	MaxPagesPerBrowser      int      `json:"max_pages_per_browser" yaml:"max_pages_per_browser"`
	MaxSessionAge           Duration `json:"max_session_age" yaml:"max_session_age"`
	HealthCheckInterval     Duration `json:"health_check_interval" yaml:"health_check_interval"`
	MaxConsecutiveErrors    int      `json:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	NavTimeout              Duration `json:"nav_timeout" yaml:"nav_timeout"`
	SettleDelay             Duration `json:"settle_delay" yaml:"settle_delay"`
	FallbackOnConnReset     bool     `json:"fallback_on_connection_reset" yaml:"fallback_on_connection_reset"`
	ResetThrottleOnSuccess  bool     `json:"reset_throttle_on_success" yaml:"reset_throttle_on_success"`
	DegradedCooldown        Duration `json:"degraded_cooldown" yaml:"degraded_cooldown"`
}

// PriorityFeatures toggles the optional scorer hooks.
type PriorityFeatures struct {
	GapDrivenPrioritization bool `json:"gap_driven_prioritization" yaml:"gap_driven_prioritization"`
	ProblemClustering       bool `json:"problem_clustering" yaml:"problem_clustering"`
	KnowledgeReuse          bool `json:"knowledge_reuse" yaml:"knowledge_reuse"`
	CostAwarePriority       bool `json:"cost_aware_priority" yaml:"cost_aware_priority"`
}

// PriorityConfig holds the queue scoring weights. All weights and bonuses are
// hot-reloadable through the runtime config swap.
type PriorityConfig struct {
	TypeWeights      map[string]float64 `json:"type_weights" yaml:"type_weights"`
	DiscoveryBonuses map[string]float64 `json:"discovery_bonuses" yaml:"discovery_bonuses"`
	Features         PriorityFeatures   `json:"features" yaml:"features"`

	// Total prioritisation: when enabled, items classified as "other"
	// (no country token match) receive OtherFloor added to their priority.
	TotalPrioritization bool     `json:"total_prioritization" yaml:"total_prioritization"`
	CountryTokens       []string `json:"country_tokens" yaml:"country_tokens"`
	OtherFloor          float64  `json:"other_floor" yaml:"other_floor"`
}

// Stage2Thresholds are the content-classifier rule thresholds.
type Stage2Thresholds struct {
	MinArticleWordCount   int     `json:"min_article_word_count" yaml:"min_article_word_count"`
	HighWordCount         int     `json:"high_word_count" yaml:"high_word_count"`
	MinArticleParagraphs  int     `json:"min_article_paragraphs" yaml:"min_article_paragraphs"`
	MaxArticleLinkDensity float64 `json:"max_article_link_density" yaml:"max_article_link_density"`
	MinNavLinkDensity     float64 `json:"min_nav_link_density" yaml:"min_nav_link_density"`
}

// AggregatorWeights weight each cascade stage in the final vote.
type AggregatorWeights struct {
	URL      float64 `json:"url" yaml:"url"`
	Content  float64 `json:"content" yaml:"content"`
	Headless float64 `json:"headless" yaml:"headless"`
}

// ClassifierConfig configures the three-stage cascade.
type ClassifierConfig struct {
	Stage2Thresholds  Stage2Thresholds  `json:"stage2_thresholds" yaml:"stage2_thresholds"`
	AggregatorWeights AggregatorWeights `json:"aggregator_weights" yaml:"aggregator_weights"`
	DecisionTreePath  string            `json:"decision_tree_path" yaml:"decision_tree_path"`
	// Stage 3 runs only when max(stage1, stage2) confidence is below this.
	HeadlessThreshold float64 `json:"headless_threshold" yaml:"headless_threshold"`
}

// TelemetryConfig bounds the event bridge.
type TelemetryConfig struct {
	ProgressBatchInterval Duration `json:"progress_batch_interval" yaml:"progress_batch_interval"`
	URLBatchSize          int      `json:"url_batch_size" yaml:"url_batch_size"`
	URLBatchInterval      Duration `json:"url_batch_interval" yaml:"url_batch_interval"`
	HistorySize           int      `json:"history_size" yaml:"history_size"`
	PerURLBroadcast       bool     `json:"per_url_broadcast" yaml:"per_url_broadcast"`
}

// RuntimeConfig holds all hot-updatable engine settings. A live engine reads
// it through an atomic pointer; updates swap the whole struct rather than
// mutating it in place.
type RuntimeConfig struct {
	StartURL  string    `json:"start_url" yaml:"start_url"`
	CrawlType CrawlMode `json:"crawl_type" yaml:"crawl_type"`

	Concurrency  int `json:"concurrency" yaml:"concurrency"`
	MaxQueue     int `json:"max_queue" yaml:"max_queue"`
	MaxDepth     int `json:"max_depth" yaml:"max_depth"`
	MaxDownloads int `json:"max_downloads" yaml:"max_downloads"`

	// Global min interval between any two requests; 0 disables the limiter.
	RateLimit Duration `json:"rate_limit" yaml:"rate_limit"`

	PreferCache   bool     `json:"prefer_cache" yaml:"prefer_cache"`
	MaxAge        Duration `json:"max_age" yaml:"max_age"`
	MaxAgeArticle Duration `json:"max_age_article" yaml:"max_age_article"`
	MaxAgeHub     Duration `json:"max_age_hub" yaml:"max_age_hub"`

	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
	ShutdownGrace  Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
	StallThreshold Duration `json:"stall_threshold" yaml:"stall_threshold"`

	PerHostConcurrency int  `json:"per_host_concurrency" yaml:"per_host_concurrency"`
	SkipQueryURLs      bool `json:"skip_query_urls" yaml:"skip_query_urls"`
	SkipVisited        bool `json:"skip_visited" yaml:"skip_visited"`

	UserAgent string `json:"user_agent" yaml:"user_agent"`

	Retry      RetryConfig      `json:"retry" yaml:"retry"`
	HostBudget HostBudgetConfig `json:"host_budget" yaml:"host_budget"`
	Headless   HeadlessConfig   `json:"headless" yaml:"headless"`
	Priority   PriorityConfig   `json:"priority" yaml:"priority"`
	Classifier ClassifierConfig `json:"classifier" yaml:"classifier"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`

	HTTPSUpgradeHosts []string `json:"https_upgrade_hosts" yaml:"https_upgrade_hosts"`
	AllowedHosts      []string `json:"allowed_hosts" yaml:"allowed_hosts"`

	// Body signatures. Hard failures trip the host circuit; soft failures
	// re-queue the URL for headless rendering.
	HardFailurePatterns []string `json:"hard_failure_patterns" yaml:"hard_failure_patterns"`
	SoftFailurePatterns []string `json:"soft_failure_patterns" yaml:"soft_failure_patterns"`

	StoreErrorResponseBodies bool `json:"store_error_response_bodies" yaml:"store_error_response_bodies"`

	// Cron schedules (standard 5-field expressions).
	CheckpointSchedule    string   `json:"checkpoint_schedule" yaml:"checkpoint_schedule"`
	Known404PruneSchedule string   `json:"known404_prune_schedule" yaml:"known404_prune_schedule"`
	Known404TTL           Duration `json:"known404_ttl" yaml:"known404_ttl"`

	Verbose int `json:"verbose" yaml:"verbose"`
}

// MaxAgeDisabled marks a TTL policy as off.
const MaxAgeDisabled = Duration(-1)

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with the
// documented defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		CrawlType: CrawlModeBasic,

		Concurrency:  4,
		MaxQueue:     50_000,
		MaxDepth:     8,
		MaxDownloads: 0, // unbounded

		RateLimit: 0,

		PreferCache:   false,
		MaxAge:        MaxAgeDisabled,
		MaxAgeArticle: MaxAgeDisabled,
		MaxAgeHub:     MaxAgeDisabled,

		RequestTimeout: Duration(30 * time.Second),
		ShutdownGrace:  Duration(10 * time.Second),
		StallThreshold: Duration(60 * time.Second),

		PerHostConcurrency: 1,
		SkipQueryURLs:      false,
		SkipVisited:        true,

		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",

		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(500 * time.Millisecond),
			MaxDelay:    Duration(30 * time.Second),
			JitterRatio: 0.2,
		},
		HostBudget: HostBudgetConfig{
			MaxErrors: 6,
			Window:    Duration(5 * time.Minute),
			Lockout:   Duration(2 * time.Minute),
		},
		Headless: HeadlessConfig{
			Enabled:              false,
			MaxBrowsers:          2,
			MaxPagesPerBrowser:   5,
			MaxSessionAge:        Duration(10 * time.Minute),
			HealthCheckInterval:  Duration(30 * time.Second),
			MaxConsecutiveErrors: 3,
			NavTimeout:           Duration(25 * time.Second),
			SettleDelay:          Duration(500 * time.Millisecond),
			FallbackOnConnReset:  true,
			DegradedCooldown:     Duration(2 * time.Minute),
		},
		Priority: PriorityConfig{
			TypeWeights: map[string]float64{
				"article":  0,
				"hub-seed": 4,
				"history":  6,
				"nav":      10,
				"refresh":  25,
				"hub":      8,
				"default":  12,
			},
			DiscoveryBonuses: map[string]float64{
				"adaptive-seed":  20,
				"gap-prediction": 15,
				"sitemap":        10,
				"hub-validated":  8,
			},
			OtherFloor: 5_000_000,
		},
		Classifier: ClassifierConfig{
			Stage2Thresholds: Stage2Thresholds{
				MinArticleWordCount:   250,
				HighWordCount:         700,
				MinArticleParagraphs:  4,
				MaxArticleLinkDensity: 0.25,
				MinNavLinkDensity:     0.55,
			},
			AggregatorWeights: AggregatorWeights{
				URL:      1.0,
				Content:  1.2,
				Headless: 1.5,
			},
			HeadlessThreshold: 0.7,
		},
		Telemetry: TelemetryConfig{
			ProgressBatchInterval: Duration(500 * time.Millisecond),
			URLBatchSize:          50,
			URLBatchInterval:      Duration(200 * time.Millisecond),
			HistorySize:           200,
		},

		HardFailurePatterns: []string{
			`(?i)access denied`,
			`(?i)your access to this site has been (limited|blocked)`,
			`(?i)error 1020`,
		},
		SoftFailurePatterns: []string{
			`(?i)enable javascript and cookies to continue`,
			`(?i)checking your browser before accessing`,
			`(?i)cf-challenge`,
			`(?i)just a moment\.\.\.`,
		},

		CheckpointSchedule:    "*/5 * * * *",
		Known404PruneSchedule: "30 4 * * *",
		Known404TTL:           Duration(7 * 24 * time.Hour),
	}
}
