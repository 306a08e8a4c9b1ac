package queue

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/newsdrift/newsdrift/internal/config"
)

// priorityClamp bounds every computed priority so a runaway bonus or floor
// cannot push an item outside comparable range.
const priorityClamp = 1e9

// ScorerHooks are the optional bonus functions consulted by the scorer.
// Each hook is only called when its feature flag is on; a nil hook scores 0.
type ScorerHooks struct {
	GapPredictionBonus func(url string) float64
	ClusterBoost       func(url string) float64
	KnowledgeReuse     func(meta Meta) float64
}

// Score computes an item's priority. Lower is more urgent.
//
//	base  = typeWeight[kind] + depth + bias + discoveredAt*1e-9
//	final = base - discovery/scorer bonuses ± cost adjustment (+ floor)
func Score(item *Item, bias float64, cfg config.PriorityConfig, hooks ScorerHooks) float64 {
	weight, ok := cfg.TypeWeights[string(item.Kind)]
	if !ok {
		weight = cfg.TypeWeights[string(KindDefault)]
	}

	p := weight + float64(item.Depth) + bias + float64(item.DiscoveredAt.UnixMilli())*1e-9

	if bonus, ok := cfg.DiscoveryBonuses[item.Meta.DiscoveryMethod]; ok {
		p -= bonus
	}
	if cfg.Features.GapDrivenPrioritization && hooks.GapPredictionBonus != nil {
		p -= hooks.GapPredictionBonus(item.URL)
	}
	if cfg.Features.ProblemClustering && hooks.ClusterBoost != nil {
		p -= hooks.ClusterBoost(item.URL)
	}
	if cfg.Features.KnowledgeReuse && hooks.KnowledgeReuse != nil {
		p -= hooks.KnowledgeReuse(item.Meta)
	}
	if cfg.Features.CostAwarePriority && item.Meta.EstimatedCostMs > 0 {
		// Expensive fetches sink, cheap ones float: ±1 point per second of
		// estimated cost relative to a one-second baseline.
		p += item.Meta.EstimatedCostMs/1000 - 1
	}

	if cfg.TotalPrioritization {
		if relevanceClass(item, cfg.CountryTokens) == "other" {
			p += cfg.OtherFloor
		}
	}

	if p > priorityClamp {
		p = priorityClamp
	}
	if p < -priorityClamp {
		p = -priorityClamp
	}
	return p
}

// relevanceClass buckets an item for total prioritisation: "country" when a
// configured token matches a whole word of the URL path or section,
// "country-related" when it matches the source URL's path, "other" otherwise.
// Hosts never match, so a short token cannot latch onto every domain, and
// matching is word-for-word so "niger" does not claim "nigeria".
func relevanceClass(item *Item, tokens []string) string {
	if len(tokens) == 0 {
		return "country"
	}
	urlWords := pathWords(item.URL)
	sectionWords := splitWords(strings.ToLower(item.Meta.Section))
	sourceWords := pathWords(item.Meta.SourceURL)
	for _, tok := range tokens {
		tokWords := splitWords(strings.ToLower(tok))
		if len(tokWords) == 0 {
			continue
		}
		if containsRun(urlWords, tokWords) || containsRun(sectionWords, tokWords) {
			return "country"
		}
		if containsRun(sourceWords, tokWords) {
			return "country-related"
		}
	}
	return "other"
}

// pathWords lowercases a URL and splits its path and query into words,
// deliberately excluding the host.
func pathWords(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return splitWords(strings.ToLower(rawURL))
	}
	return splitWords(strings.ToLower(u.Path + " " + u.RawQuery))
}

// splitWords breaks s on every non-alphanumeric rune, so hyphenated slugs
// expose each component as its own word.
func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsRun reports whether needle occurs as a contiguous run of whole
// words inside haystack. Multi-word tokens like "south sudan" must appear in
// order.
func containsRun(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, w := range needle {
			if haystack[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
