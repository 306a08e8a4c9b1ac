// Package classify implements the three-stage page classifier: URL signals
// against a configurable decision tree, content signals over parsed HTML, and
// a headless re-render for pages the cheap stages cannot settle. A weighted
// aggregator folds the stage votes into one labelled result.
package classify

import (
	"context"
	"fmt"
	"log"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"

	"github.com/newsdrift/newsdrift/internal/config"
)

// Label is a page classification.
type Label string

const (
	LabelArticle Label = "article"
	LabelHub     Label = "hub"
	LabelNav     Label = "nav"
	LabelUnknown Label = "unknown"
)

// labelTiePriority orders labels for tie-breaking: lower wins.
var labelTiePriority = map[Label]int{
	LabelArticle: 0,
	LabelHub:     1,
	LabelNav:     2,
	LabelUnknown: 3,
}

// StageResult is one stage's vote.
type StageResult struct {
	Stage      string // "url", "content", "headless"
	Label      Label
	Confidence float64
	Reason     string
}

// Result is the aggregated classification.
type Result struct {
	Label           Label
	Confidence      float64
	Provenance      []string
	HasDisagreement bool
	Stages          []StageResult
}

const (
	stageURL      = "url"
	stageContent  = "content"
	stageHeadless = "headless"

	// directTrustConfidence short-circuits the vote: a stage this sure is
	// taken at face value.
	directTrustConfidence = 0.9
)

// Renderer is the headless dependency of stage 3. Implemented by the
// headless pool; tests substitute a stub.
type Renderer interface {
	Render(ctx context.Context, url string) (html string, err error)
}

// memoEntries bounds the cascade result memo.
const memoEntries = 4096

// memoKey makes a memo entry valid only for one tree generation and one
// classifier config, so hot reloads never serve stale labels.
type memoKey struct {
	treeGen uint64
	url     xxh3.Uint128
	content xxh3.Uint128
	cfg     config.ClassifierConfig
}

// Cascade runs the staged classification. Results are memoised per
// URL+content hash; a repeat of the same page never re-renders.
type Cascade struct {
	trees *TreeRuntime
	cfgFn func() config.ClassifierConfig

	// renderer may be nil; stage 3 is then skipped.
	renderer Renderer

	memo otter.Cache[memoKey, Result]
}

// NewCascade creates a Cascade. cfgFn is read per call so threshold and
// weight updates take effect without restart.
func NewCascade(trees *TreeRuntime, cfgFn func() config.ClassifierConfig, renderer Renderer) *Cascade {
	if trees == nil || cfgFn == nil {
		panic("classify: NewCascade requires trees and cfgFn")
	}
	memo, err := otter.MustBuilder[memoKey, Result](memoEntries).Build()
	if err != nil {
		panic("classify: failed to create result memo: " + err.Error())
	}
	return &Cascade{trees: trees, cfgFn: cfgFn, renderer: renderer, memo: memo}
}

// Analyze classifies a page. html may be empty (URL-only discovery guidance);
// stage 2 then does not run. Stage 3 runs only when the cheap stages stay
// under the configured headless threshold and a renderer is available.
func (c *Cascade) Analyze(ctx context.Context, rawURL, html string) (Result, error) {
	cfg := c.cfgFn()

	key := memoKey{
		treeGen: c.trees.Generation(),
		url:     xxh3.Hash128([]byte(rawURL)),
		content: xxh3.Hash128([]byte(html)),
		cfg:     cfg,
	}
	if res, ok := c.memo.Get(key); ok {
		return res, nil
	}

	stages := make([]StageResult, 0, 3)

	s1, err := c.classifyURL(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	stages = append(stages, s1)

	best := s1.Confidence
	if html != "" {
		s2, err := classifyContent(html, cfg.Stage2Thresholds)
		if err != nil {
			// Unparseable HTML is a signal in itself, not a hard failure.
			log.Printf("[classify] content stage skipped for %s: %v", rawURL, err)
		} else {
			stages = append(stages, s2)
			if s2.Confidence > best {
				best = s2.Confidence
			}
		}
	}

	if best < cfg.HeadlessThreshold && c.renderer != nil {
		if s3, ok := c.classifyHeadless(ctx, rawURL, cfg.Stage2Thresholds); ok {
			stages = append(stages, s3)
		}
	}

	res := Aggregate(stages, cfg.AggregatorWeights)
	c.memo.Set(key, res)
	return res, nil
}

// AnalyzeURL classifies by URL signals alone (stage 1). Cheap link triage
// before any body exists; never consults the renderer.
func (c *Cascade) AnalyzeURL(rawURL string) (Result, error) {
	s1, err := c.classifyURL(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	return Aggregate([]StageResult{s1}, c.cfgFn().AggregatorWeights), nil
}

func (c *Cascade) classifyURL(rawURL string) (StageResult, error) {
	sig, err := signalsFor(rawURL)
	if err != nil {
		return StageResult{}, err
	}
	label, confidence, reason := c.trees.Current().Evaluate(sig)
	return StageResult{Stage: stageURL, Label: label, Confidence: confidence, Reason: reason}, nil
}

func stageWeight(stage string, w config.AggregatorWeights) float64 {
	switch stage {
	case stageURL:
		return w.URL
	case stageContent:
		return w.Content
	case stageHeadless:
		return w.Headless
	default:
		return 0
	}
}

// Aggregate folds stage votes into a final result. A stage at or above the
// direct-trust bar wins outright; otherwise the weighted per-label sums are
// compared, with ties broken article > hub > nav > unknown.
func Aggregate(stages []StageResult, weights config.AggregatorWeights) Result {
	if len(stages) == 0 {
		return Result{Label: LabelUnknown, Provenance: []string{"no-stages"}}
	}

	provenance := make([]string, 0, len(stages))
	labels := make(map[Label]bool, len(stages))
	for _, s := range stages {
		provenance = append(provenance, fmt.Sprintf("%s:%s:%.2f", s.Stage, s.Label, s.Confidence))
		labels[s.Label] = true
	}
	disagreement := len(labels) > 1

	// Direct trust: first stage (in run order) at the bar wins.
	for _, s := range stages {
		if s.Confidence >= directTrustConfidence {
			return Result{
				Label:           s.Label,
				Confidence:      s.Confidence,
				Provenance:      append(provenance, s.Stage+"-high-confidence"),
				HasDisagreement: disagreement,
				Stages:          stages,
			}
		}
	}

	sums := make(map[Label]float64, len(stages))
	var totalWeight float64
	for _, s := range stages {
		w := stageWeight(s.Stage, weights)
		sums[s.Label] += w * s.Confidence
		totalWeight += w
	}

	winner := LabelUnknown
	bestSum := -1.0
	for label, sum := range sums {
		switch {
		case sum > bestSum:
			winner, bestSum = label, sum
		case sum == bestSum && labelTiePriority[label] < labelTiePriority[winner]:
			winner = label
		}
	}

	confidence := 0.0
	if totalWeight > 0 {
		confidence = bestSum / totalWeight
	}
	return Result{
		Label:           winner,
		Confidence:      confidence,
		Provenance:      append(provenance, "weighted-vote"),
		HasDisagreement: disagreement,
		Stages:          stages,
	}
}
