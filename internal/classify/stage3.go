package classify

import (
	"context"
	"log"

	"github.com/newsdrift/newsdrift/internal/config"
)

// visibleArticleBonus rewards an article that is actually present in the
// rendered DOM; JS-heavy pages often hide it from the raw HTML entirely.
const visibleArticleBonus = 0.1

// classifyHeadless renders the page and re-runs the content stage over the
// rendered DOM. ok is false when rendering failed; the cascade then proceeds
// without a stage-3 vote.
func (c *Cascade) classifyHeadless(ctx context.Context, rawURL string, th config.Stage2Thresholds) (StageResult, bool) {
	html, err := c.renderer.Render(ctx, rawURL)
	if err != nil {
		log.Printf("[classify] headless stage skipped for %s: %v", rawURL, err)
		return StageResult{}, false
	}

	sig, err := contentSignalsFor(html)
	if err != nil {
		log.Printf("[classify] rendered dom unparseable for %s: %v", rawURL, err)
		return StageResult{}, false
	}

	label, confidence, reason := scoreContent(sig, th)
	if label == LabelArticle && sig.HasArticleTag {
		confidence += visibleArticleBonus
		if confidence > 1 {
			confidence = 1
		}
		reason = "rendered dom shows visible article"
	}
	return StageResult{Stage: stageHeadless, Label: label, Confidence: confidence, Reason: reason}, true
}
