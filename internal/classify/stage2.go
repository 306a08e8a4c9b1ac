package classify

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/newsdrift/newsdrift/internal/config"
)

// contentSignals are the HTML features the content stage scores.
type contentSignals struct {
	WordCount      int
	ParagraphCount int
	LinkCount      int
	LinkWordCount  int
	LinkDensity    float64 // linked words / total words
	HeadingCount   int
	HasH1          bool
	HasArticleTag  bool
	HasSchemaOrg   bool // schema.org Article/NewsArticle marker
	HasArticleBody bool // articleBody itemprop or property
	NavLinkRatio   float64 // links inside nav/header/footer vs all links
}

func contentSignalsFor(html string) (contentSignals, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return contentSignals{}, fmt.Errorf("parse html: %w", err)
	}

	var sig contentSignals

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	bodyText := body.Text()
	sig.WordCount = len(strings.Fields(bodyText))

	body.Find("p").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) != "" {
			sig.ParagraphCount++
		}
	})

	links := body.Find("a")
	sig.LinkCount = links.Length()
	links.Each(func(_ int, s *goquery.Selection) {
		sig.LinkWordCount += len(strings.Fields(s.Text()))
	})
	if sig.WordCount > 0 {
		sig.LinkDensity = float64(sig.LinkWordCount) / float64(sig.WordCount)
	}

	sig.HeadingCount = body.Find("h1,h2,h3").Length()
	sig.HasH1 = body.Find("h1").Length() > 0
	sig.HasArticleTag = body.Find("article").Length() > 0

	doc.Find(`[itemtype*="schema.org"]`).Each(func(_ int, s *goquery.Selection) {
		itemtype, _ := s.Attr("itemtype")
		if strings.Contains(itemtype, "Article") {
			sig.HasSchemaOrg = true
		}
	})
	if !sig.HasSchemaOrg {
		doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
			if strings.Contains(s.Text(), "NewsArticle") || strings.Contains(s.Text(), `"Article"`) {
				sig.HasSchemaOrg = true
			}
		})
	}
	sig.HasArticleBody = doc.Find(`[itemprop="articleBody"],[property="articleBody"]`).Length() > 0

	navLinks := body.Find("nav a, header a, footer a").Length()
	if sig.LinkCount > 0 {
		sig.NavLinkRatio = float64(navLinks) / float64(sig.LinkCount)
	}
	return sig, nil
}

// classifyContent scores parsed HTML against the configured thresholds.
func classifyContent(html string, th config.Stage2Thresholds) (StageResult, error) {
	sig, err := contentSignalsFor(html)
	if err != nil {
		return StageResult{}, err
	}
	label, confidence, reason := scoreContent(sig, th)
	return StageResult{Stage: stageContent, Label: label, Confidence: confidence, Reason: reason}, nil
}

func scoreContent(sig contentSignals, th config.Stage2Thresholds) (Label, float64, string) {
	// Article: enough prose, enough paragraphs, low link density.
	if sig.WordCount >= th.MinArticleWordCount &&
		sig.ParagraphCount >= th.MinArticleParagraphs &&
		sig.LinkDensity <= th.MaxArticleLinkDensity {
		confidence := 0.7
		reason := "prose-dominant body"
		if sig.WordCount >= th.HighWordCount {
			confidence += 0.1
		}
		if sig.HasSchemaOrg {
			confidence += 0.15
			reason = "prose body with schema.org article"
		}
		if sig.HasArticleBody || sig.HasArticleTag {
			confidence += 0.05
		}
		if confidence > 1 {
			confidence = 1
		}
		return LabelArticle, confidence, reason
	}

	// Nav: link-dominated with most links in chrome.
	if sig.LinkDensity >= th.MinNavLinkDensity && sig.NavLinkRatio > 0.5 {
		return LabelNav, 0.75, "chrome-dominated link page"
	}

	// Hub: many links, little prose.
	if sig.LinkCount >= 20 && sig.WordCount < th.MinArticleWordCount {
		return LabelHub, 0.7, "link index with thin prose"
	}
	if sig.LinkDensity >= th.MinNavLinkDensity {
		return LabelHub, 0.6, "link-dense page"
	}

	return LabelUnknown, 0.3, "no decisive content signal"
}
