package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/newsdrift/newsdrift/internal/config"
)

func testCfg() config.ClassifierConfig {
	return config.NewDefaultRuntimeConfig().Classifier
}

func newTestCascade(t *testing.T, renderer Renderer) *Cascade {
	t.Helper()
	trees, err := NewTreeRuntime("")
	if err != nil {
		t.Fatal(err)
	}
	return NewCascade(trees, testCfg, renderer)
}

func articleHTML(words int) string {
	var b strings.Builder
	b.WriteString(`<html><body><article itemtype="https://schema.org/NewsArticle">`)
	b.WriteString("<h1>Flood warnings issued across the coast</h1>")
	perPara := words / 5
	for p := 0; p < 5; p++ {
		b.WriteString("<p>")
		for i := 0; i < perPara; i++ {
			b.WriteString("word ")
		}
		b.WriteString("</p>")
	}
	b.WriteString(`<div itemprop="articleBody">body</div></article></body></html>`)
	return b.String()
}

func hubHTML(links int) string {
	var b strings.Builder
	b.WriteString("<html><body><h1>World news</h1>")
	for i := 0; i < links; i++ {
		fmt.Fprintf(&b, `<a href="/world/story-%d">Headline number %d here</a>`, i, i)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func navHTML() string {
	var b strings.Builder
	b.WriteString("<html><body><nav>")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, `<a href="/section-%d">Section %d</a>`, i, i)
	}
	b.WriteString("</nav></body></html>")
	return b.String()
}

func TestStage1_DatePathArticle(t *testing.T) {
	c := newTestCascade(t, nil)

	res, err := c.classifyURL("https://example.com/world/2024/jan/15/story-alpha-beta-gamma")
	if err != nil {
		t.Fatal(err)
	}
	if res.Label != LabelArticle || res.Confidence < 0.9 {
		t.Fatalf("date-path url: %+v", res)
	}

	res, _ = c.classifyURL("https://example.com/world")
	if res.Label != LabelHub {
		t.Fatalf("shallow section url: %+v", res)
	}

	res, _ = c.classifyURL("https://example.com/assets/logo.png")
	if res.Label != LabelNav {
		t.Fatalf("asset url: %+v", res)
	}
}

func TestStage1_Deterministic(t *testing.T) {
	c := newTestCascade(t, nil)
	url := "https://example.com/sport/2024/02/10/final-score-report"
	first, _ := c.classifyURL(url)
	for i := 0; i < 5; i++ {
		again, _ := c.classifyURL(url)
		if again != first {
			t.Fatalf("run %d diverged: %+v vs %+v", i, again, first)
		}
	}
}

func TestStage2_ContentSignals(t *testing.T) {
	th := testCfg().Stage2Thresholds

	res, err := classifyContent(articleHTML(800), th)
	if err != nil {
		t.Fatal(err)
	}
	if res.Label != LabelArticle || res.Confidence < 0.9 {
		t.Fatalf("long schema article: %+v", res)
	}

	res, _ = classifyContent(hubHTML(40), th)
	if res.Label != LabelHub {
		t.Fatalf("link index: %+v", res)
	}

	res, _ = classifyContent(navHTML(), th)
	if res.Label != LabelNav {
		t.Fatalf("chrome links: %+v", res)
	}
}

func TestAggregate_DirectTrust(t *testing.T) {
	w := testCfg().AggregatorWeights
	res := Aggregate([]StageResult{
		{Stage: stageURL, Label: LabelArticle, Confidence: 0.92},
		{Stage: stageContent, Label: LabelHub, Confidence: 0.6},
	}, w)
	if res.Label != LabelArticle || res.Confidence != 0.92 {
		t.Fatalf("high-confidence stage must win outright: %+v", res)
	}
	found := false
	for _, p := range res.Provenance {
		if p == "url-high-confidence" {
			found = true
		}
	}
	if !found {
		t.Fatalf("provenance missing direct-trust marker: %v", res.Provenance)
	}
	if !res.HasDisagreement {
		t.Fatal("stages disagreed, flag must be set")
	}
}

func TestAggregate_WeightedVote(t *testing.T) {
	w := testCfg().AggregatorWeights

	// url says hub 0.6 (1.0*0.6=0.6); content says article 0.6 (1.2*0.6=0.72).
	res := Aggregate([]StageResult{
		{Stage: stageURL, Label: LabelHub, Confidence: 0.6},
		{Stage: stageContent, Label: LabelArticle, Confidence: 0.6},
	}, w)
	if res.Label != LabelArticle {
		t.Fatalf("content weight should dominate: %+v", res)
	}
	want := (1.2 * 0.6) / (1.0 + 1.2)
	if diff := res.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("confidence = %v, want %v", res.Confidence, want)
	}
}

func TestAggregate_TieBreaking(t *testing.T) {
	// Equal weighted sums with equal weights: article outranks hub.
	w := config.AggregatorWeights{URL: 1, Content: 1, Headless: 1}
	res := Aggregate([]StageResult{
		{Stage: stageURL, Label: LabelHub, Confidence: 0.5},
		{Stage: stageContent, Label: LabelArticle, Confidence: 0.5},
	}, w)
	if res.Label != LabelArticle {
		t.Fatalf("tie must resolve to article: %+v", res)
	}

	res = Aggregate([]StageResult{
		{Stage: stageURL, Label: LabelNav, Confidence: 0.5},
		{Stage: stageContent, Label: LabelHub, Confidence: 0.5},
	}, w)
	if res.Label != LabelHub {
		t.Fatalf("tie must resolve to hub over nav: %+v", res)
	}
}

func TestAggregate_Empty(t *testing.T) {
	res := Aggregate(nil, testCfg().AggregatorWeights)
	if res.Label != LabelUnknown {
		t.Fatalf("no stages: %+v", res)
	}
}

type stubRenderer struct {
	html  string
	err   error
	calls int
}

func (r *stubRenderer) Render(_ context.Context, _ string) (string, error) {
	r.calls++
	return r.html, r.err
}

func TestCascade_HeadlessOnlyBelowThreshold(t *testing.T) {
	r := &stubRenderer{html: articleHTML(800)}
	c := newTestCascade(t, r)

	// Strong URL signal: no render.
	_, err := c.Analyze(context.Background(), "https://example.com/world/2024/jan/15/story-alpha-beta", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.calls != 0 {
		t.Fatalf("renderer invoked %d times for a confident url", r.calls)
	}

	// Weak signals everywhere: stage 3 runs and settles it.
	res, err := c.Analyze(context.Background(), "https://example.com/a/b/c/x9q", "<html><body><p>js shell</p></body></html>")
	if err != nil {
		t.Fatal(err)
	}
	if r.calls != 1 {
		t.Fatalf("renderer invoked %d times, want 1", r.calls)
	}
	if res.Label != LabelArticle {
		t.Fatalf("rendered article should win: %+v", res)
	}
}

func TestCascade_RendererFailureDegrades(t *testing.T) {
	r := &stubRenderer{err: errors.New("browser crashed")}
	c := newTestCascade(t, r)

	res, err := c.Analyze(context.Background(), "https://example.com/a/b/c/x9q", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.calls != 1 {
		t.Fatalf("renderer invoked %d times, want 1", r.calls)
	}
	// The cascade still answers from the stages that ran.
	if len(res.Stages) != 1 || res.Stages[0].Stage != stageURL {
		t.Fatalf("unexpected stages: %+v", res.Stages)
	}
}

func TestCascade_MemoAvoidsRepeatRender(t *testing.T) {
	r := &stubRenderer{html: articleHTML(800)}
	c := newTestCascade(t, r)

	url := "https://example.com/a/b/c/x9q"
	body := "<html><body><p>js shell</p></body></html>"
	first, err := c.Analyze(context.Background(), url, body)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Analyze(context.Background(), url, body)
	if err != nil {
		t.Fatal(err)
	}
	if r.calls != 1 {
		t.Fatalf("renderer invoked %d times for identical content, want 1", r.calls)
	}
	if second.Label != first.Label || second.Confidence != first.Confidence {
		t.Fatalf("memoised result diverged: %+v vs %+v", second, first)
	}

	// Different content misses the memo.
	if _, err := c.Analyze(context.Background(), url, "<html><body><p>other shell</p></body></html>"); err != nil {
		t.Fatal(err)
	}
	if r.calls != 2 {
		t.Fatalf("renderer invoked %d times after content change, want 2", r.calls)
	}
}

func TestCascade_MemoInvalidatedByTreeSwap(t *testing.T) {
	c := newTestCascade(t, nil)
	url := "https://example.com/world/2024/jan/15/story-alpha-beta"

	res, err := c.Analyze(context.Background(), url, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Label != LabelArticle {
		t.Fatalf("dated slug should read as article: %+v", res)
	}

	doc := TreeDoc{
		Version: 1,
		Root:    "all-nav",
		Nodes: map[string]TreeNode{
			"all-nav": {Type: "result", Label: "nav", Confidence: 0.95, Reason: "swapped tree"},
		},
	}
	swapped, err := CompileTree(doc)
	if err != nil {
		t.Fatal(err)
	}
	c.trees.Swap(swapped)

	res, err = c.Analyze(context.Background(), url, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Label != LabelNav {
		t.Fatalf("swap must invalidate the memoised label: %+v", res)
	}
}

func TestExtractLinks(t *testing.T) {
	html := `<html><body>
		<a href="/world/story-one">One</a>
		<a href="https://example.com/world/story-two?utm_source=x">Two</a>
		<a href="/world/story-one">Duplicate</a>
		<a href="#fragment">Skip</a>
		<a href="javascript:void(0)">Skip</a>
		<a href="mailto:desk@example.com">Skip</a>
		<a href="https://other.example/global">Other host</a>
	</body></html>`

	links, err := ExtractLinks(html, "https://example.com/world")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"https://example.com/world/story-one",
		"https://example.com/world/story-two",
		"https://other.example/global",
	}
	if len(links) != len(want) {
		t.Fatalf("links = %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Fatalf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}
