package classify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resultNode(label string, conf float64) TreeNode {
	return TreeNode{Type: "result", Label: label, Confidence: conf}
}

func TestCompileTree_SchemaValidation(t *testing.T) {
	base := func() TreeDoc {
		return TreeDoc{
			Version: 1,
			Root:    "root",
			Nodes: map[string]TreeNode{
				"root": {
					Type:      "branch",
					Condition: &Condition{Kind: "flag", Field: "has_query"},
					Then:      "yes",
					Else:      "no",
				},
				"yes": resultNode("article", 0.8),
				"no":  resultNode("unknown", 0.2),
			},
		}
	}

	if _, err := CompileTree(base()); err != nil {
		t.Fatalf("valid tree rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*TreeDoc)
		wantSub string
	}{
		{"missing root", func(d *TreeDoc) { d.Root = "ghost" }, "root"},
		{"bad label", func(d *TreeDoc) { d.Nodes["yes"] = resultNode("story", 0.8) }, "invalid label"},
		{"confidence above one", func(d *TreeDoc) { d.Nodes["yes"] = resultNode("article", 1.2) }, "out of [0,1]"},
		{"dangling successor", func(d *TreeDoc) {
			n := d.Nodes["root"]
			n.Then = "ghost"
			d.Nodes["root"] = n
		}, "unknown successor"},
		{"branch without condition", func(d *TreeDoc) {
			n := d.Nodes["root"]
			n.Condition = nil
			d.Nodes["root"] = n
		}, "requires a condition"},
		{"bad compare op", func(d *TreeDoc) {
			n := d.Nodes["root"]
			n.Condition = &Condition{Kind: "compare", Field: "path_depth", Op: "contains", Number: 1}
			d.Nodes["root"] = n
		}, "op"},
		{"unknown flag field", func(d *TreeDoc) {
			n := d.Nodes["root"]
			n.Condition = &Condition{Kind: "flag", Field: "has_sparkles"}
			d.Nodes["root"] = n
		}, "unknown"},
		{"bad regex", func(d *TreeDoc) {
			n := d.Nodes["root"]
			n.Condition = &Condition{Kind: "url_matches", Pattern: "["}
			d.Nodes["root"] = n
		}, "pattern"},
		{"not with two children", func(d *TreeDoc) {
			n := d.Nodes["root"]
			n.Condition = &Condition{Kind: "compound", Compound: "not", Children: []Condition{
				{Kind: "flag", Field: "has_query"},
				{Kind: "flag", Field: "has_query"},
			}}
			d.Nodes["root"] = n
		}, "exactly one child"},
		{"ref to nowhere", func(d *TreeDoc) {
			d.Nodes["yes"] = TreeNode{Type: "ref", Target: "ghost"}
		}, "unknown target"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := base()
			tc.mutate(&doc)
			_, err := CompileTree(doc)
			if err == nil {
				t.Fatal("invalid tree accepted")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestTree_RefAndCycleGuard(t *testing.T) {
	tree, err := CompileTree(TreeDoc{
		Root: "a",
		Nodes: map[string]TreeNode{
			"a": {Type: "ref", Target: "b"},
			"b": resultNode("hub", 0.5),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	sig, _ := signalsFor("https://example.com/x")
	label, conf, _ := tree.Evaluate(sig)
	if label != LabelHub || conf != 0.5 {
		t.Fatalf("ref walk: %v %v", label, conf)
	}

	// A ref cycle terminates at the hop limit instead of spinning.
	cyclic, err := CompileTree(TreeDoc{
		Root: "a",
		Nodes: map[string]TreeNode{
			"a": {Type: "ref", Target: "b"},
			"b": {Type: "ref", Target: "a"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	label, _, reason := cyclic.Evaluate(sig)
	if label != LabelUnknown || !strings.Contains(reason, "hop limit") {
		t.Fatalf("cycle guard: %v %q", label, reason)
	}
}

func TestTreeRuntime_FileLoadAndBadReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.json")

	good := `{
		"version": 1,
		"root": "r",
		"nodes": {"r": {"type": "result", "label": "article", "confidence": 0.88, "reason": "file tree"}}
	}`
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}

	rt, err := NewTreeRuntime(path)
	if err != nil {
		t.Fatal(err)
	}
	sig, _ := signalsFor("https://example.com/anything")
	if label, conf, _ := rt.Current().Evaluate(sig); label != LabelArticle || conf != 0.88 {
		t.Fatalf("file tree not active: %v %v", label, conf)
	}

	// An invalid replacement is rejected and the live tree stays.
	if err := os.WriteFile(path, []byte(`{"root": "r", "nodes": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := rt.reload(); err == nil {
		t.Fatal("invalid tree should fail reload")
	}
	if label, _, _ := rt.Current().Evaluate(sig); label != LabelArticle {
		t.Fatal("failed reload must keep the previous tree")
	}
}

func TestNewTreeRuntime_MissingFileErrors(t *testing.T) {
	if _, err := NewTreeRuntime(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("missing tree file should error at startup")
	}
}

func TestDefaultTree_Compiles(t *testing.T) {
	tree := DefaultTree()
	sig, _ := signalsFor("https://example.com/world/2024/jan/15/storm-response-update")
	if label, conf, _ := tree.Evaluate(sig); label != LabelArticle || conf < 0.9 {
		t.Fatalf("default tree on dated article: %v %v", label, conf)
	}
}
