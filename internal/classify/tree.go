package classify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// The decision tree is external JSON: named nodes of three kinds. A branch
// evaluates a condition and follows then/else; a result yields a label with
// confidence; a ref jumps to another named node.
//
// Condition kinds: url_matches (regex over the full URL), text_contains
// (substring over path or slug), compare (numeric signal vs value), flag
// (boolean signal), compound (and/or/not over child conditions).

// TreeDoc is the on-disk tree document.
type TreeDoc struct {
	Version int                `json:"version"`
	Root    string             `json:"root"`
	Nodes   map[string]TreeNode `json:"nodes"`
}

// TreeNode is one node of the on-disk tree.
type TreeNode struct {
	Type string `json:"type"` // "branch" | "result" | "ref"

	// branch
	Condition *Condition `json:"condition,omitempty"`
	Then      string     `json:"then,omitempty"`
	Else      string     `json:"else,omitempty"`

	// result
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	// ref
	Target string `json:"target,omitempty"`
}

// Condition is one predicate over URL signals.
type Condition struct {
	Kind string `json:"kind"`

	// url_matches
	Pattern string `json:"pattern,omitempty"`

	// text_contains
	Field string `json:"field,omitempty"` // "path" | "slug" (also compare/flag field name)
	Value string `json:"value,omitempty"`

	// compare
	Op     string  `json:"op,omitempty"` // lt | le | eq | ge | gt
	Number float64 `json:"number,omitempty"`

	// compound
	Compound string      `json:"compound,omitempty"` // and | or | not
	Children []Condition `json:"children,omitempty"`
}

var validLabels = map[string]bool{
	string(LabelArticle): true,
	string(LabelHub):     true,
	string(LabelNav):     true,
	string(LabelUnknown): true,
}

var validCompareOps = map[string]bool{"lt": true, "le": true, "eq": true, "ge": true, "gt": true}

// Tree is a validated, compiled decision tree ready for evaluation.
type Tree struct {
	root  string
	nodes map[string]compiledNode
}

type compiledNode struct {
	kind string

	cond       *compiledCond
	thenNode   string
	elseNode   string

	label      Label
	confidence float64
	reason     string

	target string
}

type compiledCond struct {
	kind     string
	re       *regexp.Regexp
	field    string
	value    string
	op       string
	number   float64
	compound string
	children []compiledCond
}

// CompileTree validates a tree document and compiles its regexes. All schema
// violations are reported with the offending node name.
func CompileTree(doc TreeDoc) (*Tree, error) {
	if doc.Root == "" {
		return nil, fmt.Errorf("classify: tree has no root")
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("classify: tree has no nodes")
	}
	if _, ok := doc.Nodes[doc.Root]; !ok {
		return nil, fmt.Errorf("classify: root %q not found", doc.Root)
	}

	nodes := make(map[string]compiledNode, len(doc.Nodes))
	for name, n := range doc.Nodes {
		cn, err := compileNode(doc, name, n)
		if err != nil {
			return nil, err
		}
		nodes[name] = cn
	}
	return &Tree{root: doc.Root, nodes: nodes}, nil
}

func compileNode(doc TreeDoc, name string, n TreeNode) (compiledNode, error) {
	switch n.Type {
	case "branch":
		if n.Condition == nil {
			return compiledNode{}, fmt.Errorf("classify: node %q: branch requires a condition", name)
		}
		if n.Then == "" || n.Else == "" {
			return compiledNode{}, fmt.Errorf("classify: node %q: branch requires then and else", name)
		}
		for _, next := range []string{n.Then, n.Else} {
			if _, ok := doc.Nodes[next]; !ok {
				return compiledNode{}, fmt.Errorf("classify: node %q: unknown successor %q", name, next)
			}
		}
		cond, err := compileCond(*n.Condition)
		if err != nil {
			return compiledNode{}, fmt.Errorf("classify: node %q: %w", name, err)
		}
		return compiledNode{kind: "branch", cond: &cond, thenNode: n.Then, elseNode: n.Else}, nil

	case "result":
		if !validLabels[n.Label] {
			return compiledNode{}, fmt.Errorf("classify: node %q: invalid label %q", name, n.Label)
		}
		if n.Confidence < 0 || n.Confidence > 1 {
			return compiledNode{}, fmt.Errorf("classify: node %q: confidence %v out of [0,1]", name, n.Confidence)
		}
		return compiledNode{kind: "result", label: Label(n.Label), confidence: n.Confidence, reason: n.Reason}, nil

	case "ref":
		if _, ok := doc.Nodes[n.Target]; !ok {
			return compiledNode{}, fmt.Errorf("classify: node %q: unknown target %q", name, n.Target)
		}
		return compiledNode{kind: "ref", target: n.Target}, nil

	default:
		return compiledNode{}, fmt.Errorf("classify: node %q: unknown type %q", name, n.Type)
	}
}

func compileCond(c Condition) (compiledCond, error) {
	switch c.Kind {
	case "url_matches":
		if c.Pattern == "" {
			return compiledCond{}, fmt.Errorf("url_matches requires a pattern")
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return compiledCond{}, fmt.Errorf("url_matches pattern: %w", err)
		}
		return compiledCond{kind: c.Kind, re: re}, nil

	case "text_contains":
		if c.Field != "path" && c.Field != "slug" {
			return compiledCond{}, fmt.Errorf("text_contains field must be path or slug, got %q", c.Field)
		}
		if c.Value == "" {
			return compiledCond{}, fmt.Errorf("text_contains requires a value")
		}
		return compiledCond{kind: c.Kind, field: c.Field, value: c.Value}, nil

	case "compare":
		if !validCompareOps[c.Op] {
			return compiledCond{}, fmt.Errorf("compare op %q invalid", c.Op)
		}
		if _, ok := (urlSignals{}).numericField(c.Field); !ok {
			return compiledCond{}, fmt.Errorf("compare field %q unknown", c.Field)
		}
		return compiledCond{kind: c.Kind, field: c.Field, op: c.Op, number: c.Number}, nil

	case "flag":
		if _, ok := (urlSignals{}).boolFlag(c.Field); !ok {
			return compiledCond{}, fmt.Errorf("flag field %q unknown", c.Field)
		}
		return compiledCond{kind: c.Kind, field: c.Field}, nil

	case "compound":
		switch c.Compound {
		case "and", "or":
			if len(c.Children) < 2 {
				return compiledCond{}, fmt.Errorf("compound %s requires at least two children", c.Compound)
			}
		case "not":
			if len(c.Children) != 1 {
				return compiledCond{}, fmt.Errorf("compound not requires exactly one child")
			}
		default:
			return compiledCond{}, fmt.Errorf("compound must be and, or, or not, got %q", c.Compound)
		}
		children := make([]compiledCond, 0, len(c.Children))
		for i, child := range c.Children {
			cc, err := compileCond(child)
			if err != nil {
				return compiledCond{}, fmt.Errorf("child %d: %w", i, err)
			}
			children = append(children, cc)
		}
		return compiledCond{kind: c.Kind, compound: c.Compound, children: children}, nil

	default:
		return compiledCond{}, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
}

// maxTreeHops bounds evaluation so a ref cycle cannot hang the classifier.
const maxTreeHops = 64

// Evaluate walks the tree over the given signals.
func (t *Tree) Evaluate(sig urlSignals) (Label, float64, string) {
	name := t.root
	for hops := 0; hops < maxTreeHops; hops++ {
		n := t.nodes[name]
		switch n.kind {
		case "result":
			return n.label, n.confidence, n.reason
		case "ref":
			name = n.target
		case "branch":
			if n.cond.eval(sig) {
				name = n.thenNode
			} else {
				name = n.elseNode
			}
		}
	}
	return LabelUnknown, 0, "tree hop limit reached"
}

func (c *compiledCond) eval(sig urlSignals) bool {
	switch c.kind {
	case "url_matches":
		return c.re.MatchString(sig.URL)
	case "text_contains":
		if c.field == "slug" {
			return strings.Contains(sig.Slug, c.value)
		}
		return strings.Contains(sig.Path, c.value)
	case "compare":
		v, _ := sig.numericField(c.field)
		switch c.op {
		case "lt":
			return v < c.number
		case "le":
			return v <= c.number
		case "eq":
			return v == c.number
		case "ge":
			return v >= c.number
		case "gt":
			return v > c.number
		}
		return false
	case "flag":
		v, _ := sig.boolFlag(c.field)
		return v
	case "compound":
		switch c.compound {
		case "and":
			for i := range c.children {
				if !c.children[i].eval(sig) {
					return false
				}
			}
			return true
		case "or":
			for i := range c.children {
				if c.children[i].eval(sig) {
					return true
				}
			}
			return false
		case "not":
			return !c.children[0].eval(sig)
		}
	}
	return false
}

// ParseTree decodes and compiles a JSON tree document.
func ParseTree(data []byte) (*Tree, error) {
	var doc TreeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("classify: parse tree: %w", err)
	}
	return CompileTree(doc)
}
