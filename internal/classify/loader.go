package classify

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// TreeRuntime holds the live decision tree behind an atomic pointer so the
// hot path never takes a lock. Reloads swap the whole compiled tree; a reload
// that fails validation keeps the previous tree in place.
type TreeRuntime struct {
	current atomic.Pointer[Tree]
	gen     atomic.Uint64
	path    string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewTreeRuntime creates a runtime seeded with the built-in default tree,
// then overlaid with the file at path when one is given.
func NewTreeRuntime(path string) (*TreeRuntime, error) {
	r := &TreeRuntime{path: path}
	r.current.Store(DefaultTree())
	if path != "" {
		if err := r.reload(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Current returns the live tree.
func (r *TreeRuntime) Current() *Tree {
	return r.current.Load()
}

// Generation counts tree installs; memoised results keyed on it become
// unreachable when the tree changes.
func (r *TreeRuntime) Generation() uint64 {
	return r.gen.Load()
}

// Swap installs a tree directly. Used by tests and by callers that manage
// their own source.
func (r *TreeRuntime) Swap(t *Tree) {
	r.current.Store(t)
	r.gen.Add(1)
}

func (r *TreeRuntime) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("classify: read tree %s: %w", r.path, err)
	}
	t, err := ParseTree(data)
	if err != nil {
		return fmt.Errorf("classify: tree %s: %w", r.path, err)
	}
	r.current.Store(t)
	r.gen.Add(1)
	return nil
}

// Watch hot-reloads the tree file on change. The directory is watched rather
// than the file so editor rename-replace writes are caught. No-op when the
// runtime has no file path.
func (r *TreeRuntime) Watch() error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("classify: watch: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return fmt.Errorf("classify: watch %s: %w", r.path, err)
	}
	r.watcher = w
	r.stopCh = make(chan struct{})

	go func() {
		target := filepath.Clean(r.path)
		for {
			select {
			case <-r.stopCh:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := r.reload(); err != nil {
					log.Printf("[classify] tree reload rejected, keeping previous: %v", err)
					continue
				}
				log.Printf("[classify] decision tree reloaded from %s", r.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[classify] tree watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *TreeRuntime) Close() {
	if r.watcher != nil {
		close(r.stopCh)
		r.watcher.Close()
		r.watcher = nil
	}
}

// DefaultTree is the built-in URL classifier used when no external tree file
// is configured: date paths and long slugs read as articles, shallow paths as
// hubs, utility extensions and deep query URLs as nav.
func DefaultTree() *Tree {
	doc := TreeDoc{
		Version: 1,
		Root:    "check-extension",
		Nodes: map[string]TreeNode{
			"check-extension": {
				Type: "branch",
				Condition: &Condition{Kind: "compound", Compound: "and", Children: []Condition{
					{Kind: "flag", Field: "has_extension"},
					{Kind: "compound", Compound: "not", Children: []Condition{
						{Kind: "url_matches", Pattern: `\.(html?|php|aspx?)$`},
					}},
				}},
				Then: "nav-asset",
				Else: "check-date-path",
			},
			"nav-asset": {Type: "result", Label: "nav", Confidence: 0.85, Reason: "non-page file extension"},

			"check-date-path": {
				Type:      "branch",
				Condition: &Condition{Kind: "flag", Field: "has_date_path"},
				Then:      "check-date-slug",
				Else:      "check-numeric-id",
			},
			"check-date-slug": {
				Type:      "branch",
				Condition: &Condition{Kind: "compare", Field: "slug_words", Op: "ge", Number: 3},
				Then:      "article-dated",
				Else:      "hub-dated",
			},
			"article-dated": {Type: "result", Label: "article", Confidence: 0.92, Reason: "date path with wordy slug"},
			"hub-dated":     {Type: "result", Label: "hub", Confidence: 0.6, Reason: "date path without slug"},

			"check-numeric-id": {
				Type: "branch",
				Condition: &Condition{Kind: "compound", Compound: "and", Children: []Condition{
					{Kind: "flag", Field: "has_numeric_id"},
					{Kind: "compare", Field: "slug_words", Op: "ge", Number: 2},
				}},
				Then: "article-id",
				Else: "check-depth",
			},
			"article-id": {Type: "result", Label: "article", Confidence: 0.8, Reason: "numeric id slug"},

			"check-depth": {
				Type:      "branch",
				Condition: &Condition{Kind: "compare", Field: "path_depth", Op: "le", Number: 2},
				Then:      "check-hub-slug",
				Else:      "check-long-slug",
			},
			"check-hub-slug": {
				Type:      "branch",
				Condition: &Condition{Kind: "compare", Field: "slug_length", Op: "le", Number: 20},
				Then:      "hub-shallow",
				Else:      "check-long-slug",
			},
			"hub-shallow": {Type: "result", Label: "hub", Confidence: 0.7, Reason: "shallow short path"},

			"check-long-slug": {
				Type:      "branch",
				Condition: &Condition{Kind: "compare", Field: "slug_words", Op: "ge", Number: 4},
				Then:      "article-slug",
				Else:      "unknown",
			},
			"article-slug": {Type: "result", Label: "article", Confidence: 0.75, Reason: "long hyphenated slug"},
			"unknown":      {Type: "result", Label: "unknown", Confidence: 0.3, Reason: "no strong url signal"},
		},
	}
	t, err := CompileTree(doc)
	if err != nil {
		panic("classify: default tree invalid: " + err.Error())
	}
	return t
}
