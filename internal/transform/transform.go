// Package transform holds the pluggable source rewriting strategies applied
// to optimization targets.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/KafClaw/autotune/internal/jsast"
)

// Request describes one rewrite.
type Request struct {
	Target  string
	Path    string
	Payload map[string]string
}

// Transform rewrites a source file for a candidate. Apply must be a pure
// function of its inputs.
type Transform interface {
	Name() string
	Apply(ctx context.Context, src []byte, req Request) ([]byte, error)
}

// TransformError reports that a strategy could not rewrite the source.
type TransformError struct {
	Strategy string
	Target   string
	Err      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s on %s: %v", e.Strategy, e.Target, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

func fail(strategy string, req Request, format string, args ...any) error {
	return &TransformError{Strategy: strategy, Target: req.Target, Err: fmt.Errorf(format, args...)}
}

// Registry maps subtypes to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Transform
}

// NewRegistry creates a registry holding ts.
func NewRegistry(ts ...Transform) *Registry {
	r := &Registry{strategies: make(map[string]Transform)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in strategy.
func DefaultRegistry() *Registry {
	return NewRegistry(Memoize{}, Lazy{}, DependencySwap{})
}

// Register adds or replaces a strategy under its name.
func (r *Registry) Register(t Transform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[t.Name()] = t
}

// Get returns the strategy for subtype.
func (r *Registry) Get(subtype string) (Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.strategies[subtype]
	return t, ok
}

// Has reports whether subtype has a strategy.
func (r *Registry) Has(subtype string) bool {
	_, ok := r.Get(subtype)
	return ok
}

// Names lists registered subtypes.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// edit replaces src[start:end] with text.
type edit struct {
	start, end uint32
	text       string
}

// applyEdits applies non-overlapping edits from the end of the file
// backwards so earlier offsets stay valid. An insertion sharing its offset
// with a replacement lands in front of the replaced text.
func applyEdits(src []byte, edits []edit) []byte {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start > edits[j].start
		}
		return edits[i].end > edits[j].end
	})
	out := append([]byte(nil), src...)
	for _, e := range edits {
		var b []byte
		b = append(b, out[:e.start]...)
		b = append(b, e.text...)
		b = append(b, out[e.end:]...)
		out = b
	}
	return out
}

// reactBinding returns the expression naming the React export `name` in f
// and the edits needed to make it available.
func reactBinding(f *jsast.File, name string) (string, []edit) {
	imports := f.Imports()
	for _, imp := range imports {
		if imp.Source != "react" || imp.Clause == nil {
			continue
		}
		for _, n := range imp.Named {
			if n == name {
				return name, nil
			}
		}
		if imp.Namespace != "" {
			return imp.Namespace + "." + name, nil
		}
		if imp.NamedNd != nil {
			if cnt := int(imp.NamedNd.NamedChildCount()); cnt > 0 {
				last := imp.NamedNd.NamedChild(cnt - 1)
				return name, []edit{{start: last.EndByte(), end: last.EndByte(), text: ", " + name}}
			}
			return name, []edit{{start: imp.NamedNd.StartByte(), end: imp.NamedNd.EndByte(), text: "{ " + name + " }"}}
		}
		if imp.Default != "" {
			return imp.Default + "." + name, nil
		}
	}

	line := "import { " + name + " } from 'react';\n"
	if len(imports) > 0 {
		at := imports[0].Node.StartByte()
		return name, []edit{{start: at, end: at, text: line}}
	}
	at := directiveEnd(f)
	if at > 0 {
		line = "\n" + strings.TrimSuffix(line, "\n")
	}
	return name, []edit{{start: at, end: at, text: line}}
}

// directiveEnd returns the offset just past leading "use ..." directives.
func directiveEnd(f *jsast.File) uint32 {
	root := f.Root()
	var at uint32
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() != "expression_statement" || n.NamedChildCount() == 0 || n.NamedChild(0).Type() != "string" {
			break
		}
		at = n.EndByte()
	}
	return at
}

// reparse verifies that out is still syntactically valid.
func reparse(ctx context.Context, strategy string, req Request, out []byte) ([]byte, error) {
	f, err := jsast.Parse(ctx, req.Path, out)
	if err != nil {
		return nil, fail(strategy, req, "rewritten source does not parse: %w", err)
	}
	f.Close()
	return out, nil
}

func parseSource(ctx context.Context, strategy string, src []byte, req Request) (*jsast.File, error) {
	f, err := jsast.Parse(ctx, req.Path, src)
	if err != nil {
		return nil, fail(strategy, req, "%w", err)
	}
	return f, nil
}
