// Package jsast wraps tree-sitter parsing of JavaScript / TypeScript / TSX
// sources and offers the few structural queries the probes and transforms
// need.
package jsast

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Extensions lists the source extensions Parse understands, in resolution
// preference order.
var Extensions = []string{".tsx", ".jsx", ".ts", ".js"}

// File is a parsed source file. Close releases the tree.
type File struct {
	Path   string
	Source []byte
	Tree   *sitter.Tree
}

// Root returns the root node of the syntax tree.
func (f *File) Root() *sitter.Node {
	return f.Tree.RootNode()
}

// Text returns the source text spanned by n.
func (f *File) Text(n *sitter.Node) string {
	return string(f.Source[n.StartByte():n.EndByte()])
}

// Close frees the underlying tree.
func (f *File) Close() {
	if f.Tree != nil {
		f.Tree.Close()
	}
}

func languageFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return tsx.GetLanguage()
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	default:
		return javascript.GetLanguage()
	}
}

// Parse parses src, choosing the grammar from the extension of path.
func Parse(ctx context.Context, path string, src []byte) (*File, error) {
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(languageFor(path))
	tree, err := p.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	f := &File{Path: path, Source: src, Tree: tree}
	if f.Root().HasError() {
		f.Close()
		return nil, fmt.Errorf("parse %s: syntax error", filepath.Base(path))
	}
	return f, nil
}

// Walk visits n and its named descendants depth-first. Returning false from
// fn skips the node's children.
func Walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		Walk(n.NamedChild(i), fn)
	}
}

// calleeName returns the bare function or method name of a call expression:
// "useState" for both useState(...) and React.useState(...).
func (f *File) calleeName(call *sitter.Node) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return f.Text(fn)
	case "member_expression":
		if prop := fn.ChildByFieldName("property"); prop != nil {
			return f.Text(prop)
		}
	}
	return ""
}

var hookWeights = map[string]int{
	"useState":    2,
	"useEffect":   3,
	"useCallback": 2,
	"useMemo":     2,
}

// MaxComplexity caps Complexity.
const MaxComplexity = 50

// Complexity scores a component by its hooks, branches, list rendering and
// conditional rendering, capped at MaxComplexity.
func (f *File) Complexity() int {
	score := 0
	Walk(f.Root(), func(n *sitter.Node) bool {
		switch n.Type() {
		case "call_expression":
			name := f.calleeName(n)
			if w, ok := hookWeights[name]; ok {
				score += w
			} else if name == "map" {
				if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "member_expression" {
					score++
				}
			}
		case "if_statement":
			score++
		case "binary_expression":
			if op := n.ChildByFieldName("operator"); op != nil && op.Type() == "&&" {
				score++
			}
		}
		return true
	})
	if score > MaxComplexity {
		score = MaxComplexity
	}
	return score
}

// Memoized reports whether the file already wraps something in memo(...)
// or React.memo(...).
func (f *File) Memoized() bool {
	found := false
	Walk(f.Root(), func(n *sitter.Node) bool {
		if found {
			return false
		}
		if n.Type() == "call_expression" && f.calleeName(n) == "memo" {
			found = true
		}
		return true
	})
	return found
}

// Import describes one import declaration.
type Import struct {
	Node      *sitter.Node
	Source    string       // module specifier without quotes
	SrcNode   *sitter.Node // string literal node
	Default   string       // default binding, if any
	Namespace string       // binding of `* as X`, if any
	Named     []string     // named bindings
	Clause    *sitter.Node // import_clause, nil for side-effect imports
	NamedNd   *sitter.Node // named_imports node, if any
}

// Imports lists the top-level import declarations in source order.
func (f *File) Imports() []Import {
	var out []Import
	root := f.Root()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() != "import_statement" {
			continue
		}
		imp := Import{Node: n}
		if src := n.ChildByFieldName("source"); src != nil {
			imp.SrcNode = src
			imp.Source = strings.Trim(f.Text(src), `"'`+"`")
		}
		for j := 0; j < int(n.NamedChildCount()); j++ {
			c := n.NamedChild(j)
			if c.Type() != "import_clause" {
				continue
			}
			imp.Clause = c
			for k := 0; k < int(c.NamedChildCount()); k++ {
				part := c.NamedChild(k)
				switch part.Type() {
				case "identifier":
					imp.Default = f.Text(part)
				case "namespace_import":
					for m := 0; m < int(part.NamedChildCount()); m++ {
						if id := part.NamedChild(m); id.Type() == "identifier" {
							imp.Namespace = f.Text(id)
						}
					}
				case "named_imports":
					imp.NamedNd = part
					Walk(part, func(s *sitter.Node) bool {
						if s.Type() == "import_specifier" {
							if name := s.ChildByFieldName("name"); name != nil {
								imp.Named = append(imp.Named, f.Text(name))
							}
							return false
						}
						return true
					})
				}
			}
		}
		out = append(out, imp)
	}
	return out
}

// DefaultExport describes the file's `export default` statement.
type DefaultExport struct {
	Statement *sitter.Node
	// Name is the exported identifier or declared function/class name; empty
	// for anonymous expressions.
	Name string
	// Declaration is set for `export default function X() {}` forms.
	Declaration *sitter.Node
	// Value is set for `export default <expression>` forms.
	Value *sitter.Node
}

// FindDefaultExport locates the default export, if any.
func (f *File) FindDefaultExport() (DefaultExport, bool) {
	root := f.Root()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() != "export_statement" || !strings.Contains(f.Text(n), "default") {
			continue
		}
		if decl := n.ChildByFieldName("declaration"); decl != nil {
			if !strings.HasPrefix(strings.TrimSpace(strings.TrimPrefix(f.Text(n), "export")), "default") {
				continue
			}
			exp := DefaultExport{Statement: n, Declaration: decl}
			if name := decl.ChildByFieldName("name"); name != nil {
				exp.Name = f.Text(name)
			}
			return exp, true
		}
		if val := n.ChildByFieldName("value"); val != nil {
			exp := DefaultExport{Statement: n, Value: val}
			if val.Type() == "identifier" {
				exp.Name = f.Text(val)
			}
			return exp, true
		}
	}
	return DefaultExport{}, false
}
