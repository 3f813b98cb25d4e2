package transform

import (
	"context"
	"strings"
	"unicode"
)

// Lazy converts static imports of local components into React.lazy dynamic
// imports so they are emitted as separate chunks. The optional payload key
// "components" restricts the rewrite to a comma-separated list of names.
type Lazy struct{}

func (Lazy) Name() string { return "code_splitting" }

func (l Lazy) Apply(ctx context.Context, src []byte, req Request) ([]byte, error) {
	f, err := parseSource(ctx, l.Name(), src, req)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	only := map[string]bool{}
	for _, c := range strings.Split(req.Payload["components"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			only[c] = true
		}
	}

	lazy, edits := reactBinding(f, "lazy")
	replaced := 0
	for _, imp := range f.Imports() {
		if imp.Default == "" || imp.NamedNd != nil || imp.Namespace != "" {
			continue
		}
		if strings.HasPrefix(f.Text(imp.Node), "import type") {
			continue
		}
		if !strings.HasPrefix(imp.Source, ".") || !unicode.IsUpper([]rune(imp.Default)[0]) {
			continue
		}
		if len(only) > 0 && !only[imp.Default] {
			continue
		}
		edits = append(edits, edit{
			start: imp.Node.StartByte(),
			end:   imp.Node.EndByte(),
			text:  "const " + imp.Default + " = " + lazy + "(() => import('" + imp.Source + "'));",
		})
		replaced++
	}
	if replaced == 0 {
		return nil, fail(l.Name(), req, "no static component imports to split")
	}
	return reparse(ctx, l.Name(), req, applyEdits(src, edits))
}

var _ Transform = Lazy{}
