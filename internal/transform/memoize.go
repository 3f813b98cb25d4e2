package transform

import "context"

// Memoize wraps a file's default-exported component in React's memo.
type Memoize struct{}

func (Memoize) Name() string { return "memoization" }

func (m Memoize) Apply(ctx context.Context, src []byte, req Request) ([]byte, error) {
	f, err := parseSource(ctx, m.Name(), src, req)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Memoized() {
		return nil, fail(m.Name(), req, "already memoized")
	}
	exp, ok := f.FindDefaultExport()
	if !ok {
		return nil, fail(m.Name(), req, "no default export")
	}

	memo, edits := reactBinding(f, "memo")
	switch {
	case exp.Declaration != nil:
		if exp.Declaration.Type() == "class_declaration" {
			return nil, fail(m.Name(), req, "class components are not supported")
		}
		decl := f.Text(exp.Declaration)
		text := decl + "\n\nexport default " + memo + "(" + exp.Name + ");"
		if exp.Name == "" {
			text = "export default " + memo + "(" + decl + ");"
		}
		edits = append(edits, edit{start: exp.Statement.StartByte(), end: exp.Statement.EndByte(), text: text})
	case exp.Value != nil:
		if exp.Value.Type() == "class" {
			return nil, fail(m.Name(), req, "class components are not supported")
		}
		edits = append(edits, edit{
			start: exp.Value.StartByte(),
			end:   exp.Value.EndByte(),
			text:  memo + "(" + f.Text(exp.Value) + ")",
		})
	default:
		return nil, fail(m.Name(), req, "unsupported default export")
	}
	return reparse(ctx, m.Name(), req, applyEdits(src, edits))
}

var _ Transform = Memoize{}
