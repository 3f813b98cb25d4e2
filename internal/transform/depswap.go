package transform

import (
	"context"
	"sort"
	"strings"
)

// Alternatives lists lighter replacements for heavy dependencies, best first.
var Alternatives = map[string][]string{
	"moment":            {"dayjs", "date-fns"},
	"lodash":            {"lodash-es", "ramda"},
	"@material-ui/core": {"@mantine/core", "@chakra-ui/react"},
}

// DependencySwap rewrites import specifiers from a heavy module to a lighter
// one. The payload keys "from" and "to" select the swap; without them every
// module in Alternatives is swapped for its first alternative.
type DependencySwap struct{}

func (DependencySwap) Name() string { return "dependency_swap" }

func (d DependencySwap) Apply(ctx context.Context, src []byte, req Request) ([]byte, error) {
	swaps := map[string]string{}
	if from, to := req.Payload["from"], req.Payload["to"]; from != "" || to != "" {
		if from == "" || to == "" {
			return nil, fail(d.Name(), req, "payload needs both from and to")
		}
		swaps[from] = to
	} else {
		for from, alts := range Alternatives {
			swaps[from] = alts[0]
		}
	}

	f, err := parseSource(ctx, d.Name(), src, req)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var edits []edit
	for _, imp := range f.Imports() {
		to, rest, ok := matchModule(swaps, imp.Source)
		if !ok || imp.SrcNode == nil {
			continue
		}
		quote := f.Text(imp.SrcNode)[:1]
		edits = append(edits, edit{
			start: imp.SrcNode.StartByte(),
			end:   imp.SrcNode.EndByte(),
			text:  quote + to + rest + quote,
		})
	}
	if len(edits) == 0 {
		return nil, fail(d.Name(), req, "no swappable imports")
	}
	return reparse(ctx, d.Name(), req, applyEdits(src, edits))
}

// matchModule matches source against the swap table, either exactly or as
// a subpath import ("lodash/debounce").
func matchModule(swaps map[string]string, source string) (to, rest string, ok bool) {
	froms := make([]string, 0, len(swaps))
	for from := range swaps {
		froms = append(froms, from)
	}
	// longest prefix wins
	sort.Slice(froms, func(i, j int) bool { return len(froms[i]) > len(froms[j]) })
	for _, from := range froms {
		if source == from {
			return swaps[from], "", true
		}
		if strings.HasPrefix(source, from+"/") {
			return swaps[from], source[len(from):], true
		}
	}
	return "", "", false
}

var _ Transform = DependencySwap{}
