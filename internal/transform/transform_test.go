package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, tr Transform, path, src string, payload map[string]string) (string, error) {
	t.Helper()
	out, err := tr.Apply(context.Background(), []byte(src), Request{Target: "T", Path: path, Payload: payload})
	return string(out), err
}

func TestMemoizeFunctionDeclaration(t *testing.T) {
	src := `import React, { useState } from 'react';

export default function Foo({ n }) {
  const [x] = useState(n);
  return <p>{x}</p>;
}
`
	want := `import React, { useState, memo } from 'react';

function Foo({ n }) {
  const [x] = useState(n);
  return <p>{x}</p>;
}

export default memo(Foo);
`
	got, err := apply(t, Memoize{}, "Foo.jsx", src, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMemoizeAddsReactImport(t *testing.T) {
	src := "const Bar = () => <div />;\nexport default Bar;\n"
	got, err := apply(t, Memoize{}, "Bar.jsx", src, nil)
	require.NoError(t, err)
	assert.Equal(t, "import { memo } from 'react';\nconst Bar = () => <div />;\nexport default memo(Bar);\n", got)
}

func TestMemoizeNamespaceImport(t *testing.T) {
	src := "import * as React from 'react';\nexport default function Baz() { return null; }\n"
	got, err := apply(t, Memoize{}, "Baz.tsx", src, nil)
	require.NoError(t, err)
	assert.Equal(t, "import * as React from 'react';\nfunction Baz() { return null; }\n\nexport default React.memo(Baz);\n", got)
}

func TestMemoizeRejectsMemoizedSource(t *testing.T) {
	src := "import { memo } from 'react';\nfunction Q() { return null; }\nexport default memo(Q);\n"
	_, err := apply(t, Memoize{}, "Q.jsx", src, nil)
	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "memoization", te.Strategy)

	// a memoized result cannot be memoized twice
	first, err := apply(t, Memoize{}, "Bar.jsx", "const Bar = () => null;\nexport default Bar;\n", nil)
	require.NoError(t, err)
	_, err = apply(t, Memoize{}, "Bar.jsx", first, nil)
	assert.ErrorAs(t, err, &te)
}

func TestMemoizeRequiresDefaultExport(t *testing.T) {
	_, err := apply(t, Memoize{}, "N.js", "export const n = 1;\n", nil)
	var te *TransformError
	assert.ErrorAs(t, err, &te)

	_, err = apply(t, Memoize{}, "Broken.js", "export default function (", nil)
	assert.ErrorAs(t, err, &te)
}

func TestLazyConvertsLocalComponentImports(t *testing.T) {
	src := `import React from 'react';
import Chart from './Chart';
import Table from './Table';
import { helper } from './util';
import dayjs from 'dayjs';

export default function Page() {
  return <div><Chart /><Table /></div>;
}
`
	got, err := apply(t, Lazy{}, "Page.jsx", src, map[string]string{"components": "Chart"})
	require.NoError(t, err)
	assert.Contains(t, got, "const Chart = React.lazy(() => import('./Chart'));")
	assert.Contains(t, got, "import Table from './Table';")
	assert.Contains(t, got, "import { helper } from './util';")
	assert.Contains(t, got, "import dayjs from 'dayjs';")

	got, err = apply(t, Lazy{}, "Page.jsx", src, nil)
	require.NoError(t, err)
	assert.Contains(t, got, "const Table = React.lazy(() => import('./Table'));")
}

func TestLazyAddsImportBeforeReplacedStatement(t *testing.T) {
	src := "import Chart from './Chart';\nexport default function P() { return <Chart />; }\n"
	got, err := apply(t, Lazy{}, "P.jsx", src, nil)
	require.NoError(t, err)
	assert.Equal(t, "import { lazy } from 'react';\nconst Chart = lazy(() => import('./Chart'));\nexport default function P() { return <Chart />; }\n", got)
}

func TestLazyWithoutCandidates(t *testing.T) {
	_, err := apply(t, Lazy{}, "P.js", "import dayjs from 'dayjs';\nexport default 1;\n", nil)
	var te *TransformError
	assert.ErrorAs(t, err, &te)
}

func TestDependencySwap(t *testing.T) {
	src := "import moment from 'moment';\nimport debounce from \"lodash/debounce\";\nimport React from 'react';\n"
	got, err := apply(t, DependencySwap{}, "util.js", src, nil)
	require.NoError(t, err)
	assert.Equal(t, "import moment from 'dayjs';\nimport debounce from \"lodash-es/debounce\";\nimport React from 'react';\n", got)

	got, err = apply(t, DependencySwap{}, "util.js", src, map[string]string{"from": "moment", "to": "date-fns"})
	require.NoError(t, err)
	assert.Contains(t, got, "from 'date-fns'")
	assert.Contains(t, got, "\"lodash/debounce\"")

	_, err = apply(t, DependencySwap{}, "util.js", "import React from 'react';\n", nil)
	var te *TransformError
	assert.ErrorAs(t, err, &te)

	_, err = apply(t, DependencySwap{}, "util.js", src, map[string]string{"from": "moment"})
	assert.ErrorAs(t, err, &te)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"code_splitting", "dependency_swap", "memoization"}, r.Names())
	assert.True(t, r.Has("memoization"))
	assert.False(t, r.Has("prefetch"))
	tr, ok := r.Get("code_splitting")
	require.True(t, ok)
	assert.Equal(t, "code_splitting", tr.Name())
}
