package cliconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPath(t *testing.T) {
	segs, err := splitPath(" collector.targets[0].name ")
	require.NoError(t, err)
	assert.Equal(t, []segment{{key: "collector"}, {key: "targets"}, {index: 0}, {key: "name"}}, segs)

	segs, err = splitPath("a[1][2]")
	require.NoError(t, err)
	assert.Equal(t, []segment{{key: "a"}, {index: 1}, {index: 2}}, segs)

	for _, bad := range []string{"", "a[nope]", "a[1", "a[-1]"} {
		_, err := splitPath(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(123), parseValue("123"))
	assert.Equal(t, map[string]any{"a": float64(1)}, parseValue(`{"a":1}`))
	assert.Equal(t, "plain-string", parseValue("plain-string"))
}

func TestAssignLookupRemove(t *testing.T) {
	segs, err := splitPath("a.b[1].c")
	require.NoError(t, err)
	root := assign(map[string]any{}, segs, 42)

	v, ok := lookup(root, segs)
	require.True(t, ok)
	assert.Equal(t, 42, v)
	first, ok := lookup(root, []segment{{key: "a"}, {key: "b"}, {index: 0}})
	require.True(t, ok)
	assert.Nil(t, first)

	root, changed := remove(root, segs)
	assert.True(t, changed)
	_, ok = lookup(root, segs)
	assert.False(t, ok)

	_, changed = remove(root, []segment{{key: "missing"}})
	assert.False(t, changed)
}

func setupConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	t.Setenv("AUTOTUNE_CONFIG", path)
	t.Setenv("AUTOTUNE_HOME_DIR", dir)
	return path
}

func TestSetGetUnset(t *testing.T) {
	path := setupConfig(t, `{"planner":{"topN":3}}`)

	require.NoError(t, Set("planner.topN", "5"))
	v, err := Get("planner.topN")
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	require.NoError(t, Set("slack.channel", "#perf"))
	v, err = Get("slack.channel")
	require.NoError(t, err)
	assert.Equal(t, "#perf", v)

	v, err = Get("monitor.minScore")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v, "defaults are part of the effective config")

	require.NoError(t, Unset("slack.channel"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "#perf")
	assert.Error(t, Unset("slack.channel"))

	_, err = Get("no.such.key")
	assert.Error(t, err)
}
