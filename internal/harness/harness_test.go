package harness

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	content := `version: 1
tasks:
  - id: build
    command: echo built
    timeout_sec: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)
	require.Len(t, s.Tasks, 1)
	assert.Equal(t, "build", s.Tasks[0].ID)
	assert.Equal(t, 5, s.Tasks[0].TimeoutSec)
}

func TestRunSuccessAndFailure(t *testing.T) {
	r := NewRunner(&Suite{Tasks: []Task{
		{ID: "ok", Command: "echo ok"},
		{ID: "bad", Command: "echo nope; exit 3"},
	}}, t.TempDir(), 10*time.Second, 0)

	res, err := r.Run(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, "ok")

	res, err = r.Run(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "nope")
	assert.NotEmpty(t, res.Error)

	_, err = r.Run(context.Background(), "missing")
	assert.Error(t, err)
	assert.False(t, r.Has("missing"))
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(&Suite{Tasks: []Task{{ID: "slow", Command: "sleep 5", TimeoutSec: 1}}}, "", time.Minute, 0)
	start := time.Now()
	res, err := r.Run(context.Background(), "slow")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunCachesAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	r := NewRunner(&Suite{Tasks: []Task{
		{ID: "build", Command: "echo x >> " + counter + "; sleep 0.2"},
	}}, dir, 10*time.Second, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Run(context.Background(), "build")
			assert.NoError(t, err)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	_, err := r.Run(context.Background(), "build")
	require.NoError(t, err)

	data, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))

	r.Invalidate()
	_, err = r.Run(context.Background(), "build")
	require.NoError(t, err)
	data, err = os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\nx\n", string(data))
}
