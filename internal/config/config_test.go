package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AUTOTUNE_HOME_DIR", home)
	t.Setenv("AUTOTUNE_CONFIG", "")
	t.Setenv("AUTOTUNE_ENV_FILE", "")
	return home
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, time.Hour, cfg.Cycle.Interval)
	assert.Equal(t, 7*24*time.Hour, cfg.Analyzer.Window)
	assert.Equal(t, 100.0, cfg.Analyzer.SlowThresholdMs)
	assert.Equal(t, 10, cfg.Analyzer.MinSupport)
	assert.Equal(t, 0.7, cfg.Predictor.PriorRate)
	assert.Equal(t, 3, cfg.Planner.TopN)
	assert.Equal(t, 0.7, cfg.Planner.MinProbability)
	assert.Equal(t, 0.8, cfg.Planner.HighConfidence)
	assert.Equal(t, 0.5, cfg.Monitor.MinScore)
	assert.Equal(t, 30*time.Second, cfg.Collector.ProbeTimeout)
}

func TestLoadDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Monitor.MaxAttempts)
	assert.Equal(t, filepath.Join(home, ".autotune", "autotune.db"), cfg.Store.DBPath)
	assert.Equal(t, filepath.Join(home, ".autotune", "cycle.lock"), cfg.Cycle.LockPath)
}

func TestLoadFromFile(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ConfigDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))

	t.Setenv("AT_TEST_BROKERS", "kafka-1:9092")
	content := `{
		"planner": {"topN": 5},
		"monitor": {"minImprovement": 0.2},
		"kafka": {"enabled": true, "brokers": "${AT_TEST_BROKERS}"},
		"applier": {"targetFiles": {"Foo": "src/widgets/Foo.tsx"}}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(content), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Planner.TopN)
	assert.Equal(t, 0.2, cfg.Monitor.MinImprovement)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, "kafka-1:9092", cfg.Kafka.Brokers)
	assert.Equal(t, "src/widgets/Foo.tsx", cfg.Applier.TargetFiles["Foo"])
	// untouched groups keep their defaults
	assert.Equal(t, 0.7, cfg.Predictor.PriorRate)
}

func TestEnvOverride(t *testing.T) {
	isolateHome(t)
	t.Setenv("AUTOTUNE_CYCLE_INTERVAL", "30m")
	t.Setenv("AUTOTUNE_PREDICTOR_PRIOR_RATES", "code_splitting:0.85,prefetch:0.6")
	t.Setenv("AUTOTUNE_PATHS_SOURCE_DIRS", "web/src,packages/ui")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Cycle.Interval)
	assert.Equal(t, 0.85, cfg.Predictor.PriorRates["code_splitting"])
	assert.Equal(t, []string{"web/src", "packages/ui"}, cfg.Paths.SourceDirs)
}

func TestNormalizeRepairsZeroValues(t *testing.T) {
	isolateHome(t)
	cfg := DefaultConfig()
	cfg.Planner.TopN = 0
	cfg.Predictor.PriorRate = 3
	cfg.Cycle.Interval = 0
	require.NoError(t, cfg.normalize())

	assert.Equal(t, 3, cfg.Planner.TopN)
	assert.Equal(t, 0.7, cfg.Predictor.PriorRate)
	assert.Equal(t, time.Hour, cfg.Cycle.Interval)
}

func TestSaveRoundTrip(t *testing.T) {
	home := isolateHome(t)
	cfg := DefaultConfig()
	cfg.Slack.WebhookURL = "https://hooks.slack.invalid/x"
	require.NoError(t, Save(cfg))

	info, err := os.Stat(filepath.Join(home, ConfigDir, ConfigFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.slack.invalid/x", loaded.Slack.WebhookURL)
}
