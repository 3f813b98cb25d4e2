package report

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/autotune/internal/planner"
	"github.com/KafClaw/autotune/internal/store"
)

type fakeSource struct {
	stats []store.SampleStat
	recs  []*store.OptimizationRecord
	err   error
	from  time.Time
	since time.Time
}

func (f *fakeSource) MetricSummaries(_ context.Context, from, _ time.Time) ([]store.SampleStat, error) {
	f.from = from
	return f.stats, f.err
}

func (f *fakeSource) ListRecords(_ context.Context, flt store.RecordFilter) ([]*store.OptimizationRecord, error) {
	f.since = flt.Since
	return f.recs, nil
}

func (f *fakeSource) CountByState(context.Context) (map[store.State]int, error) {
	counts := map[store.State]int{}
	for _, r := range f.recs {
		counts[r.State]++
	}
	return counts, nil
}

var now = time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

func TestBuildRecommendations(t *testing.T) {
	actual := 0.4
	src := &fakeSource{
		stats: []store.SampleStat{
			{MetricType: "bundle_size", Unit: "KB", Avg: 640, Min: 600, Max: 700, Count: 3},
			{MetricType: "lighthouse_score", Unit: "score", Avg: 95, Min: 94, Max: 96, Count: 2},
			{MetricType: "test_coverage", Unit: "%", Avg: 72.5, Min: 70, Max: 75, Count: 2},
		},
		recs: []*store.OptimizationRecord{
			{ID: "r1", Type: "memoization", Target: "Foo", State: store.StateConfirmed, ExpectedImprovement: 92, ActualImprovement: &actual},
		},
	}
	advisory := []planner.Candidate{
		{Type: "prefetch", Target: "open_menu", Confidence: planner.ConfidenceMedium, SuccessProbability: 0.5, Priority: 1},
	}

	r, err := Build(context.Background(), src, 0, now, advisory)
	require.NoError(t, err)
	assert.Equal(t, 30, r.PeriodDays)
	assert.Equal(t, now.Add(-DefaultPeriod), src.from)
	assert.Equal(t, now.Add(-DefaultPeriod), src.since)
	require.Len(t, r.Metrics, 3)
	require.Len(t, r.Optimizations, 1)
	assert.Equal(t, 1, r.States[store.StateConfirmed])

	require.Len(t, r.Recommendations, 3)
	assert.Equal(t, "code_splitting", r.Recommendations[0].Category)
	assert.Equal(t, PriorityHigh, r.Recommendations[0].Priority)
	assert.Equal(t, "testing", r.Recommendations[1].Category)
	assert.Equal(t, PriorityMedium, r.Recommendations[1].Priority)
	assert.Equal(t, "prefetch", r.Recommendations[2].Category)
	assert.Equal(t, "open_menu", r.Recommendations[2].Target)
}

func TestBuildHealthyMetrics(t *testing.T) {
	src := &fakeSource{stats: []store.SampleStat{
		{MetricType: "bundle_size", Avg: 500},
		{MetricType: "test_coverage", Avg: 80},
		{MetricType: "lighthouse_score", Avg: 90},
	}}
	r, err := Build(context.Background(), src, 7*24*time.Hour, now, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, r.PeriodDays)
	assert.Empty(t, r.Recommendations)
}

func TestBuildSourceError(t *testing.T) {
	boom := &store.PersistenceError{Op: "metric summaries", Err: errors.New("disk")}
	_, err := Build(context.Background(), &fakeSource{err: boom}, 0, now, nil)
	var pe *store.PersistenceError
	assert.ErrorAs(t, err, &pe)
}

func TestWrite(t *testing.T) {
	r, err := Build(context.Background(), &fakeSource{}, 0, now, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "reports", FileName(now))
	require.NoError(t, Write(path, r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"period_days\": 30")
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []any{}, decoded["recommendations"])
	assert.Equal(t, "report-20260331-000000.json", filepath.Base(path))
}
