package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/KafClaw/autotune/internal/harness"
	"github.com/KafClaw/autotune/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSink struct {
	mu           sync.Mutex
	batches      [][]store.MetricSample
	interactions []store.InteractionRecord
	err          error
}

func (s *fakeSink) AppendSamples(_ context.Context, samples []store.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]store.MetricSample(nil), samples...))
	return nil
}

func (s *fakeSink) AppendInteractions(_ context.Context, recs []store.InteractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.interactions = append(s.interactions, recs...)
	return nil
}

type stubProbe struct {
	name, metric string
	value        float64
	err          error
	block        bool
}

func (p *stubProbe) Name() string       { return p.name }
func (p *stubProbe) MetricType() string { return p.metric }
func (p *stubProbe) Measure(ctx context.Context, target string, _ MeasureContext) (store.MetricSample, error) {
	if p.block {
		<-ctx.Done()
		return store.MetricSample{}, ctx.Err()
	}
	if p.err != nil {
		return store.MetricSample{}, p.err
	}
	return store.MetricSample{Value: p.value, Unit: "u"}, nil
}

func TestCollectIsolatesProbeFailures(t *testing.T) {
	sink := &fakeSink{}
	var failed []string
	var mu sync.Mutex
	c := New(sink, Options{
		ProbeTimeout: 100 * time.Millisecond,
		OnProbeError: func(p string) { mu.Lock(); failed = append(failed, p); mu.Unlock() },
	})
	c.Register(&stubProbe{name: "good", metric: "m_good", value: 42}, KindApp)
	c.Register(&stubProbe{name: "broken", metric: "m_broken", err: errors.New("boom")}, KindApp)
	c.Register(&stubProbe{name: "hung", metric: "m_hung", block: true}, KindApp)
	c.Register(&stubProbe{name: "component_only", metric: "m_comp", value: 1}, KindComponent)

	res, err := c.Collect(context.Background(), []Target{{Name: "app", Kind: KindApp}})
	require.NoError(t, err)

	require.Len(t, res.Samples, 1)
	assert.Equal(t, "m_good", res.Samples[0].MetricType)
	assert.Equal(t, "app", res.Samples[0].Target)
	assert.False(t, res.Samples[0].Timestamp.IsZero())

	require.Len(t, res.Errors, 2)
	assert.ElementsMatch(t, []string{"broken", "hung"}, failed)
	for _, pe := range res.Errors {
		if pe.Probe == "hung" {
			assert.ErrorIs(t, pe, context.DeadlineExceeded)
		}
	}

	require.Len(t, sink.batches, 1, "samples are written in one batch")
	assert.Len(t, sink.batches[0], 1)
}

func TestCollectPersistenceFailureSurfaces(t *testing.T) {
	sink := &fakeSink{err: &store.PersistenceError{Op: "append samples", Err: errors.New("disk full")}}
	c := New(sink, Options{})
	c.Register(&stubProbe{name: "good", metric: "m", value: 1}, KindApp)

	_, err := c.Collect(context.Background(), []Target{{Name: "app", Kind: KindApp}})
	var pe *store.PersistenceError
	assert.ErrorAs(t, err, &pe)
}

func TestMeasureUsesOwningProbe(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, Options{})
	c.Register(&stubProbe{name: "good", metric: "m", value: 7}, KindApp)

	s, err := c.Measure(context.Background(), "m", "Foo", MeasureContext{})
	require.NoError(t, err)
	assert.Equal(t, 7.0, s.Value)
	assert.Equal(t, "Foo", s.Target)
	require.Len(t, sink.batches, 1)

	_, err = c.Measure(context.Background(), "unknown", "Foo", MeasureContext{})
	var pe *ProbeError
	assert.ErrorAs(t, err, &pe)
}

func TestRecordInteractionsDropsInvalid(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink, Options{})
	n, err := c.RecordInteractions(context.Background(), []store.InteractionRecord{
		{Action: "click", Target: "Foo", DurationMs: 120},
		{},
		{Action: "click", Target: "Foo", DurationMs: -1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.interactions, 1)
	assert.False(t, sink.interactions[0].Timestamp.IsZero())
}

type fakeInteractions struct {
	avg     float64
	n       int
	targets []string
	since   time.Time
}

func (f *fakeInteractions) TargetInteractionStats(_ context.Context, _ string, since, _ time.Time) (float64, int, error) {
	f.since = since
	return f.avg, f.n, nil
}

func (f *fakeInteractions) ActiveTargets(context.Context, time.Time, time.Time) ([]string, error) {
	return f.targets, nil
}

func TestTimingProbe(t *testing.T) {
	src := &fakeInteractions{avg: 180, n: 3, targets: []string{"Foo", "Bar"}}
	p := NewTimingProbe(src, 7*24*time.Hour, 5)

	_, err := p.Measure(context.Background(), "Foo", MeasureContext{})
	assert.ErrorIs(t, err, ErrInsufficientData)

	src.n = 12
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s, err := p.Measure(context.Background(), "Foo", MeasureContext{Since: since})
	require.NoError(t, err)
	assert.Equal(t, 180.0, s.Value)
	assert.Equal(t, since, src.since)

	targets, err := p.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Target{{Name: "Foo", Kind: KindComponent}, {Name: "Bar", Kind: KindComponent}}, targets)
}

const buildOutput = `
Route (pages)                              Size     First Load JS
chunk framework 45.2 kB
chunk main 612.5 kB
chunk vendors 1.2 MB
dist/assets/index.js   812.40 kB │ gzip: 240.10 kB
`

func TestParseBuildOutput(t *testing.T) {
	size, ok := ParseBundleSize(buildOutput)
	require.True(t, ok)
	assert.InDelta(t, 240.10, size, 0.001)

	chunks := ParseChunks(buildOutput)
	assert.InDelta(t, 45.2, chunks["framework"], 0.001)
	assert.InDelta(t, 612.5, chunks["main"], 0.001)
	assert.InDelta(t, 1.2*1024, chunks["vendors"], 0.001)

	size, ok = ParseBundleSize("bundle 1.5 MB, legacy 300 kB")
	require.True(t, ok)
	assert.InDelta(t, 1536, size, 0.001)

	cov, ok := ParseCoverage("File | % Stmts\nAll files |   81.25 | 70 |")
	require.True(t, ok)
	assert.Equal(t, 81.25, cov)

	score, ok := ParseLighthouse(`{"performance": 0.91}`)
	require.True(t, ok)
	assert.InDelta(t, 91, score, 0.001)
}

func TestBuildProbesShareHarnessRun(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "build.txt")
	require.NoError(t, os.WriteFile(out, []byte(buildOutput), 0o644))
	runner := harness.NewRunner(&harness.Suite{Tasks: []harness.Task{
		{ID: harness.TaskBuild, Command: "cat " + out},
	}}, dir, 10*time.Second, time.Minute)

	sink := &fakeSink{}
	c := New(sink, Options{})
	c.Register(NewBundleProbe(runner), KindApp)
	chunks := NewChunkProbe(runner)
	c.Register(chunks, KindChunk)
	c.Register(NewBuildTimeProbe(runner), KindApp)

	targets := append([]Target{{Name: "app", Kind: KindApp}}, c.Discover(context.Background())...)
	assert.Contains(t, targets, Target{Name: "main", Kind: KindChunk})

	res, err := c.Collect(context.Background(), targets)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	byMetric := map[string]int{}
	for _, s := range res.Samples {
		byMetric[s.MetricType]++
	}
	assert.Equal(t, 1, byMetric[MetricBundleSize])
	assert.Equal(t, 3, byMetric[MetricChunkSize])
	assert.Equal(t, 1, byMetric[MetricBuildTime])
}

func TestHealthProbe(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	s, err := NewHealthProbe(ok.URL, ok.Client()).Measure(context.Background(), "app", MeasureContext{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.Value, 0.0)
	assert.Equal(t, "ms", s.Unit)

	_, err = NewHealthProbe(bad.URL, bad.Client()).Measure(context.Background(), "app", MeasureContext{})
	assert.Error(t, err)
}

type mapResolver map[string]string

func (m mapResolver) Resolve(target string) (string, error) {
	if p, ok := m[target]; ok {
		return p, nil
	}
	return "", errors.New("not found")
}

func TestComplexityProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Foo.jsx")
	src := "export default function Foo({ a }) {\n  const [x] = useState(0);\n  if (a) { return null; }\n  return <p>{x}</p>;\n}\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	s, err := NewComplexityProbe(mapResolver{"Foo": path}).Measure(context.Background(), "Foo", MeasureContext{})
	require.NoError(t, err)
	assert.Equal(t, 3.0, s.Value)
}
