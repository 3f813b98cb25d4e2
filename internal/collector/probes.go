package collector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/autotune/internal/harness"
	"github.com/KafClaw/autotune/internal/jsast"
	"github.com/KafClaw/autotune/internal/store"
)

// Metric types produced by the built-in probes.
const (
	MetricInteractionDuration = "interaction_duration"
	MetricBundleSize          = "bundle_size"
	MetricChunkSize           = "chunk_size"
	MetricBuildTime           = "build_time"
	MetricTestCoverage        = "test_coverage"
	MetricLighthouse          = "lighthouse_score"
	MetricHealthLatency       = "health_latency"
	MetricComplexity          = "complexity"
)

// ---------------------------------------------------------------------------
// Timing – interaction latency per component
// ---------------------------------------------------------------------------

// InteractionSource is the read side the timing probe needs.
type InteractionSource interface {
	TargetInteractionStats(ctx context.Context, target string, since, until time.Time) (float64, int, error)
	ActiveTargets(ctx context.Context, since, until time.Time) ([]string, error)
}

// TimingProbe reports the mean interaction duration of a component.
type TimingProbe struct {
	src        InteractionSource
	window     time.Duration
	minSamples int
	now        func() time.Time
}

// NewTimingProbe creates a TimingProbe. minSamples is the number of
// interactions needed before a mean is reported.
func NewTimingProbe(src InteractionSource, window time.Duration, minSamples int) *TimingProbe {
	if minSamples <= 0 {
		minSamples = 1
	}
	return &TimingProbe{src: src, window: window, minSamples: minSamples, now: time.Now}
}

// SetClock overrides the clock bounding the measurement window.
func (p *TimingProbe) SetClock(now func() time.Time) {
	p.now = now
}

func (p *TimingProbe) Name() string       { return "timing" }
func (p *TimingProbe) MetricType() string { return MetricInteractionDuration }

// Measure averages interactions in (Since, now]; Since defaults to the window start.
func (p *TimingProbe) Measure(ctx context.Context, target string, mctx MeasureContext) (store.MetricSample, error) {
	now := p.now()
	since := mctx.Since
	if since.IsZero() {
		since = now.Add(-p.window)
	}
	avg, n, err := p.src.TargetInteractionStats(ctx, target, since, now)
	if err != nil {
		return store.MetricSample{}, err
	}
	if n < p.minSamples {
		return store.MetricSample{}, fmt.Errorf("%w: %d of %d interactions", ErrInsufficientData, n, p.minSamples)
	}
	return store.MetricSample{
		Value:   avg,
		Unit:    "ms",
		Context: map[string]any{"samples": n, "since": since.UTC().Format(time.RFC3339)},
	}, nil
}

// Discover lists components with interactions in the window.
func (p *TimingProbe) Discover(ctx context.Context) ([]Target, error) {
	now := p.now()
	names, err := p.src.ActiveTargets(ctx, now.Add(-p.window), now)
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(names))
	for _, n := range names {
		out = append(out, Target{Name: n, Kind: KindComponent})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Build output – bundle, chunks, build time, coverage, lighthouse
// ---------------------------------------------------------------------------

// TaskRunner is the harness surface the build probes need.
type TaskRunner interface {
	Run(ctx context.Context, taskID string) (harness.Result, error)
}

var (
	sizePattern     = regexp.MustCompile(`(\d+\.?\d*)\s*(kb|mb)`)
	chunkPattern    = regexp.MustCompile(`chunk\s+(\w+).*?(\d+\.?\d*)\s*(kb|mb)`)
	coveragePattern = regexp.MustCompile(`All files[^\d\n]*(\d+\.?\d*)`)
	lighthousePat   = regexp.MustCompile(`(?i)performance["'\s:]+(\d+\.?\d*)`)
)

func toKB(value, unit string) float64 {
	v, _ := strconv.ParseFloat(value, 64)
	if unit == "mb" {
		return v * 1024
	}
	return v
}

// ParseBundleSize extracts the total bundle size in KB: the first size on a
// "gzip:" line (the size after the marker), or else the largest size
// mentioned anywhere.
func ParseBundleSize(output string) (float64, bool) {
	lower := strings.ToLower(output)
	for _, line := range strings.Split(lower, "\n") {
		if !strings.Contains(line, "gzip:") {
			continue
		}
		if m := sizePattern.FindStringSubmatch(line[strings.Index(line, "gzip:"):]); m != nil {
			return toKB(m[1], m[2]), true
		}
	}
	best, found := 0.0, false
	for _, m := range sizePattern.FindAllStringSubmatch(lower, -1) {
		if kb := toKB(m[1], m[2]); kb > best {
			best, found = kb, true
		}
	}
	return best, found
}

// ParseChunks extracts per-chunk sizes in KB from build output.
func ParseChunks(output string) map[string]float64 {
	out := map[string]float64{}
	for _, line := range strings.Split(strings.ToLower(output), "\n") {
		if m := chunkPattern.FindStringSubmatch(line); m != nil {
			out[m[1]] = toKB(m[2], m[3])
		}
	}
	return out
}

// ParseCoverage extracts the overall coverage percentage.
func ParseCoverage(output string) (float64, bool) {
	m := coveragePattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

// ParseLighthouse extracts the performance score on a 0-100 scale.
func ParseLighthouse(output string) (float64, bool) {
	m := lighthousePat.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if v <= 1 {
		v *= 100
	}
	return v, true
}

// BuildProbe derives one metric from the output of a harness task.
type BuildProbe struct {
	name   string
	metric string
	unit   string
	task   string
	runner TaskRunner
	parse  func(target string, res harness.Result) (float64, error)
	// discover lists targets from the task output, when set.
	discover func(res harness.Result) []Target
}

func (p *BuildProbe) Name() string       { return p.name }
func (p *BuildProbe) MetricType() string { return p.metric }

// Measure runs (or reuses) the harness task and parses its output.
func (p *BuildProbe) Measure(ctx context.Context, target string, _ MeasureContext) (store.MetricSample, error) {
	res, err := p.runner.Run(ctx, p.task)
	if err != nil {
		return store.MetricSample{}, err
	}
	if !res.Success {
		return store.MetricSample{}, fmt.Errorf("task %s failed: %s", p.task, res.Error)
	}
	v, err := p.parse(target, res)
	if err != nil {
		return store.MetricSample{}, err
	}
	return store.MetricSample{Value: v, Unit: p.unit, Context: map[string]any{"task": p.task}}, nil
}

// Discover lists targets found in the task output.
func (p *BuildProbe) Discover(ctx context.Context) ([]Target, error) {
	if p.discover == nil {
		return nil, nil
	}
	res, err := p.runner.Run(ctx, p.task)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("task %s failed: %s", p.task, res.Error)
	}
	return p.discover(res), nil
}

// NewBundleProbe measures total bundle size (KB) from the build task.
func NewBundleProbe(r TaskRunner) *BuildProbe {
	return &BuildProbe{
		name: "bundle", metric: MetricBundleSize, unit: "KB", task: harness.TaskBuild, runner: r,
		parse: func(_ string, res harness.Result) (float64, error) {
			if v, ok := ParseBundleSize(res.Output); ok {
				return v, nil
			}
			return 0, fmt.Errorf("%w: no bundle size in build output", ErrInsufficientData)
		},
	}
}

// NewChunkProbe measures the size (KB) of a named chunk and discovers chunk
// targets from the build task.
func NewChunkProbe(r TaskRunner) *BuildProbe {
	return &BuildProbe{
		name: "chunks", metric: MetricChunkSize, unit: "KB", task: harness.TaskBuild, runner: r,
		parse: func(target string, res harness.Result) (float64, error) {
			if v, ok := ParseChunks(res.Output)[strings.ToLower(target)]; ok {
				return v, nil
			}
			return 0, fmt.Errorf("%w: chunk %s not in build output", ErrInsufficientData, target)
		},
		discover: func(res harness.Result) []Target {
			var out []Target
			for name := range ParseChunks(res.Output) {
				out = append(out, Target{Name: name, Kind: KindChunk})
			}
			SortTargets(out)
			return out
		},
	}
}

// NewBuildTimeProbe reports the build task duration in seconds.
func NewBuildTimeProbe(r TaskRunner) *BuildProbe {
	return &BuildProbe{
		name: "build_time", metric: MetricBuildTime, unit: "s", task: harness.TaskBuild, runner: r,
		parse: func(_ string, res harness.Result) (float64, error) {
			return res.Duration.Seconds(), nil
		},
	}
}

// NewCoverageProbe reports overall test coverage from the test task.
func NewCoverageProbe(r TaskRunner) *BuildProbe {
	return &BuildProbe{
		name: "coverage", metric: MetricTestCoverage, unit: "%", task: harness.TaskTest, runner: r,
		parse: func(_ string, res harness.Result) (float64, error) {
			if v, ok := ParseCoverage(res.Output); ok {
				return v, nil
			}
			return 0, fmt.Errorf("%w: no coverage summary in test output", ErrInsufficientData)
		},
	}
}

// NewLighthouseProbe reports the performance score of the named task.
func NewLighthouseProbe(r TaskRunner, task string) *BuildProbe {
	return &BuildProbe{
		name: "lighthouse", metric: MetricLighthouse, unit: "score", task: task, runner: r,
		parse: func(_ string, res harness.Result) (float64, error) {
			if v, ok := ParseLighthouse(res.Output); ok {
				return v, nil
			}
			return 0, fmt.Errorf("%w: no performance score in output", ErrInsufficientData)
		},
	}
}

// ---------------------------------------------------------------------------
// Health – HTTP latency of the running application
// ---------------------------------------------------------------------------

// HealthProbe measures the latency of a GET against the application.
type HealthProbe struct {
	url    string
	client *http.Client
}

// NewHealthProbe creates a HealthProbe for url.
func NewHealthProbe(url string, client *http.Client) *HealthProbe {
	if client == nil {
		client = &http.Client{}
	}
	return &HealthProbe{url: url, client: client}
}

func (p *HealthProbe) Name() string       { return "health" }
func (p *HealthProbe) MetricType() string { return MetricHealthLatency }

// Measure issues one GET; non-2xx responses fail the measurement.
func (p *HealthProbe) Measure(ctx context.Context, _ string, _ MeasureContext) (store.MetricSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return store.MetricSample{}, err
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return store.MetricSample{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return store.MetricSample{}, fmt.Errorf("health check returned %s", resp.Status)
	}
	return store.MetricSample{
		Value:   float64(elapsed.Microseconds()) / 1000,
		Unit:    "ms",
		Context: map[string]any{"status": resp.StatusCode},
	}, nil
}

// ---------------------------------------------------------------------------
// Complexity – static analysis of component sources
// ---------------------------------------------------------------------------

// Resolver maps a target to its source file.
type Resolver interface {
	Resolve(target string) (string, error)
}

// ComplexityProbe scores a component's source with tree-sitter.
type ComplexityProbe struct {
	resolver Resolver
}

// NewComplexityProbe creates a ComplexityProbe.
func NewComplexityProbe(r Resolver) *ComplexityProbe {
	return &ComplexityProbe{resolver: r}
}

func (p *ComplexityProbe) Name() string       { return "complexity" }
func (p *ComplexityProbe) MetricType() string { return MetricComplexity }

// Measure parses the component source and returns its complexity score.
func (p *ComplexityProbe) Measure(ctx context.Context, target string, _ MeasureContext) (store.MetricSample, error) {
	path, err := p.resolver.Resolve(target)
	if err != nil {
		return store.MetricSample{}, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return store.MetricSample{}, err
	}
	f, err := jsast.Parse(ctx, path, src)
	if err != nil {
		return store.MetricSample{}, err
	}
	defer f.Close()
	return store.MetricSample{
		Value:   float64(f.Complexity()),
		Unit:    "score",
		Context: map[string]any{"path": path},
	}, nil
}
