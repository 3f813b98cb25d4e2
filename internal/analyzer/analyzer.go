// Package analyzer mines recurring performance patterns from the telemetry
// held in the store. Results are a pure function of the analysis window.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/KafClaw/autotune/internal/store"
)

// Kind names a pattern class.
type Kind string

const (
	KindSlow           Kind = "slow"
	KindFrequentAction Kind = "frequent_action"
	KindOversizedChunk Kind = "oversized_chunk"
)

// Pattern is a mined recurring behavior.
type Pattern struct {
	Kind       Kind    `json:"kind"`
	Target     string  `json:"target"`
	AvgValue   float64 `json:"avg_value"`
	Count      int     `json:"count"`
	Confidence float64 `json:"confidence"`
	Unit       string  `json:"unit"`
}

// Window is the trailing interval (End-Length, End].
type Window struct {
	End    time.Time
	Length time.Duration
}

// Start returns the exclusive lower bound of the window.
func (w Window) Start() time.Time {
	return w.End.Add(-w.Length)
}

// AnalysisError reports that one pattern class could not be computed.
type AnalysisError struct {
	Class Kind
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analyze %s: %v", e.Class, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// AnalysisErrors extracts the per-class failures from an Analyze error.
func AnalysisErrors(err error) []*AnalysisError {
	if err == nil {
		return nil
	}
	var out []*AnalysisError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, AnalysisErrors(e)...)
		}
		return out
	}
	var ae *AnalysisError
	if errors.As(err, &ae) {
		out = append(out, ae)
	}
	return out
}

// Source is the read side of the store the analyzer aggregates over.
type Source interface {
	TargetDurations(ctx context.Context, from, to time.Time) ([]store.TargetStat, error)
	ActionCounts(ctx context.Context, from, to time.Time) ([]store.ActionStat, error)
	SampleStats(ctx context.Context, metricType string, from, to time.Time) ([]store.SampleStat, error)
}

// Cache stores computed pattern sets with a freshness timestamp.
type Cache interface {
	GetCache(ctx context.Context, key string) ([]byte, time.Time, error)
	PutCache(ctx context.Context, key string, payload []byte, computedAt time.Time) error
}

// Options holds the mining thresholds.
type Options struct {
	SlowThresholdMs float64
	MinSupport      int
	TopActions      int
	ChunkLimitKB    float64
	// CacheTTL bounds how long a cached result for the same window is
	// reused. Zero disables caching.
	CacheTTL time.Duration
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		SlowThresholdMs: 100,
		MinSupport:      10,
		TopActions:      10,
		ChunkLimitKB:    500,
	}
}

// Analyzer computes patterns from a Source.
type Analyzer struct {
	src   Source
	cache Cache
	opts  Options
	now   func() time.Time
}

// New creates an Analyzer. cache may be nil.
func New(src Source, cache Cache, opts Options) *Analyzer {
	def := DefaultOptions()
	if opts.SlowThresholdMs <= 0 {
		opts.SlowThresholdMs = def.SlowThresholdMs
	}
	if opts.MinSupport <= 0 {
		opts.MinSupport = def.MinSupport
	}
	if opts.TopActions <= 0 {
		opts.TopActions = def.TopActions
	}
	if opts.ChunkLimitKB <= 0 {
		opts.ChunkLimitKB = def.ChunkLimitKB
	}
	return &Analyzer{src: src, cache: cache, opts: opts, now: time.Now}
}

// SetClock overrides the clock used for cache freshness.
func (a *Analyzer) SetClock(now func() time.Time) {
	a.now = now
}

// Analyze mines every pattern class over w. A failing class is skipped and
// reported in the returned error (see AnalysisErrors) alongside the patterns
// of the classes that succeeded.
func (a *Analyzer) Analyze(ctx context.Context, w Window) ([]Pattern, error) {
	key := cacheKey(w)
	if cached, ok := a.fromCache(ctx, key); ok {
		slog.Debug("Analyzer: using cached patterns", "patterns", len(cached))
		return cached, nil
	}

	var (
		patterns []Pattern
		errs     []error
	)
	classes := []struct {
		kind Kind
		fn   func(context.Context, Window) ([]Pattern, error)
	}{
		{KindSlow, a.slow},
		{KindFrequentAction, a.frequentActions},
		{KindOversizedChunk, a.oversizedChunks},
	}
	for _, c := range classes {
		ps, err := c.fn(ctx, w)
		if err != nil {
			slog.Warn("Analyzer: pattern class skipped", "class", c.kind, "error", err)
			errs = append(errs, &AnalysisError{Class: c.kind, Err: err})
			continue
		}
		patterns = append(patterns, ps...)
	}

	if len(errs) == 0 {
		a.toCache(ctx, key, patterns)
	}
	slog.Info("Analyzer: analysis finished", "patterns", len(patterns), "failed_classes", len(errs))
	return patterns, errors.Join(errs...)
}

func (a *Analyzer) confidence(count int) float64 {
	return math.Min(1, float64(count)/float64(2*a.opts.MinSupport))
}

func (a *Analyzer) slow(ctx context.Context, w Window) ([]Pattern, error) {
	stats, err := a.src.TargetDurations(ctx, w.Start(), w.End)
	if err != nil {
		return nil, err
	}
	var out []Pattern
	for _, st := range stats {
		if st.AvgDurationMs > a.opts.SlowThresholdMs && st.Count > a.opts.MinSupport {
			out = append(out, Pattern{
				Kind:       KindSlow,
				Target:     st.Target,
				AvgValue:   st.AvgDurationMs,
				Count:      st.Count,
				Confidence: a.confidence(st.Count),
				Unit:       "ms",
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].AvgValue != out[j].AvgValue {
			return out[i].AvgValue > out[j].AvgValue
		}
		return out[i].Target < out[j].Target
	})
	return out, nil
}

func (a *Analyzer) frequentActions(ctx context.Context, w Window) ([]Pattern, error) {
	stats, err := a.src.ActionCounts(ctx, w.Start(), w.End)
	if err != nil {
		return nil, err
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Action < stats[j].Action
	})
	if len(stats) > a.opts.TopActions {
		stats = stats[:a.opts.TopActions]
	}
	out := make([]Pattern, 0, len(stats))
	for _, st := range stats {
		out = append(out, Pattern{
			Kind:       KindFrequentAction,
			Target:     st.Action,
			AvgValue:   st.AvgDurationMs,
			Count:      st.Count,
			Confidence: a.confidence(st.Count),
			Unit:       "ms",
		})
	}
	return out, nil
}

func (a *Analyzer) oversizedChunks(ctx context.Context, w Window) ([]Pattern, error) {
	stats, err := a.src.SampleStats(ctx, "chunk_size", w.Start(), w.End)
	if err != nil {
		return nil, err
	}
	var out []Pattern
	for _, st := range stats {
		if st.Avg <= a.opts.ChunkLimitKB {
			continue
		}
		out = append(out, Pattern{
			Kind:       KindOversizedChunk,
			Target:     st.Target,
			AvgValue:   st.Avg,
			Count:      st.Count,
			Confidence: 1,
			Unit:       "KB",
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgValue != out[j].AvgValue {
			return out[i].AvgValue > out[j].AvgValue
		}
		return out[i].Target < out[j].Target
	})
	return out, nil
}

func cacheKey(w Window) string {
	return fmt.Sprintf("patterns:%d:%d", w.End.UnixNano(), int64(w.Length))
}

func (a *Analyzer) fromCache(ctx context.Context, key string) ([]Pattern, bool) {
	if a.cache == nil || a.opts.CacheTTL <= 0 {
		return nil, false
	}
	payload, computedAt, err := a.cache.GetCache(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Analyzer: cache read failed", "error", err)
		}
		return nil, false
	}
	if a.now().Sub(computedAt) > a.opts.CacheTTL {
		return nil, false
	}
	var ps []Pattern
	if err := json.Unmarshal(payload, &ps); err != nil {
		slog.Warn("Analyzer: cache entry unreadable", "error", err)
		return nil, false
	}
	return ps, true
}

func (a *Analyzer) toCache(ctx context.Context, key string, ps []Pattern) {
	if a.cache == nil || a.opts.CacheTTL <= 0 {
		return
	}
	payload, err := json.Marshal(ps)
	if err != nil {
		return
	}
	if err := a.cache.PutCache(ctx, key, payload, a.now()); err != nil {
		slog.Warn("Analyzer: cache write failed", "error", err)
	}
}

// ByKind filters patterns of one kind, preserving order.
func ByKind(ps []Pattern, k Kind) []Pattern {
	var out []Pattern
	for _, p := range ps {
		if p.Kind == k {
			out = append(out, p)
		}
	}
	return out
}
