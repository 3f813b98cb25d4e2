// Package collector gathers metric samples from pluggable probes and is the
// only writer of raw telemetry into the store.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/autotune/internal/store"
)

// TargetKind classifies measurement targets so probes only see targets they
// understand.
type TargetKind string

const (
	KindApp       TargetKind = "app"
	KindComponent TargetKind = "component"
	KindChunk     TargetKind = "chunk"
)

// Target is one thing a probe can measure.
type Target struct {
	Name string     `json:"name"`
	Kind TargetKind `json:"kind"`
}

// MeasureContext bounds a measurement. A zero Since means the probe's own
// default window.
type MeasureContext struct {
	Since time.Time
}

// Probe measures one metric type for a target.
type Probe interface {
	Name() string
	MetricType() string
	Measure(ctx context.Context, target string, mctx MeasureContext) (store.MetricSample, error)
}

// Discoverer is implemented by probes that can enumerate their own targets.
type Discoverer interface {
	Discover(ctx context.Context) ([]Target, error)
}

// ErrInsufficientData is returned by probes that lack enough raw data.
var ErrInsufficientData = errors.New("insufficient data")

// ProbeError reports a failed or timed-out measurement. It never aborts
// collection of other probes.
type ProbeError struct {
	Probe  string
	Target string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s on %s: %v", e.Probe, e.Target, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Sink is the persistence surface the collector writes to.
type Sink interface {
	AppendSamples(ctx context.Context, samples []store.MetricSample) error
	AppendInteractions(ctx context.Context, recs []store.InteractionRecord) error
}

// Options configures a Collector.
type Options struct {
	ProbeTimeout   time.Duration
	MaxConcurrency int
	// OnProbeError is called once per failed measurement.
	OnProbeError func(probe string)
	// OnInteractions is called with the size of each persisted batch.
	OnInteractions func(n int)
}

type registration struct {
	probe Probe
	kinds map[TargetKind]bool
}

// Collector runs registered probes concurrently and persists their samples
// in a single batch.
type Collector struct {
	sink     Sink
	opts     Options
	now      func() time.Time
	mu       sync.RWMutex
	regs     []registration
	byMetric map[string]Probe
}

// New creates a Collector writing to sink.
func New(sink Sink, opts Options) *Collector {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 30 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	return &Collector{
		sink:     sink,
		opts:     opts,
		now:      time.Now,
		byMetric: make(map[string]Probe),
	}
}

// SetClock overrides the clock used to stamp samples.
func (c *Collector) SetClock(now func() time.Time) {
	c.now = now
}

// Register adds a probe for the given target kinds.
func (c *Collector) Register(p Probe, kinds ...TargetKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[TargetKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	c.regs = append(c.regs, registration{probe: p, kinds: set})
	c.byMetric[p.MetricType()] = p
	slog.Debug("Collector: probe registered", "probe", p.Name(), "metric", p.MetricType())
}

// Probes returns the registered probe names.
func (c *Collector) Probes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.regs))
	for _, r := range c.regs {
		out = append(out, r.probe.Name())
	}
	return out
}

// Discover asks every discovering probe for targets. Failures are logged
// and skipped. The result is de-duplicated and sorted.
func (c *Collector) Discover(ctx context.Context) []Target {
	c.mu.RLock()
	regs := append([]registration(nil), c.regs...)
	c.mu.RUnlock()

	seen := map[Target]bool{}
	for _, r := range regs {
		d, ok := r.probe.(Discoverer)
		if !ok {
			continue
		}
		targets, err := d.Discover(ctx)
		if err != nil {
			slog.Warn("Collector: discovery failed", "probe", r.probe.Name(), "error", err)
			continue
		}
		for _, t := range targets {
			seen[t] = true
		}
	}
	out := make([]Target, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	SortTargets(out)
	return out
}

// SortTargets orders targets by kind then name.
func SortTargets(ts []Target) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Kind != ts[j].Kind {
			return ts[i].Kind < ts[j].Kind
		}
		return ts[i].Name < ts[j].Name
	})
}

// Result is the outcome of one Collect call.
type Result struct {
	Samples []store.MetricSample
	Errors  []*ProbeError
}

// Collect runs every (probe, target) pair whose kind matches, each under the
// probe timeout. Probe failures are isolated into Result.Errors; the
// returned error is reserved for the batch write and cancellation.
func (c *Collector) Collect(ctx context.Context, targets []Target) (Result, error) {
	c.mu.RLock()
	regs := append([]registration(nil), c.regs...)
	c.mu.RUnlock()

	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxConcurrency)
	for _, r := range regs {
		for _, t := range targets {
			if !r.kinds[t.Kind] {
				continue
			}
			probe, target := r.probe, t.Name
			g.Go(func() error {
				sample, err := c.measure(gctx, probe, target, MeasureContext{})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					var pe *ProbeError
					errors.As(err, &pe)
					res.Errors = append(res.Errors, pe)
					return nil
				}
				res.Samples = append(res.Samples, sample)
				return nil
			})
		}
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	sort.SliceStable(res.Samples, func(i, j int) bool {
		if res.Samples[i].MetricType != res.Samples[j].MetricType {
			return res.Samples[i].MetricType < res.Samples[j].MetricType
		}
		return res.Samples[i].Target < res.Samples[j].Target
	})
	if err := c.sink.AppendSamples(ctx, res.Samples); err != nil {
		return res, err
	}
	slog.Info("Collector: collection finished", "samples", len(res.Samples), "probe_errors", len(res.Errors))
	return res, nil
}

// Measure runs the probe owning metricType against target and persists the
// sample. A measurement failure is returned as *ProbeError.
func (c *Collector) Measure(ctx context.Context, metricType, target string, mctx MeasureContext) (store.MetricSample, error) {
	c.mu.RLock()
	probe, ok := c.byMetric[metricType]
	c.mu.RUnlock()
	if !ok {
		return store.MetricSample{}, &ProbeError{Probe: metricType, Target: target, Err: fmt.Errorf("no probe for metric %q", metricType)}
	}
	sample, err := c.measure(ctx, probe, target, mctx)
	if err != nil {
		return sample, err
	}
	if err := c.sink.AppendSamples(ctx, []store.MetricSample{sample}); err != nil {
		return sample, err
	}
	return sample, nil
}

type measureResult struct {
	sample store.MetricSample
	err    error
}

func (c *Collector) measure(ctx context.Context, p Probe, target string, mctx MeasureContext) (store.MetricSample, error) {
	pctx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()

	done := make(chan measureResult, 1)
	go func() {
		s, err := p.Measure(pctx, target, mctx)
		done <- measureResult{sample: s, err: err}
	}()

	var r measureResult
	select {
	case r = <-done:
	case <-pctx.Done():
		r.err = pctx.Err()
	}
	if r.err != nil {
		slog.Warn("Collector: probe failed", "probe", p.Name(), "target", target, "error", r.err)
		if c.opts.OnProbeError != nil {
			c.opts.OnProbeError(p.Name())
		}
		return store.MetricSample{}, &ProbeError{Probe: p.Name(), Target: target, Err: r.err}
	}

	s := r.sample
	if s.MetricType == "" {
		s.MetricType = p.MetricType()
	}
	if s.Target == "" {
		s.Target = target
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	return s, nil
}

// RecordInteractions validates and persists a batch of interaction records.
// Records without a target and action are dropped.
func (c *Collector) RecordInteractions(ctx context.Context, recs []store.InteractionRecord) (int, error) {
	valid := recs[:0:0]
	for _, r := range recs {
		if r.Target == "" && r.Action == "" {
			continue
		}
		if r.DurationMs < 0 {
			continue
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = c.now()
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return 0, nil
	}
	if err := c.sink.AppendInteractions(ctx, valid); err != nil {
		return 0, err
	}
	if c.opts.OnInteractions != nil {
		c.opts.OnInteractions(len(valid))
	}
	return len(valid), nil
}
