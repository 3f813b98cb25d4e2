// Package engine runs the optimization cycle: collect, analyze, plan,
// apply, monitor, and feed outcomes back into the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/KafClaw/autotune/internal/analyzer"
	"github.com/KafClaw/autotune/internal/applier"
	"github.com/KafClaw/autotune/internal/collector"
	"github.com/KafClaw/autotune/internal/metrics"
	"github.com/KafClaw/autotune/internal/monitor"
	"github.com/KafClaw/autotune/internal/planner"
	"github.com/KafClaw/autotune/internal/publish"
	"github.com/KafClaw/autotune/internal/store"
)

// Invalidator drops cached build and test results.
type Invalidator interface {
	Invalidate()
}

// Deps are the components an Engine drives. Publisher, Notifier and Harness
// may be nil.
type Deps struct {
	Store     *store.Store
	Collector *collector.Collector
	Analyzer  *analyzer.Analyzer
	Planner   *planner.Planner
	Applier   *applier.Applier
	Monitor   *monitor.Monitor
	Publisher publish.Publisher
	Notifier  publish.Notifier
	Harness   Invalidator
}

// Options configures an Engine.
type Options struct {
	// Window is the trailing analysis window.
	Window time.Duration
	// Targets are measured every cycle in addition to discovered ones.
	Targets []collector.Target
	// Cooldown is granted to applied records resumed by reconciliation.
	Cooldown time.Duration
	// BackupRetention is how long snapshots of confirmed records are kept.
	BackupRetention time.Duration
}

// CycleSummary reports the outcome of one cycle.
type CycleSummary struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Reconciled      int           `json:"reconciled"`
	Samples         int           `json:"samples"`
	ProbeFailures   int           `json:"probe_failures"`
	Patterns        int           `json:"patterns"`
	AnalysisErrors  int           `json:"analysis_errors"`
	Applied         int           `json:"applied"`
	Confirmed       int           `json:"confirmed"`
	RolledBack      int           `json:"rolled_back"`
	Skipped         int           `json:"skipped"`
	Advisory        int           `json:"advisory"`
	MonitorFailures int           `json:"monitor_failures"`
	RestoreFailures int           `json:"restore_failures"`
	Published       int           `json:"published"`
	Pruned          int           `json:"pruned"`
	Fatal           string        `json:"fatal,omitempty"`

	Plan planner.Plan `json:"-"`
}

// String renders a one-line summary.
func (s CycleSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "applied=%d confirmed=%d rolled_back=%d skipped=%d advisory=%d probe_failures=%d analysis_errors=%d",
		s.Applied, s.Confirmed, s.RolledBack, s.Skipped, s.Advisory, s.ProbeFailures, s.AnalysisErrors)
	if s.RestoreFailures > 0 {
		fmt.Fprintf(&b, " restore_failures=%d", s.RestoreFailures)
	}
	if s.Fatal != "" {
		fmt.Fprintf(&b, " fatal=%q", s.Fatal)
	}
	return b.String()
}

// Engine holds the store handle and every component of the loop. Cycles
// never overlap within one Engine.
type Engine struct {
	d      Deps
	opts   Options
	now    func() time.Time
	tracer trace.Tracer
	mu     sync.Mutex
}

// New creates an Engine.
func New(d Deps, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = 7 * 24 * time.Hour
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 15 * time.Minute
	}
	if opts.BackupRetention <= 0 {
		opts.BackupRetention = 30 * 24 * time.Hour
	}
	return &Engine{
		d:      d,
		opts:   opts,
		now:    time.Now,
		tracer: otel.Tracer("github.com/KafClaw/autotune/internal/engine"),
	}
}

// SetClock overrides the engine clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func isPersistence(err error) bool {
	var pe *store.PersistenceError
	return errors.As(err, &pe)
}

func (e *Engine) phase(ctx context.Context, name string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "autotune."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RunCycle runs one full cycle. Per-unit failures are counted in the
// summary; a persistence failure or cancellation ends the cycle early and
// is returned.
func (e *Engine) RunCycle(ctx context.Context) (CycleSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sum := CycleSummary{StartedAt: e.now()}
	start := time.Now()
	ctx, span := e.phase(ctx, "cycle")

	err := e.runCycle(ctx, &sum)
	sum.Duration = time.Since(start)
	metrics.CycleDuration.Observe(sum.Duration.Seconds())

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		result = "cancelled"
		sum.Fatal = err.Error()
	default:
		result = "failed"
		sum.Fatal = err.Error()
	}
	metrics.CyclesTotal.WithLabelValues(result).Inc()
	span.SetAttributes(
		attribute.Int("autotune.applied", sum.Applied),
		attribute.Int("autotune.confirmed", sum.Confirmed),
		attribute.Int("autotune.rolled_back", sum.RolledBack),
	)
	endSpan(span, err)
	e.refreshGauges(context.WithoutCancel(ctx))

	if err != nil {
		slog.Error("Engine: cycle aborted", "error", err, "summary", sum.String())
	} else {
		slog.Info("Engine: cycle finished", "duration", sum.Duration, "summary", sum.String())
	}
	e.notify(context.WithoutCancel(ctx), sum)
	return sum, err
}

func (e *Engine) runCycle(ctx context.Context, sum *CycleSummary) error {
	n, err := e.Reconcile(ctx)
	sum.Reconciled = n
	if err != nil {
		return err
	}

	if err := e.collect(ctx, sum); err != nil {
		return err
	}
	patterns, err := e.analyze(ctx, sum)
	if err != nil {
		return err
	}
	plan, err := e.plan(ctx, patterns, sum)
	if err != nil {
		return err
	}
	if err := e.apply(ctx, plan.Selected, sum); err != nil {
		return err
	}
	confirmed, err := e.monitor(ctx, sum)
	if err != nil {
		return err
	}
	e.publish(ctx, confirmed, sum)

	pruned, err := e.d.Store.PruneBackups(ctx, e.now().Add(-e.opts.BackupRetention))
	if err != nil {
		return err
	}
	sum.Pruned = pruned
	return nil
}

func (e *Engine) targets(ctx context.Context) []collector.Target {
	seen := map[collector.Target]bool{}
	var out []collector.Target
	for _, t := range append(append([]collector.Target(nil), e.opts.Targets...), e.d.Collector.Discover(ctx)...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	collector.SortTargets(out)
	return out
}

func (e *Engine) collect(ctx context.Context, sum *CycleSummary) (err error) {
	ctx, span := e.phase(ctx, "collect")
	defer func() { endSpan(span, err) }()

	if e.d.Harness != nil {
		e.d.Harness.Invalidate()
	}
	res, err := e.d.Collector.Collect(ctx, e.targets(ctx))
	sum.Samples = len(res.Samples)
	sum.ProbeFailures = len(res.Errors)
	span.SetAttributes(attribute.Int("autotune.samples", sum.Samples), attribute.Int("autotune.probe_failures", sum.ProbeFailures))
	if err != nil {
		return err
	}
	metrics.SamplesCollected.Add(float64(sum.Samples))
	return nil
}

func (e *Engine) analyze(ctx context.Context, sum *CycleSummary) (_ []analyzer.Pattern, err error) {
	ctx, span := e.phase(ctx, "analyze")
	defer func() { endSpan(span, err) }()

	patterns, aerr := e.d.Analyzer.Analyze(ctx, analyzer.Window{End: e.now(), Length: e.opts.Window})
	if aerr != nil {
		if isPersistence(aerr) || ctx.Err() != nil {
			return nil, aerr
		}
		sum.AnalysisErrors = len(analyzer.AnalysisErrors(aerr))
		span.RecordError(aerr)
	}
	sum.Patterns = len(patterns)
	for _, k := range []analyzer.Kind{analyzer.KindSlow, analyzer.KindFrequentAction, analyzer.KindOversizedChunk} {
		metrics.Patterns.WithLabelValues(string(k)).Set(float64(len(analyzer.ByKind(patterns, k))))
	}
	span.SetAttributes(attribute.Int("autotune.patterns", sum.Patterns))
	return patterns, nil
}

func (e *Engine) plan(ctx context.Context, patterns []analyzer.Pattern, sum *CycleSummary) (_ planner.Plan, err error) {
	ctx, span := e.phase(ctx, "plan")
	defer func() { endSpan(span, err) }()

	plan, err := e.d.Planner.Plan(ctx, patterns)
	if err != nil {
		return plan, err
	}
	sum.Plan = plan
	sum.Advisory = len(plan.Advisory)
	sum.Skipped = len(plan.Skipped)
	metrics.Candidates.WithLabelValues("selected").Add(float64(len(plan.Selected)))
	metrics.Candidates.WithLabelValues("advisory").Add(float64(len(plan.Advisory)))
	metrics.Candidates.WithLabelValues("skipped").Add(float64(len(plan.Skipped)))
	span.SetAttributes(attribute.Int("autotune.selected", len(plan.Selected)))
	return plan, nil
}

func (e *Engine) apply(ctx context.Context, selected []planner.Candidate, sum *CycleSummary) (err error) {
	ctx, span := e.phase(ctx, "apply")
	defer func() { endSpan(span, err) }()

	var fatal error
	for _, out := range e.d.Applier.ApplyAll(ctx, selected) {
		switch {
		case out.Err == nil && out.Record != nil:
			sum.Applied++
		case out.Record != nil && out.Record.State == store.StateRolledBack:
			sum.RolledBack++
			metrics.Outcomes.WithLabelValues(string(store.StateRolledBack), out.Record.RollbackReason).Inc()
		default:
			sum.Skipped++
			if isPersistence(out.Err) && fatal == nil {
				fatal = out.Err
			}
			if !errors.Is(out.Err, applier.ErrAborted) && !errors.Is(out.Err, context.Canceled) {
				slog.Warn("Engine: candidate not applied", "target", out.Candidate.Target, "type", out.Candidate.Type, "error", out.Err)
			}
		}
	}
	if fatal != nil {
		return fatal
	}
	return ctx.Err()
}

func (e *Engine) monitor(ctx context.Context, sum *CycleSummary) (_ []*store.OptimizationRecord, err error) {
	ctx, span := e.phase(ctx, "monitor")
	defer func() { endSpan(span, err) }()

	res, err := e.d.Monitor.Run(ctx)
	sum.Confirmed += len(res.Confirmed)
	sum.RolledBack += len(res.RolledBack)
	sum.MonitorFailures += len(res.Failed)
	sum.RestoreFailures += len(res.RestoreFailed)
	for _, rec := range res.RestoreFailed {
		metrics.Outcomes.WithLabelValues(string(store.StateMonitoring), "restore failed").Inc()
		slog.Error("Engine: rollback could not restore source", "record", rec.ID, "target", rec.Target)
	}
	for range res.Confirmed {
		metrics.Outcomes.WithLabelValues(string(store.StateConfirmed), "").Inc()
	}
	for _, rec := range res.RolledBack {
		metrics.Outcomes.WithLabelValues(string(store.StateRolledBack), rec.RollbackReason).Inc()
	}
	return res.Confirmed, err
}

func (e *Engine) publish(ctx context.Context, confirmed []*store.OptimizationRecord, sum *CycleSummary) {
	if e.d.Publisher == nil || len(confirmed) == 0 {
		return
	}
	ctx, span := e.phase(ctx, "publish")
	defer span.End()
	for _, rec := range confirmed {
		cr, err := publish.FromRecord(rec)
		if err == nil {
			err = e.d.Publisher.Publish(ctx, cr)
		}
		if err != nil {
			span.RecordError(err)
			slog.Warn("Engine: publish failed", "record", rec.ID, "error", err)
			continue
		}
		sum.Published++
	}
}

func (e *Engine) notify(ctx context.Context, sum CycleSummary) {
	if e.d.Notifier == nil {
		return
	}
	if sum.Applied+sum.Confirmed+sum.RolledBack+sum.RestoreFailures == 0 && sum.Fatal == "" {
		return
	}
	if err := e.d.Notifier.Notify(ctx, "autotune cycle: "+sum.String()); err != nil {
		slog.Warn("Engine: notification failed", "error", err)
	}
}

func (e *Engine) refreshGauges(ctx context.Context) {
	counts, err := e.d.Store.CountByState(ctx)
	if err != nil {
		return
	}
	for _, st := range []store.State{store.StatePending, store.StateBackedUp, store.StateApplied,
		store.StateMonitoring, store.StateConfirmed, store.StateRolledBack} {
		metrics.RecordsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// Reconcile resolves records left mid-flight by an interrupted process:
// backed_up records are restored and rolled back, applied records resume
// monitoring with a fresh cooldown. Monitoring records are left for the
// Monitor. Nothing is re-applied. A record's resolution is not interrupted
// by ctx cancellation once started.
func (e *Engine) Reconcile(ctx context.Context) (n int, err error) {
	ctx, span := e.phase(ctx, "reconcile")
	defer func() { endSpan(span, err) }()

	recs, err := e.d.Store.ListRecords(ctx, store.RecordFilter{
		States: []store.State{store.StatePending, store.StateBackedUp, store.StateApplied},
	})
	if err != nil {
		return 0, err
	}
	bg := context.WithoutCancel(ctx)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		log := slog.With("record", rec.ID, "target", rec.Target, "state", rec.State)
		switch rec.State {
		case store.StatePending:
			_, err = e.d.Store.Transition(bg, rec.ID, store.StatePending, store.Transition{
				To: store.StateRolledBack, Reason: store.ReasonInterrupted,
			})
		case store.StateBackedUp:
			_, err = e.d.Applier.Rollback(bg, rec, store.ReasonInterrupted, nil, nil)
		case store.StateApplied:
			until := e.now().Add(e.opts.Cooldown)
			_, err = e.d.Store.Transition(bg, rec.ID, store.StateApplied, store.Transition{
				To: store.StateMonitoring, CooldownUntil: &until,
			})
		}
		if err != nil {
			if isPersistence(err) {
				return n, err
			}
			log.Error("Engine: reconciliation failed", "error", err)
			continue
		}
		log.Info("Engine: reconciled interrupted record")
		n++
	}
	return n, nil
}

// Preview analyzes the current window and plans without applying anything.
func (e *Engine) Preview(ctx context.Context) (planner.Plan, error) {
	patterns, err := e.d.Analyzer.Analyze(ctx, analyzer.Window{End: e.now(), Length: e.opts.Window})
	if err != nil && (isPersistence(err) || ctx.Err() != nil) {
		return planner.Plan{}, err
	}
	return e.d.Planner.Plan(ctx, patterns)
}
