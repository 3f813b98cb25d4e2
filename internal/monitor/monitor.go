// Package monitor verifies applied optimizations once their cooldown has
// elapsed and confirms or rolls them back based on the measured outcome.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/KafClaw/autotune/internal/applier"
	"github.com/KafClaw/autotune/internal/collector"
	"github.com/KafClaw/autotune/internal/store"
)

// MonitorError reports a failed re-measurement.
type MonitorError struct {
	RecordID string
	Target   string
	Attempt  int
	Err      error
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("monitor %s (%s) attempt %d: %v", e.RecordID, e.Target, e.Attempt, e.Err)
}

func (e *MonitorError) Unwrap() error { return e.Err }

// Measurer re-measures a metric for a target.
type Measurer interface {
	Measure(ctx context.Context, metricType, target string, mctx collector.MeasureContext) (store.MetricSample, error)
}

// Ledger is the store surface the monitor needs.
type Ledger interface {
	DueForMonitoring(ctx context.Context, now time.Time) ([]*store.OptimizationRecord, error)
	IncrementMonitorAttempts(ctx context.Context, id string) (int, error)
	Transition(ctx context.Context, id string, from store.State, t store.Transition) (*store.OptimizationRecord, error)
}

// Rollbacker restores a record's backup and rolls it back.
type Rollbacker interface {
	Rollback(ctx context.Context, rec *store.OptimizationRecord, reason string, actual, score *float64) (*store.OptimizationRecord, error)
}

// Options configures verification.
type Options struct {
	MaxAttempts    int
	MinScore       float64
	MinImprovement float64
}

// Monitor checks records in state monitoring.
type Monitor struct {
	measurer Measurer
	ledger   Ledger
	rollback Rollbacker
	opts     Options
	now      func() time.Time
}

// New creates a Monitor.
func New(m Measurer, ledger Ledger, rb Rollbacker, opts Options) *Monitor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.5
	}
	if opts.MinImprovement <= 0 {
		opts.MinImprovement = 0.3
	}
	return &Monitor{measurer: m, ledger: ledger, rollback: rb, opts: opts, now: time.Now}
}

// SetClock overrides the clock used for due checks.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Score computes the realised improvement ratio and success score.
// expected is the absolute improvement predicted in metric units.
func Score(baseline, measured, expected float64) (actual, score float64) {
	actual = (baseline - measured) / baseline
	ratio := expected / baseline
	switch {
	case ratio > 0:
		score = math.Min(1, actual/ratio)
	case actual <= 0:
		score = 0
	default:
		score = 1
	}
	return actual, math.Max(0, score)
}

// Due reports whether rec's cooldown has elapsed.
func (m *Monitor) Due(rec *store.OptimizationRecord) bool {
	return rec.State == store.StateMonitoring && (rec.CooldownUntil == nil || !rec.CooldownUntil.After(m.now()))
}

// Check evaluates one monitoring record. A record whose cooldown has not
// elapsed is returned unchanged. A failed measurement returns the record
// with a *MonitorError, or the rolled-back record once attempts run out.
// Once a measurement is in hand the resulting bookkeeping is not
// interrupted by ctx cancellation.
func (m *Monitor) Check(ctx context.Context, rec *store.OptimizationRecord) (*store.OptimizationRecord, error) {
	if rec.State != store.StateMonitoring {
		return rec, fmt.Errorf("record %s is %s, not monitoring", rec.ID, rec.State)
	}
	if !m.Due(rec) {
		return rec, nil
	}

	var since time.Time
	if rec.AppliedAt != nil {
		since = *rec.AppliedAt
	}
	sample, err := m.measurer.Measure(ctx, rec.MetricType, rec.Target, collector.MeasureContext{Since: since})
	if err == nil && rec.Baseline <= 0 {
		err = fmt.Errorf("baseline %v is not positive", rec.Baseline)
	}
	if err != nil {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		return m.measurementFailed(context.WithoutCancel(ctx), rec, err)
	}
	ctx = context.WithoutCancel(ctx)

	actual, score := Score(rec.Baseline, sample.Value, rec.ExpectedImprovement)
	log := slog.With("record", rec.ID, "target", rec.Target, "baseline", rec.Baseline, "measured", sample.Value,
		"actual", actual, "score", score)

	var reason string
	switch {
	case actual < 0:
		reason = store.ReasonRegression
	case score < m.opts.MinScore || actual < m.opts.MinImprovement:
		reason = store.ReasonInsufficient
	}
	if reason != "" {
		log.Warn("Monitor: rolling back", "reason", reason)
		rolled, err := m.rollback.Rollback(ctx, rec, reason, &actual, &score)
		if err != nil {
			return rec, restoreFailed(rec, err)
		}
		return rolled, nil
	}

	confirmed, err := m.ledger.Transition(ctx, rec.ID, store.StateMonitoring, store.Transition{
		To: store.StateConfirmed, Actual: &actual, Score: &score,
	})
	if err != nil {
		return rec, err
	}
	log.Info("Monitor: optimization confirmed")
	return confirmed, nil
}

func (m *Monitor) measurementFailed(ctx context.Context, rec *store.OptimizationRecord, cause error) (*store.OptimizationRecord, error) {
	attempts, err := m.ledger.IncrementMonitorAttempts(ctx, rec.ID)
	if err != nil {
		return rec, err
	}
	merr := &MonitorError{RecordID: rec.ID, Target: rec.Target, Attempt: attempts, Err: cause}
	if attempts < m.opts.MaxAttempts {
		slog.Warn("Monitor: re-measurement failed", "record", rec.ID, "attempt", attempts, "error", cause)
		updated := *rec
		updated.MonitorAttempts = attempts
		return &updated, merr
	}
	slog.Warn("Monitor: giving up, rolling back", "record", rec.ID, "attempts", attempts, "error", cause)
	rolled, err := m.rollback.Rollback(ctx, rec, store.ReasonUnmeasurable, nil, nil)
	if err != nil {
		return rec, errors.Join(merr, restoreFailed(rec, err))
	}
	return rolled, merr
}

// restoreFailed logs a rollback whose backup could not be written back.
// The record stays in monitoring and is retried on the next run.
func restoreFailed(rec *store.OptimizationRecord, err error) error {
	var re *applier.RestoreError
	if errors.As(err, &re) {
		slog.Error("Monitor: backup restore failed, record left in monitoring", "record", rec.ID, "target", rec.Target, "error", err)
	}
	return err
}

// Result summarises one Run.
type Result struct {
	Confirmed  []*store.OptimizationRecord
	RolledBack []*store.OptimizationRecord
	Failed     []*MonitorError
	// RestoreFailed holds records that should have been rolled back but
	// whose backup could not be restored.
	RestoreFailed []*store.OptimizationRecord
}

// Run checks every due record. Per-record failures are collected in the
// result; a persistence failure stops the run and is returned.
func (m *Monitor) Run(ctx context.Context) (Result, error) {
	var res Result
	due, err := m.ledger.DueForMonitoring(ctx, m.now())
	if err != nil {
		return res, err
	}
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := m.Check(ctx, rec)
		if err != nil {
			var pe *store.PersistenceError
			if errors.As(err, &pe) {
				return res, err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			var re *applier.RestoreError
			if errors.As(err, &re) {
				res.RestoreFailed = append(res.RestoreFailed, out)
			}
			var merr *MonitorError
			if !errors.As(err, &merr) {
				merr = &MonitorError{RecordID: rec.ID, Target: rec.Target, Attempt: rec.MonitorAttempts, Err: err}
			}
			res.Failed = append(res.Failed, merr)
		}
		switch out.State {
		case store.StateConfirmed:
			res.Confirmed = append(res.Confirmed, out)
		case store.StateRolledBack:
			res.RolledBack = append(res.RolledBack, out)
		}
	}
	if len(due) > 0 {
		slog.Info("Monitor: run finished", "due", len(due), "confirmed", len(res.Confirmed),
			"rolled_back", len(res.RolledBack), "failed", len(res.Failed), "restore_failed", len(res.RestoreFailed))
	}
	return res, nil
}
