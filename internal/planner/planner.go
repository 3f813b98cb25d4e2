// Package planner turns mined patterns into ranked optimization candidates
// and decides which of them are applied automatically.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/KafClaw/autotune/internal/analyzer"
	"github.com/KafClaw/autotune/internal/oracle"
	"github.com/KafClaw/autotune/internal/predictor"
	"github.com/KafClaw/autotune/internal/store"
)

// Confidence labels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Reasons a candidate is not selected.
const (
	ReasonBelowThreshold = "success probability at or below threshold"
	ReasonLowConfidence  = "low-confidence prediction"
	ReasonNoStrategy     = "no transform strategy registered"
	ReasonNotTopN        = "outranked by selected candidates"
	ReasonInFlight       = "target has an in-flight optimization"
	ReasonDuplicate      = "target already selected this cycle"
	ReasonRecentlyDone   = "target was optimized within the settle window"
	ReasonRecentlyFailed = "optimization of target was rolled back within the settle window"
)

// Candidate is a proposed optimization. Candidates live only within one
// Plan call.
type Candidate struct {
	Type                 string            `json:"type"`
	Subtype              string            `json:"subtype"`
	Target               string            `json:"target"`
	MetricType           string            `json:"metric_type"`
	Baseline             float64           `json:"baseline"`
	PredictedImprovement float64           `json:"predicted_improvement"`
	SuccessProbability   float64           `json:"success_probability"`
	Priority             float64           `json:"priority"`
	Confidence           string            `json:"confidence"`
	SourcePath           string            `json:"source_path,omitempty"`
	Payload              map[string]string `json:"payload,omitempty"`
	Risks                []string          `json:"risks,omitempty"`
	Reason               string            `json:"reason,omitempty"`
	Pattern              analyzer.Pattern  `json:"pattern"`
}

// Score is the ranking key.
func (c Candidate) Score() float64 {
	return c.Priority * c.SuccessProbability
}

// Plan is the Planner's decision for one cycle.
type Plan struct {
	Selected []Candidate `json:"selected"`
	Advisory []Candidate `json:"advisory"`
	Skipped  []Candidate `json:"skipped"`
}

// Predictor is the prediction surface the planner needs.
type Predictor interface {
	Predict(ctx context.Context, optType, target string, pc predictor.PredictContext) predictor.Prediction
}

// Strategies reports which subtypes can be applied.
type Strategies interface {
	Has(subtype string) bool
}

// Ledger answers whether a target already has an in-flight record and
// what the last finished optimization of a target was.
type Ledger interface {
	InFlight(ctx context.Context, target string) (*store.OptimizationRecord, error)
	LatestCompleted(ctx context.Context, target, optType string) (*store.OptimizationRecord, error)
}

// Options configures selection.
type Options struct {
	TopN           int
	MinProbability float64
	HighConfidence float64
	// SettleWindow is how long a target is left alone after an optimization
	// of the same type finished. Its slow samples stay in the analysis
	// window for about that long.
	SettleWindow time.Duration
}

// Planner ranks and selects candidates.
type Planner struct {
	predictor  Predictor
	strategies Strategies
	ledger     Ledger
	oracle     oracle.Oracle
	opts       Options
	now        func() time.Time
}

// New creates a Planner. ledger and orc may be nil.
func New(p Predictor, strategies Strategies, ledger Ledger, orc oracle.Oracle, opts Options) *Planner {
	if opts.TopN <= 0 {
		opts.TopN = 3
	}
	if opts.MinProbability <= 0 {
		opts.MinProbability = 0.7
	}
	if opts.HighConfidence <= 0 {
		opts.HighConfidence = 0.8
	}
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = 7 * 24 * time.Hour
	}
	return &Planner{predictor: p, strategies: strategies, ledger: ledger, oracle: orc, opts: opts, now: time.Now}
}

// SetClock overrides the planner clock.
func (p *Planner) SetClock(now func() time.Time) {
	p.now = now
}

// Candidates builds one candidate per actionable pattern, ranked by
// priority times success probability (ties by target name).
func (p *Planner) Candidates(ctx context.Context, patterns []analyzer.Pattern) []Candidate {
	var out []Candidate
	for _, pat := range patterns {
		c, ok := p.candidateFor(ctx, pat)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if si, sj := out[i].Score(), out[j].Score(); si != sj {
			return si > sj
		}
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Plan ranks candidates for patterns and selects at most TopN of them for
// automatic application. Only a ledger failure is returned as an error.
func (p *Planner) Plan(ctx context.Context, patterns []analyzer.Pattern) (Plan, error) {
	var plan Plan
	selectedTargets := map[string]bool{}
	for _, c := range p.Candidates(ctx, patterns) {
		switch {
		case c.SuccessProbability <= p.opts.MinProbability:
			c.Reason = ReasonBelowThreshold
			plan.Advisory = append(plan.Advisory, c)
			continue
		case c.Confidence == ConfidenceLow:
			c.Reason = ReasonLowConfidence
			plan.Advisory = append(plan.Advisory, c)
			continue
		case p.strategies == nil || !p.strategies.Has(c.Subtype):
			c.Reason = ReasonNoStrategy
			plan.Advisory = append(plan.Advisory, c)
			continue
		case selectedTargets[c.Target]:
			c.Reason = ReasonDuplicate
			plan.Skipped = append(plan.Skipped, c)
			continue
		}

		reason, err := p.settling(ctx, c)
		if err != nil {
			return plan, err
		}
		if reason != "" {
			c.Reason = reason
			plan.Skipped = append(plan.Skipped, c)
			continue
		}
		inFlight, err := p.inFlight(ctx, c.Target)
		if err != nil {
			return plan, err
		}
		if inFlight {
			c.Reason = ReasonInFlight
			plan.Skipped = append(plan.Skipped, c)
			continue
		}
		if len(plan.Selected) >= p.opts.TopN {
			c.Reason = ReasonNotTopN
			plan.Advisory = append(plan.Advisory, c)
			continue
		}
		selectedTargets[c.Target] = true
		plan.Selected = append(plan.Selected, c)
	}
	slog.Info("Planner: plan ready", "selected", len(plan.Selected), "advisory", len(plan.Advisory), "skipped", len(plan.Skipped))
	return plan, nil
}

func (p *Planner) inFlight(ctx context.Context, target string) (bool, error) {
	if p.ledger == nil {
		return false, nil
	}
	_, err := p.ledger.InFlight(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check in-flight %s: %w", target, err)
	}
	return true, nil
}

// settling returns a skip reason when an optimization of c's type on c's
// target finished within the settle window. Records ended by cancellation
// or interruption never reached the source and do not count.
func (p *Planner) settling(ctx context.Context, c Candidate) (string, error) {
	if p.ledger == nil {
		return "", nil
	}
	last, err := p.ledger.LatestCompleted(ctx, c.Target, c.Type)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check latest %s on %s: %w", c.Type, c.Target, err)
	}
	if last.CompletedAt == nil || !last.CompletedAt.After(p.now().Add(-p.opts.SettleWindow)) {
		return "", nil
	}
	switch {
	case last.State == store.StateConfirmed:
		return ReasonRecentlyDone, nil
	case last.RollbackReason == store.ReasonCancelled || last.RollbackReason == store.ReasonInterrupted:
		return "", nil
	default:
		return ReasonRecentlyFailed, nil
	}
}

func (p *Planner) candidateFor(ctx context.Context, pat analyzer.Pattern) (Candidate, bool) {
	c := Candidate{Target: pat.Target, Pattern: pat, Baseline: pat.AvgValue}
	var pc predictor.PredictContext
	switch pat.Kind {
	case analyzer.KindSlow:
		c.Type, c.Subtype, c.MetricType = predictor.TypeMemoization, "memoization", "interaction_duration"
		c.Priority = math.Min(10, float64(pat.Count)/5)
		pc = predictor.PredictContext{Usage: pat.Count, DurationMs: pat.AvgValue}
	case analyzer.KindOversizedChunk:
		c.Type, c.Subtype, c.MetricType = predictor.TypeCodeSplitting, "code_splitting", "chunk_size"
		c.Priority = 8
		pc = predictor.PredictContext{SizeKB: pat.AvgValue}
	case analyzer.KindFrequentAction:
		c.Type, c.Subtype, c.MetricType = predictor.TypePrefetch, "prefetch", "interaction_duration"
		c.Priority = float64(pat.Count) / 100
		pc = predictor.PredictContext{Usage: pat.Count, Current: pat.AvgValue}
	default:
		return Candidate{}, false
	}

	pred := p.predictor.Predict(ctx, c.Type, c.Target, pc)
	c.SuccessProbability = pred.SuccessProbability
	c.PredictedImprovement = pred.ExpectedImprovement
	switch {
	case pred.LowConfidence:
		c.Confidence = ConfidenceLow
	case c.SuccessProbability > p.opts.HighConfidence:
		c.Confidence = ConfidenceHigh
	default:
		c.Confidence = ConfidenceMedium
	}
	p.consultOracle(ctx, &c)
	return c, true
}

// consultOracle applies the first operation of an external plan as the
// strategy, source file and payload for c.
func (p *Planner) consultOracle(ctx context.Context, c *Candidate) {
	if p.oracle == nil {
		return
	}
	plan, err := p.oracle.PlanFor(ctx, c.Target, oracle.Query{Type: c.Type, Metric: c.MetricType})
	if err != nil {
		if !errors.Is(err, oracle.ErrNoPlan) {
			slog.Warn("Planner: oracle plan ignored", "target", c.Target, "error", err)
		}
		return
	}
	if len(plan.Operations) == 0 {
		return
	}
	op := plan.Operations[0]
	if op.Action != "" {
		c.Subtype = op.Action
	}
	c.SourcePath = op.Target
	c.Payload = op.Payload
	c.Risks = plan.Risks
}
