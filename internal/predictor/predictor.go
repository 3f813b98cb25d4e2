// Package predictor estimates the success probability and expected
// improvement of an optimization, recalibrating its base rates from the
// outcomes recorded in the ledger.
package predictor

import (
	"context"
	"log/slog"
	"math"
)

// Optimization types.
const (
	TypeMemoization   = "memoization"
	TypeCodeSplitting = "code_splitting"
	TypePrefetch      = "prefetch"
)

// MaxProbability caps every prediction.
const MaxProbability = 0.95

// Ledger reports the average success score and number of scored terminal
// records for an optimization type.
type Ledger interface {
	TypeSuccessStats(ctx context.Context, optType string) (float64, int, error)
}

// PredictContext carries the pattern facts a prediction depends on. Which
// fields matter depends on the optimization type.
type PredictContext struct {
	Usage      int     // interactions in the window
	DurationMs float64 // average interaction duration
	SizeKB     float64 // chunk size
	Current    float64 // current value of the metric being reduced
}

// Prediction is the Predictor's estimate for one candidate.
type Prediction struct {
	Type                string  `json:"type"`
	Target              string  `json:"target"`
	SuccessProbability  float64 `json:"success_probability"`
	ExpectedImprovement float64 `json:"expected_improvement"`
	BaseRate            float64 `json:"base_rate"`
	Samples             int     `json:"samples"`
	LowConfidence       bool    `json:"low_confidence,omitempty"`
}

// Options configures priors and recalibration.
type Options struct {
	PriorRate  float64
	PriorRates map[string]float64
	MinSamples int
}

// Predictor computes predictions. It never returns an error.
type Predictor struct {
	ledger Ledger
	opts   Options
}

// New creates a Predictor. ledger may be nil, in which case the priors are
// always used.
func New(ledger Ledger, opts Options) *Predictor {
	if opts.PriorRate <= 0 {
		opts.PriorRate = 0.7
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 5
	}
	return &Predictor{ledger: ledger, opts: opts}
}

// BaseRate returns the success rate for optType: the ledger average once
// enough scored outcomes exist, the configured prior otherwise.
func (p *Predictor) BaseRate(ctx context.Context, optType string) (float64, int) {
	prior := p.opts.PriorRate
	if r, ok := p.opts.PriorRates[optType]; ok && r > 0 {
		prior = r
	}
	if p.ledger == nil {
		return prior, 0
	}
	avg, n, err := p.ledger.TypeSuccessStats(ctx, optType)
	if err != nil {
		slog.Warn("Predictor: ledger unavailable, using prior", "type", optType, "error", err)
		return prior, 0
	}
	if n < p.opts.MinSamples {
		return prior, n
	}
	return avg, n
}

// Predict estimates the outcome of applying optType to target.
func (p *Predictor) Predict(ctx context.Context, optType, target string, pc PredictContext) Prediction {
	base, n := p.BaseRate(ctx, optType)
	pred := Prediction{
		Type:               optType,
		Target:             target,
		BaseRate:           base,
		Samples:            n,
		SuccessProbability: clamp(base),
	}

	switch optType {
	case TypeMemoization:
		if pc.Usage <= 0 || !positive(pc.DurationMs) {
			return lowConfidence(pred, "usage and duration required")
		}
		usage := math.Min(float64(pc.Usage)/50, 1)
		duration := math.Min(pc.DurationMs/200, 1)
		pred.SuccessProbability = clamp(base * (0.5 + 0.5*usage*duration))
		d := pc.DurationMs
		pred.ExpectedImprovement = d * (0.3 + math.Min(d, 500)/500*0.4)
	case TypeCodeSplitting:
		if !positive(pc.SizeKB) {
			return lowConfidence(pred, "chunk size required")
		}
		pred.ExpectedImprovement = pc.SizeKB * 0.3
	case TypePrefetch:
		if !positive(pc.Current) {
			return lowConfidence(pred, "current value required")
		}
		pred.ExpectedImprovement = 0.2 * pc.Current
	default:
		return lowConfidence(pred, "unknown optimization type")
	}
	return pred
}

func lowConfidence(pred Prediction, reason string) Prediction {
	slog.Warn("Predictor: low-confidence prediction", "type", pred.Type, "target", pred.Target, "reason", reason)
	pred.ExpectedImprovement = 0
	pred.LowConfidence = true
	return pred
}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, MaxProbability)
}
