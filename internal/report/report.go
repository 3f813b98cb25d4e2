// Package report builds the periodic performance report artifact.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/KafClaw/autotune/internal/planner"
	"github.com/KafClaw/autotune/internal/source"
	"github.com/KafClaw/autotune/internal/store"
)

// DefaultPeriod is the report window used when none is given.
const DefaultPeriod = 30 * 24 * time.Hour

// Priority levels for recommendations.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// MetricSummary aggregates one metric type over the report period.
type MetricSummary struct {
	MetricType string  `json:"metric_type"`
	Unit       string  `json:"unit"`
	Avg        float64 `json:"avg"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Count      int     `json:"count"`
}

// Optimization is one ledger record as shown in the report.
type Optimization struct {
	ID                  string      `json:"id"`
	Type                string      `json:"type"`
	Target              string      `json:"target"`
	State               store.State `json:"state"`
	RollbackReason      string      `json:"rollback_reason,omitempty"`
	ExpectedImprovement float64     `json:"expected_improvement"`
	ActualImprovement   *float64    `json:"actual_improvement,omitempty"`
	SuccessScore        *float64    `json:"success_score,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
}

// Recommendation is a suggested improvement not applied automatically.
type Recommendation struct {
	Category string `json:"category"`
	Priority string `json:"priority"`
	Target   string `json:"target,omitempty"`
	Message  string `json:"message"`
}

// Report is the serialized artifact.
type Report struct {
	GeneratedAt     time.Time           `json:"generated_at"`
	PeriodDays      int                 `json:"period_days"`
	Metrics         []MetricSummary     `json:"metrics"`
	Optimizations   []Optimization      `json:"optimizations"`
	States          map[store.State]int `json:"states"`
	Recommendations []Recommendation    `json:"recommendations"`
}

// Source is the read surface of the store used by Build.
type Source interface {
	MetricSummaries(ctx context.Context, from, to time.Time) ([]store.SampleStat, error)
	ListRecords(ctx context.Context, f store.RecordFilter) ([]*store.OptimizationRecord, error)
	CountByState(ctx context.Context) (map[store.State]int, error)
}

type rule struct {
	metric   string
	breached func(avg float64) bool
	category string
	priority string
	message  func(avg float64) string
}

var rules = []rule{
	{
		metric:   "bundle_size",
		breached: func(v float64) bool { return v > 500 },
		category: "code_splitting",
		priority: PriorityHigh,
		message: func(v float64) string {
			return fmt.Sprintf("average bundle size %.0fKB exceeds 500KB; split large routes and vendors", v)
		},
	},
	{
		metric:   "test_coverage",
		breached: func(v float64) bool { return v < 80 },
		category: "testing",
		priority: PriorityMedium,
		message: func(v float64) string {
			return fmt.Sprintf("test coverage %.1f%% is below 80%%", v)
		},
	},
	{
		metric:   "lighthouse_score",
		breached: func(v float64) bool { return v < 90 },
		category: "performance",
		priority: PriorityHigh,
		message: func(v float64) string {
			return fmt.Sprintf("lighthouse score %.0f is below 90", v)
		},
	},
}

// Build assembles the report for the period ending at now. Advisory
// candidates from the last plan are appended as recommendations.
func Build(ctx context.Context, src Source, period time.Duration, now time.Time, advisory []planner.Candidate) (*Report, error) {
	if period <= 0 {
		period = DefaultPeriod
	}
	from := now.Add(-period)

	stats, err := src.MetricSummaries(ctx, from, now)
	if err != nil {
		return nil, err
	}
	recs, err := src.ListRecords(ctx, store.RecordFilter{Since: from})
	if err != nil {
		return nil, err
	}
	states, err := src.CountByState(ctx)
	if err != nil {
		return nil, err
	}

	r := &Report{
		GeneratedAt:     now,
		PeriodDays:      int(period.Hours() / 24),
		Metrics:         make([]MetricSummary, 0, len(stats)),
		Optimizations:   make([]Optimization, 0, len(recs)),
		States:          states,
		Recommendations: []Recommendation{},
	}
	avgs := map[string]float64{}
	for _, st := range stats {
		r.Metrics = append(r.Metrics, MetricSummary{
			MetricType: st.MetricType, Unit: st.Unit,
			Avg: st.Avg, Min: st.Min, Max: st.Max, Count: st.Count,
		})
		avgs[st.MetricType] = st.Avg
	}
	for _, rec := range recs {
		r.Optimizations = append(r.Optimizations, Optimization{
			ID: rec.ID, Type: rec.Type, Target: rec.Target, State: rec.State,
			RollbackReason:      rec.RollbackReason,
			ExpectedImprovement: rec.ExpectedImprovement,
			ActualImprovement:   rec.ActualImprovement,
			SuccessScore:        rec.SuccessScore,
			CreatedAt:           rec.CreatedAt,
		})
	}

	for _, ru := range rules {
		avg, ok := avgs[ru.metric]
		if ok && ru.breached(avg) {
			r.Recommendations = append(r.Recommendations, Recommendation{
				Category: ru.category, Priority: ru.priority, Message: ru.message(avg),
			})
		}
	}
	adv := append([]planner.Candidate(nil), advisory...)
	sort.SliceStable(adv, func(i, j int) bool { return adv[i].Score() > adv[j].Score() })
	for _, c := range adv {
		r.Recommendations = append(r.Recommendations, Recommendation{
			Category: c.Type,
			Priority: c.Confidence,
			Target:   c.Target,
			Message: fmt.Sprintf("%s on %s: success probability %.2f, expected improvement %.1f",
				c.Type, c.Target, c.SuccessProbability, c.PredictedImprovement),
		})
	}
	return r, nil
}

// Write serializes r as indented JSON to path.
func Write(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	return source.WriteAtomic(path, append(data, '\n'))
}

// FileName returns the conventional report file name for t.
func FileName(t time.Time) string {
	return "report-" + t.UTC().Format("20060102-150405") + ".json"
}
