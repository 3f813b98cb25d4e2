package store

import (
	"time"
)

// InteractionRecord is one observed user interaction with a component of the
// optimized application.
type InteractionRecord struct {
	ID         int64          `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	Target     string         `json:"target"`      // Component / module name
	DurationMs float64        `json:"duration_ms"` // Interaction latency
	Success    bool           `json:"success"`
	Context    map[string]any `json:"context,omitempty"`
}

// MetricSample is a single measured value produced by a probe.
type MetricSample struct {
	ID         int64          `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	MetricType string         `json:"metric_type"` // bundle_size, chunk_size, interaction_duration, ...
	Target     string         `json:"target"`
	Value      float64        `json:"value"`
	Unit       string         `json:"unit"` // KB, ms, s, %, score
	Context    map[string]any `json:"context,omitempty"`
}

// State is the lifecycle state of an OptimizationRecord.
type State string

const (
	StatePending    State = "pending"
	StateBackedUp   State = "backed_up"
	StateApplied    State = "applied"
	StateMonitoring State = "monitoring"
	StateConfirmed  State = "confirmed"
	StateRolledBack State = "rolled_back"
)

// Terminal reports whether no further transition is allowed out of s.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateRolledBack
}

// InFlight reports whether s counts against the one-record-per-target limit.
func (s State) InFlight() bool {
	return !s.Terminal()
}

var allowedTransitions = map[State][]State{
	StatePending:    {StateBackedUp, StateRolledBack},
	StateBackedUp:   {StateApplied, StateRolledBack},
	StateApplied:    {StateMonitoring, StateRolledBack},
	StateMonitoring: {StateConfirmed, StateRolledBack},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Rollback reasons recorded on rolled_back records.
const (
	ReasonApplyFailed  = "apply failed"
	ReasonCancelled    = "cancelled"
	ReasonInterrupted  = "interrupted"
	ReasonRegression   = "regression"
	ReasonInsufficient = "insufficient improvement"
	ReasonUnmeasurable = "unmeasurable"
)

// OptimizationRecord is the durable ledger entry for one applied optimization.
type OptimizationRecord struct {
	ID                  string            `json:"id"`
	Type                string            `json:"type"`    // memoization, code_splitting, prefetch, ...
	Subtype             string            `json:"subtype"` // transform strategy key
	Target              string            `json:"target"`
	SourcePath          string            `json:"source_path"`
	MetricType          string            `json:"metric_type"`
	Baseline            float64           `json:"baseline"`
	ExpectedImprovement float64           `json:"expected_improvement"` // absolute, in metric units
	ActualImprovement   *float64          `json:"actual_improvement,omitempty"`
	SuccessScore        *float64          `json:"success_score,omitempty"`
	State               State             `json:"state"`
	RollbackReason      string            `json:"rollback_reason,omitempty"`
	MonitorAttempts     int               `json:"monitor_attempts"`
	CooldownUntil       *time.Time        `json:"cooldown_until,omitempty"`
	DiffRef             string            `json:"diff_ref,omitempty"`
	Payload             map[string]string `json:"payload,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	AppliedAt           *time.Time        `json:"applied_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// Backup is the pre-mutation snapshot of a target's source.
type Backup struct {
	ID         string     `json:"id"`
	RecordID   string     `json:"record_id"`
	Target     string     `json:"target"`
	SourcePath string     `json:"source_path"`
	Snapshot   []byte     `json:"-"`
	Checksum   string     `json:"checksum"`
	CreatedAt  time.Time  `json:"created_at"`
	RestoredAt *time.Time `json:"restored_at,omitempty"`
	PrunedAt   *time.Time `json:"pruned_at,omitempty"`
}

// TargetStat aggregates interaction durations for one target.
type TargetStat struct {
	Target        string
	AvgDurationMs float64
	Count         int
}

// ActionStat aggregates interactions for one action.
type ActionStat struct {
	Action        string
	Count         int
	AvgDurationMs float64
}

// SampleStat aggregates metric samples for one (metric type, target) pair,
// or for a whole metric type when Target is empty.
type SampleStat struct {
	MetricType string
	Target     string
	Unit       string
	Avg        float64
	Min        float64
	Max        float64
	Count      int
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	States []State
	Type   string
	Target string
	Since  time.Time
	Limit  int
}

// Transition describes a state change applied by Transition.
type Transition struct {
	To             State
	Reason         string
	Actual         *float64
	Score          *float64
	DiffRef        string
	SourcePath     string
	CooldownUntil  *time.Time
	BackupRestored bool
}
