// Package applier applies selected optimizations under a backup-and-rollback
// safety envelope. Each application walks the record state machine
// pending -> backed_up -> applied -> monitoring.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/KafClaw/autotune/internal/planner"
	"github.com/KafClaw/autotune/internal/scheduler"
	"github.com/KafClaw/autotune/internal/source"
	"github.com/KafClaw/autotune/internal/store"
	"github.com/KafClaw/autotune/internal/transform"
)

// ErrInFlight is returned when the target already has a non-terminal record.
var ErrInFlight = errors.New("target has an in-flight optimization")

// ErrAborted is returned for candidates not attempted because an earlier
// application hit a persistence failure.
var ErrAborted = errors.New("application aborted")

// BackupError reports that the target source could not be captured. Nothing
// was persisted or mutated.
type BackupError struct {
	Target string
	Path   string
	Err    error
}

func (e *BackupError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("backup %s: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("backup %s (%s): %v", e.Target, e.Path, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// RestoreError reports that a record's backup could not be written back.
// The record keeps its state; it cannot be rolled back until the snapshot is
// restorable.
type RestoreError struct {
	RecordID string
	Target   string
	Err      error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s (%s): %v", e.RecordID, e.Target, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Ledger is the store surface the applier needs.
type Ledger interface {
	InFlight(ctx context.Context, target string) (*store.OptimizationRecord, error)
	CreateBackedUp(ctx context.Context, rec *store.OptimizationRecord, b *store.Backup) error
	Transition(ctx context.Context, id string, from store.State, t store.Transition) (*store.OptimizationRecord, error)
	GetBackup(ctx context.Context, recordID string) (*store.Backup, error)
}

// Resolver maps targets and relative paths to source files.
type Resolver interface {
	Resolve(target string) (string, error)
	Abs(path string) string
}

// Strategies looks up transforms by subtype.
type Strategies interface {
	Get(subtype string) (transform.Transform, bool)
}

// Options configures the applier.
type Options struct {
	Cooldown    time.Duration
	MaxParallel int
}

// Applier applies candidates. Applications to one target are serialised;
// different targets run in parallel up to MaxParallel.
type Applier struct {
	ledger     Ledger
	resolver   Resolver
	strategies Strategies
	opts       Options
	locks      *keyedMutex
	sem        *scheduler.Semaphore
	now        func() time.Time
}

// New creates an Applier.
func New(ledger Ledger, resolver Resolver, strategies Strategies, opts Options) *Applier {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 15 * time.Minute
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 2
	}
	return &Applier{
		ledger:     ledger,
		resolver:   resolver,
		strategies: strategies,
		opts:       opts,
		locks:      newKeyedMutex(),
		sem:        scheduler.NewSemaphore(opts.MaxParallel),
		now:        time.Now,
	}
}

// SetClock overrides the clock used for cooldowns.
func (a *Applier) SetClock(now func() time.Time) {
	a.now = now
}

func (a *Applier) sourcePath(c planner.Candidate) (string, error) {
	if c.SourcePath != "" {
		p := a.resolver.Abs(c.SourcePath)
		if _, err := os.Stat(p); err != nil {
			return p, err
		}
		return p, nil
	}
	return a.resolver.Resolve(c.Target)
}

// Apply runs the full state machine for c and returns the resulting record.
// On a transform or write failure the source is restored and the record is
// rolled back; the returned error then wraps the cause and the record is
// non-nil.
func (a *Applier) Apply(ctx context.Context, c planner.Candidate) (*store.OptimizationRecord, error) {
	unlock := a.locks.Lock(c.Target)
	defer unlock()

	if _, err := a.ledger.InFlight(ctx, c.Target); err == nil {
		return nil, ErrInFlight
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	strategy, ok := a.strategies.Get(c.Subtype)
	if !ok {
		return nil, &transform.TransformError{Strategy: c.Subtype, Target: c.Target, Err: errors.New("no strategy registered")}
	}

	// pending -> backed_up
	path, err := a.sourcePath(c)
	if err != nil {
		return nil, &BackupError{Target: c.Target, Path: path, Err: err}
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return nil, &BackupError{Target: c.Target, Path: path, Err: err}
	}
	checksum := source.Checksum(original)
	rec := &store.OptimizationRecord{
		Type:                c.Type,
		Subtype:             c.Subtype,
		Target:              c.Target,
		SourcePath:          path,
		MetricType:          c.MetricType,
		Baseline:            c.Baseline,
		ExpectedImprovement: c.PredictedImprovement,
		Payload:             c.Payload,
	}
	backup := &store.Backup{SourcePath: path, Snapshot: original, Checksum: checksum}
	if err := a.ledger.CreateBackedUp(ctx, rec, backup); err != nil {
		if errors.Is(err, store.ErrTargetInFlight) {
			return nil, ErrInFlight
		}
		return nil, err
	}
	slog.Info("Applier: backup captured", "record", rec.ID, "target", c.Target, "path", path)

	// The source may be mutated from here on; bookkeeping must not be
	// interrupted by cancellation.
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		return a.abandon(bg, rec, store.ReasonCancelled, ctx.Err())
	}

	// backed_up -> applied
	rewritten, err := strategy.Apply(ctx, original, transform.Request{Target: c.Target, Path: path, Payload: c.Payload})
	if err != nil {
		if ctx.Err() != nil {
			return a.abandon(bg, rec, store.ReasonCancelled, ctx.Err())
		}
		return a.abandon(bg, rec, store.ReasonApplyFailed, err)
	}
	if err := source.WriteAtomic(path, rewritten); err != nil {
		return a.abandon(bg, rec, store.ReasonApplyFailed, fmt.Errorf("write %s: %w", path, err))
	}
	if ctx.Err() != nil {
		return a.abandon(bg, rec, store.ReasonCancelled, ctx.Err())
	}

	diffRef := fmt.Sprintf("sha256:%s..%s", checksum[:12], source.Checksum(rewritten)[:12])
	applied, err := a.ledger.Transition(bg, rec.ID, store.StateBackedUp, store.Transition{To: store.StateApplied, DiffRef: diffRef})
	if err != nil {
		// The record is still backed_up; put the source back so that
		// reconciliation finds it unmodified.
		if werr := source.WriteAtomic(path, original); werr != nil {
			slog.Error("Applier: restore after failed bookkeeping", "record", rec.ID, "error", werr)
		}
		return nil, err
	}

	// applied -> monitoring
	until := a.now().Add(a.opts.Cooldown)
	monitoring, err := a.ledger.Transition(bg, applied.ID, store.StateApplied, store.Transition{To: store.StateMonitoring, CooldownUntil: &until})
	if err != nil {
		return applied, err
	}
	slog.Info("Applier: optimization applied", "record", rec.ID, "target", c.Target, "subtype", c.Subtype, "cooldown_until", until)
	return monitoring, nil
}

// abandon restores the backup and rolls rec back with reason. The returned
// error wraps cause unless the rollback itself failed.
func (a *Applier) abandon(ctx context.Context, rec *store.OptimizationRecord, reason string, cause error) (*store.OptimizationRecord, error) {
	slog.Warn("Applier: rolling back", "record", rec.ID, "target", rec.Target, "reason", reason, "error", cause)
	rolled, err := a.Rollback(ctx, rec, reason, nil, nil)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return rolled, cause
}

// Restore writes rec's backup snapshot back to its source path after
// verifying the snapshot checksum.
func (a *Applier) Restore(ctx context.Context, rec *store.OptimizationRecord) error {
	b, err := a.ledger.GetBackup(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load backup for %s: %w", rec.ID, err)
	}
	if b.Snapshot == nil {
		return fmt.Errorf("backup for %s was pruned", rec.ID)
	}
	if source.Checksum(b.Snapshot) != b.Checksum {
		return fmt.Errorf("backup for %s fails checksum verification", rec.ID)
	}
	if err := os.MkdirAll(filepath.Dir(b.SourcePath), 0o755); err != nil {
		return err
	}
	if err := source.WriteAtomic(b.SourcePath, b.Snapshot); err != nil {
		return fmt.Errorf("restore %s: %w", b.SourcePath, err)
	}
	return nil
}

// Rollback restores rec's backup and moves it to rolled_back with reason,
// optionally recording the measured outcome. The restore happens before the
// state change, which also stamps the backup as restored. Once started, a
// rollback runs to completion regardless of ctx cancellation. A failed
// restore is returned as *RestoreError.
func (a *Applier) Rollback(ctx context.Context, rec *store.OptimizationRecord, reason string, actual, score *float64) (*store.OptimizationRecord, error) {
	ctx = context.WithoutCancel(ctx)
	if err := a.Restore(ctx, rec); err != nil {
		return nil, &RestoreError{RecordID: rec.ID, Target: rec.Target, Err: err}
	}
	return a.ledger.Transition(ctx, rec.ID, rec.State, store.Transition{
		To:             store.StateRolledBack,
		Reason:         reason,
		Actual:         actual,
		Score:          score,
		BackupRestored: true,
	})
}

// Outcome is the result of applying one candidate.
type Outcome struct {
	Candidate planner.Candidate
	Record    *store.OptimizationRecord
	Err       error
}

// ApplyAll applies candidates with bounded parallelism. After a persistence
// failure no further candidates are started.
func (a *Applier) ApplyAll(ctx context.Context, cs []planner.Candidate) []Outcome {
	out := make([]Outcome, len(cs))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		aborted bool
	)
	for i, c := range cs {
		out[i].Candidate = c
		if err := a.sem.Acquire(ctx); err != nil {
			out[i].Err = err
			continue
		}
		mu.Lock()
		stop := aborted
		mu.Unlock()
		if stop {
			a.sem.Release()
			out[i].Err = ErrAborted
			continue
		}
		wg.Add(1)
		go func(i int, c planner.Candidate) {
			defer wg.Done()
			defer a.sem.Release()
			rec, err := a.Apply(ctx, c)
			out[i].Record, out[i].Err = rec, err
			var pe *store.PersistenceError
			if errors.As(err, &pe) {
				mu.Lock()
				aborted = true
				mu.Unlock()
			}
		}(i, c)
	}
	wg.Wait()
	return out
}
