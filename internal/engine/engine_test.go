package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/KafClaw/autotune/internal/analyzer"
	"github.com/KafClaw/autotune/internal/applier"
	"github.com/KafClaw/autotune/internal/collector"
	"github.com/KafClaw/autotune/internal/monitor"
	"github.com/KafClaw/autotune/internal/planner"
	"github.com/KafClaw/autotune/internal/predictor"
	"github.com/KafClaw/autotune/internal/publish"
	"github.com/KafClaw/autotune/internal/source"
	"github.com/KafClaw/autotune/internal/store"
	"github.com/KafClaw/autotune/internal/transform"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fooSrc = "export default function Foo() {\n  return null;\n}\n"

type fakePublisher struct {
	mu  sync.Mutex
	got []publish.ConfirmedRecord
}

func (p *fakePublisher) Publish(_ context.Context, cr publish.ConfirmedRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, cr)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeNotifier struct{ texts []string }

func (n *fakeNotifier) Notify(_ context.Context, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

type fixture struct {
	now      time.Time
	dir      string
	store    *store.Store
	applier  *applier.Applier
	engine   *Engine
	pub      *fakePublisher
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := store.OpenDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		dir:      t.TempDir(),
		store:    s,
		pub:      &fakePublisher{},
		notifier: &fakeNotifier{},
	}
	clock := func() time.Time { return f.now }
	s.SetClock(clock)

	col := collector.New(s, collector.Options{ProbeTimeout: 5 * time.Second})
	col.SetClock(clock)
	timing := collector.NewTimingProbe(s, 7*24*time.Hour, 5)
	timing.SetClock(clock)
	col.Register(timing, collector.KindComponent)

	an := analyzer.New(s, s, analyzer.Options{})
	an.SetClock(clock)
	registry := transform.DefaultRegistry()
	pl := planner.New(predictor.New(s, predictor.Options{}), registry, s, nil, planner.Options{})
	pl.SetClock(clock)

	f.applier = applier.New(s, source.NewResolver(f.dir, nil, nil), registry, applier.Options{Cooldown: 15 * time.Minute})
	f.applier.SetClock(clock)
	mon := monitor.New(col, s, f.applier, monitor.Options{})
	mon.SetClock(clock)

	f.engine = New(Deps{
		Store: s, Collector: col, Analyzer: an, Planner: pl,
		Applier: f.applier, Monitor: mon, Publisher: f.pub, Notifier: f.notifier,
	}, Options{Cooldown: 15 * time.Minute})
	f.engine.SetClock(clock)
	return f
}

func (f *fixture) interactions(t *testing.T, target string, n int, durationMs float64, at time.Time) {
	t.Helper()
	recs := make([]store.InteractionRecord, n)
	for i := range recs {
		recs[i] = store.InteractionRecord{
			Timestamp: at.Add(time.Duration(i) * time.Millisecond), SessionID: "s1",
			Action: "click", Target: target, DurationMs: durationMs, Success: true,
		}
	}
	require.NoError(t, f.store.AppendInteractions(context.Background(), recs))
}

// history seeds n confirmed memoization outcomes with the given score.
func (f *fixture) history(t *testing.T, n int, score float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		rec := &store.OptimizationRecord{Type: predictor.TypeMemoization, Subtype: "memoization",
			Target: fmt.Sprintf("Hist%d", i), MetricType: "interaction_duration", Baseline: 200, ExpectedImprovement: 92}
		require.NoError(t, f.store.CreateBackedUp(ctx, rec, &store.Backup{SourcePath: "/dev/null", Snapshot: []byte("x"), Checksum: source.Checksum([]byte("x"))}))
		_, err := f.store.Transition(ctx, rec.ID, store.StateBackedUp, store.Transition{To: store.StateApplied})
		require.NoError(t, err)
		_, err = f.store.Transition(ctx, rec.ID, store.StateApplied, store.Transition{To: store.StateMonitoring})
		require.NoError(t, err)
		actual := 0.5
		_, err = f.store.Transition(ctx, rec.ID, store.StateMonitoring, store.Transition{To: store.StateConfirmed, Actual: &actual, Score: &score})
		require.NoError(t, err)
	}
}

func TestEndToEndCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(f.dir, "Foo.jsx")
	require.NoError(t, os.WriteFile(path, []byte(fooSrc), 0o644))
	f.history(t, 5, 1.0)
	f.interactions(t, "Foo", 50, 200, f.now.Add(-time.Hour))

	sum, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, 1, sum.Samples)
	require.Len(t, sum.Plan.Selected, 1)
	sel := sum.Plan.Selected[0]
	assert.Equal(t, "Foo", sel.Target)
	assert.InDelta(t, 0.95, sel.SuccessProbability, 1e-9)
	assert.InDelta(t, 92, sel.PredictedImprovement, 1e-9)
	assert.Equal(t, planner.ConfidenceHigh, sel.Confidence)
	assert.GreaterOrEqual(t, sum.Advisory, 1, "prefetch stays advisory")

	rec, err := f.store.InFlight(ctx, "Foo")
	require.NoError(t, err)
	assert.Equal(t, store.StateMonitoring, rec.State)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "memo(Foo)")

	// After the cooldown the component is measurably faster.
	f.now = f.now.Add(16 * time.Minute)
	f.interactions(t, "Foo", 20, 120, f.now.Add(-time.Minute))

	sum, err = f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Confirmed)
	assert.Equal(t, 0, sum.Applied)
	require.Len(t, sum.Plan.Skipped, 1)
	assert.Equal(t, planner.ReasonInFlight, sum.Plan.Skipped[0].Reason)

	done, err := f.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateConfirmed, done.State)
	require.NotNil(t, done.ActualImprovement)
	assert.InDelta(t, 0.4, *done.ActualImprovement, 1e-9)

	require.Len(t, f.pub.got, 1)
	assert.Equal(t, rec.ID, f.pub.got[0].ID)
	assert.Equal(t, 1, sum.Published)
	require.Len(t, f.notifier.texts, 2)
	assert.Contains(t, f.notifier.texts[1], "confirmed=1")
}

func TestConfirmedTargetIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(f.dir, "Foo.jsx")
	require.NoError(t, os.WriteFile(path, []byte(fooSrc), 0o644))
	f.history(t, 5, 1.0)
	f.interactions(t, "Foo", 50, 200, f.now.Add(-time.Hour))

	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	f.now = f.now.Add(16 * time.Minute)
	f.interactions(t, "Foo", 20, 120, f.now.Add(-time.Minute))
	sum, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Confirmed)

	// Foo still looks slow over the trailing window.
	for i := 0; i < 3; i++ {
		f.now = f.now.Add(time.Hour)
		f.interactions(t, "Foo", 20, 200, f.now.Add(-time.Minute))
		sum, err = f.engine.RunCycle(ctx)
		require.NoError(t, err)
		assert.Zero(t, sum.Applied)
		assert.Zero(t, sum.RolledBack)
		reasons := map[string]string{}
		for _, c := range sum.Plan.Skipped {
			reasons[c.Target] = c.Reason
		}
		assert.Equal(t, planner.ReasonRecentlyDone, reasons["Foo"])
	}

	recs, err := f.store.ListRecords(ctx, store.RecordFilter{Target: "Foo"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.StateConfirmed, recs[0].State)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "memo(Foo)")
	assert.Len(t, f.notifier.texts, 2)
}

func TestCycleRollsBackRegression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(f.dir, "Foo.jsx")
	require.NoError(t, os.WriteFile(path, []byte(fooSrc), 0o644))
	f.history(t, 5, 1.0)
	f.interactions(t, "Foo", 50, 200, f.now.Add(-time.Hour))

	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)

	f.now = f.now.Add(16 * time.Minute)
	f.interactions(t, "Foo", 20, 260, f.now.Add(-time.Minute))
	sum, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RolledBack)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fooSrc, string(data))
	recs, err := f.store.ListRecords(ctx, store.RecordFilter{Target: "Foo"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.ReasonRegression, recs[0].RollbackReason)
	assert.Empty(t, f.pub.got)

	// The regressed target is not retried while its samples settle.
	f.now = f.now.Add(time.Hour)
	sum, err = f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Applied)
	recs, err = f.store.ListRecords(ctx, store.RecordFilter{Target: "Foo"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRestoreFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(f.dir, "Foo.jsx")
	require.NoError(t, os.WriteFile(path, []byte(fooSrc), 0o644))
	f.history(t, 5, 1.0)
	f.interactions(t, "Foo", 50, 200, f.now.Add(-time.Hour))

	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	rec, err := f.store.InFlight(ctx, "Foo")
	require.NoError(t, err)
	_, err = f.store.DB().ExecContext(ctx, `UPDATE backups SET checksum = 'tampered' WHERE record_id = ?`, rec.ID)
	require.NoError(t, err)

	f.now = f.now.Add(16 * time.Minute)
	f.interactions(t, "Foo", 20, 260, f.now.Add(-time.Minute))
	sum, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RestoreFailures)
	assert.Zero(t, sum.RolledBack)
	assert.Contains(t, sum.String(), "restore_failures=1")
	require.Len(t, f.notifier.texts, 2)
	assert.Contains(t, f.notifier.texts[1], "restore_failures=1")

	got, err := f.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateMonitoring, got.State)
}

func TestReconcileAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A process died after backing up Bar but before recording the apply.
	barPath := filepath.Join(f.dir, "Bar.jsx")
	original := []byte("export default function Bar() {\n  return 1;\n}\n")
	bar := &store.OptimizationRecord{Type: "memoization", Subtype: "memoization", Target: "Bar", SourcePath: barPath}
	require.NoError(t, f.store.CreateBackedUp(ctx, bar, &store.Backup{SourcePath: barPath, Snapshot: original, Checksum: source.Checksum(original)}))
	require.NoError(t, os.WriteFile(barPath, []byte("half-written"), 0o644))

	// Baz was applied but never reached monitoring.
	baz := &store.OptimizationRecord{Type: "memoization", Subtype: "memoization", Target: "Baz", SourcePath: "/x/Baz.jsx"}
	require.NoError(t, f.store.CreateBackedUp(ctx, baz, &store.Backup{SourcePath: "/x/Baz.jsx", Snapshot: []byte("b"), Checksum: source.Checksum([]byte("b"))}))
	_, err := f.store.Transition(ctx, baz.ID, store.StateBackedUp, store.Transition{To: store.StateApplied})
	require.NoError(t, err)

	n, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.store.GetRecord(ctx, bar.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRolledBack, got.State)
	assert.Equal(t, store.ReasonInterrupted, got.RollbackReason)
	data, err := os.ReadFile(barPath)
	require.NoError(t, err)
	assert.Equal(t, original, data)

	got, err = f.store.GetRecord(ctx, baz.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateMonitoring, got.State)
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, f.now.Add(15*time.Minute).Equal(*got.CooldownUntil))

	// A second pass finds nothing left to do and never re-applies.
	n, err = f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	recs, err := f.store.ListRecords(ctx, store.RecordFilter{Target: "Baz"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPersistenceFailureAbortsCycle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	sum, err := f.engine.RunCycle(context.Background())
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.NotEmpty(t, sum.Fatal)
	assert.Zero(t, sum.Applied)
	require.Len(t, f.notifier.texts, 1)
	assert.Contains(t, f.notifier.texts[0], "fatal=")
}

func TestCancelledCycle(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := f.engine.RunCycle(ctx)
	require.Error(t, err)
	assert.NotEmpty(t, sum.Fatal)
	assert.Zero(t, sum.Applied)
}

func TestPreviewDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "Foo.jsx"), []byte(fooSrc), 0o644))
	f.history(t, 5, 1.0)
	f.interactions(t, "Foo", 50, 200, f.now.Add(-time.Hour))

	plan, err := f.engine.Preview(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Selected, 1)
	_, err = f.store.InFlight(ctx, "Foo")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
