package monitor

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/autotune/internal/applier"
	"github.com/KafClaw/autotune/internal/collector"
	"github.com/KafClaw/autotune/internal/planner"
	"github.com/KafClaw/autotune/internal/source"
	"github.com/KafClaw/autotune/internal/store"
	"github.com/KafClaw/autotune/internal/transform"
)

const fooSrc = "export default function Foo() {\n  return null;\n}\n"

type fakeMeasurer struct {
	value float64
	err   error
	calls int
	since time.Time
}

func (f *fakeMeasurer) Measure(_ context.Context, metricType, target string, mctx collector.MeasureContext) (store.MetricSample, error) {
	f.calls++
	f.since = mctx.Since
	if f.err != nil {
		return store.MetricSample{}, f.err
	}
	return store.MetricSample{MetricType: metricType, Target: target, Value: f.value}, nil
}

type fixture struct {
	now     time.Time
	dir     string
	store   *store.Store
	applier *applier.Applier
	meas    *fakeMeasurer
	monitor *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	s, err := store.OpenDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), dir: t.TempDir(), store: s, meas: &fakeMeasurer{}}
	clock := func() time.Time { return f.now }
	s.SetClock(clock)
	f.applier = applier.New(s, source.NewResolver(f.dir, nil, nil), transform.DefaultRegistry(), applier.Options{})
	f.applier.SetClock(clock)
	f.monitor = New(f.meas, s, f.applier, Options{})
	f.monitor.SetClock(clock)
	return f
}

// applied applies a memoization with baseline 200ms and expected 92ms and
// moves the clock past the cooldown.
func (f *fixture) applied(t *testing.T) *store.OptimizationRecord {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "Foo.jsx"), []byte(fooSrc), 0o644))
	rec, err := f.applier.Apply(context.Background(), planner.Candidate{
		Type: "memoization", Subtype: "memoization", Target: "Foo",
		MetricType: "interaction_duration", Baseline: 200, PredictedImprovement: 92,
	})
	require.NoError(t, err)
	f.now = f.now.Add(16 * time.Minute)
	return rec
}

func (f *fixture) source(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(f.dir, "Foo.jsx"))
	require.NoError(t, err)
	return string(b)
}

func TestScore(t *testing.T) {
	actual, score := Score(200, 140, 92)
	assert.InDelta(t, 0.3, actual, 1e-12)
	assert.InDelta(t, 0.3/0.46, score, 1e-12)

	actual, score = Score(200, 50, 92)
	assert.InDelta(t, 0.75, actual, 1e-12)
	assert.Equal(t, 1.0, score)

	actual, score = Score(200, 220, 92)
	assert.Less(t, actual, 0.0)
	assert.Equal(t, 0.0, score)

	_, score = Score(200, 100, 0)
	assert.Equal(t, 1.0, score)
	_, score = Score(200, 200, 0)
	assert.Equal(t, 0.0, score)
}

func TestConfirmAtBoundary(t *testing.T) {
	f := newFixture(t)
	rec := f.applied(t)
	f.meas.value = 140

	out, err := f.monitor.Check(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, store.StateConfirmed, out.State)
	require.NotNil(t, out.ActualImprovement)
	assert.InDelta(t, 0.3, *out.ActualImprovement, 1e-12)
	require.NotNil(t, rec.AppliedAt)
	assert.True(t, f.meas.since.Equal(*rec.AppliedAt))
	assert.Contains(t, f.source(t), "memo(Foo)")
}

func TestInsufficientImprovementRollsBack(t *testing.T) {
	f := newFixture(t)
	rec := f.applied(t)
	f.meas.value = 141

	out, err := f.monitor.Check(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, store.StateRolledBack, out.State)
	assert.Equal(t, store.ReasonInsufficient, out.RollbackReason)
	require.NotNil(t, out.SuccessScore)
	assert.Equal(t, fooSrc, f.source(t))
}

func TestRegressionRollsBack(t *testing.T) {
	f := newFixture(t)
	rec := f.applied(t)
	f.meas.value = 260

	out, err := f.monitor.Check(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, store.StateRolledBack, out.State)
	assert.Equal(t, store.ReasonRegression, out.RollbackReason)
	assert.InDelta(t, -0.3, *out.ActualImprovement, 1e-12)
	assert.Equal(t, fooSrc, f.source(t))
}

func TestCooldownNotElapsed(t *testing.T) {
	f := newFixture(t)
	rec := f.applied(t)
	f.now = f.now.Add(-10 * time.Minute)

	out, err := f.monitor.Check(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, store.StateMonitoring, out.State)
	assert.Zero(t, f.meas.calls)

	res, err := f.monitor.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Confirmed)
	assert.Empty(t, res.RolledBack)
}

func TestUnmeasurableAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.applied(t)
	f.meas.err = collector.ErrInsufficientData
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := f.monitor.Run(ctx)
		require.NoError(t, err)
		require.Len(t, res.Failed, 1)
		assert.Equal(t, attempt, res.Failed[0].Attempt)
		assert.Empty(t, res.RolledBack)
	}

	res, err := f.monitor.Run(ctx)
	require.NoError(t, err)
	require.Len(t, res.RolledBack, 1)
	rolled := res.RolledBack[0]
	assert.Equal(t, store.ReasonUnmeasurable, rolled.RollbackReason)
	assert.Nil(t, rolled.ActualImprovement)
	assert.True(t, errors.Is(res.Failed[0], collector.ErrInsufficientData))
	assert.Equal(t, fooSrc, f.source(t))

	res, err = f.monitor.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Failed, "terminal records are no longer monitored")
}

func TestRunConfirms(t *testing.T) {
	f := newFixture(t)
	f.applied(t)
	f.meas.value = 90

	res, err := f.monitor.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Confirmed, 1)
	assert.Equal(t, 1.0, *res.Confirmed[0].SuccessScore)
}

// cancellingLedger cancels the caller's context as soon as a rollback
// reads its backup, i.e. in the middle of the restore.
type cancellingLedger struct {
	*store.Store
	cancel context.CancelFunc
}

func (l *cancellingLedger) GetBackup(ctx context.Context, recordID string) (*store.Backup, error) {
	l.cancel()
	return l.Store.GetBackup(ctx, recordID)
}

func TestRollbackSurvivesCancellationDuringRestore(t *testing.T) {
	f := newFixture(t)
	rec := f.applied(t)
	f.meas.value = 260

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app := applier.New(&cancellingLedger{Store: f.store, cancel: cancel}, source.NewResolver(f.dir, nil, nil), transform.DefaultRegistry(), applier.Options{})
	app.SetClock(func() time.Time { return f.now })
	mon := New(f.meas, f.store, app, Options{})
	mon.SetClock(func() time.Time { return f.now })

	out, err := mon.Check(ctx, rec)
	require.NoError(t, err)
	assert.Error(t, ctx.Err())
	assert.Equal(t, store.StateRolledBack, out.State)
	assert.Equal(t, store.ReasonRegression, out.RollbackReason)
	assert.Equal(t, fooSrc, f.source(t))

	stored, err := f.store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRolledBack, stored.State)
	assert.NotNil(t, stored.CompletedAt)
}

func TestMeasurementInterruptedByCancellationIsNotAnAttempt(t *testing.T) {
	f := newFixture(t)
	rec := f.applied(t)
	f.meas.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.monitor.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.monitor.Check(ctx, rec)
	assert.ErrorIs(t, err, context.Canceled)

	stored, err := f.store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateMonitoring, stored.State)
	assert.Zero(t, stored.MonitorAttempts)
}

func TestUnrestorableBackupIsReported(t *testing.T) {
	f := newFixture(t)
	rec := f.applied(t)
	f.meas.value = 260
	_, err := f.store.DB().Exec(`UPDATE backups SET checksum = 'tampered' WHERE record_id = ?`, rec.ID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := f.monitor.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, res.RestoreFailed, 1)
		assert.Equal(t, rec.ID, res.RestoreFailed[0].ID)
		require.Len(t, res.Failed, 1)
		var re *applier.RestoreError
		assert.ErrorAs(t, res.Failed[0], &re)
		assert.Empty(t, res.RolledBack)
	}

	stored, err := f.store.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateMonitoring, stored.State)
	assert.Contains(t, f.source(t), "memo(Foo)")
}
