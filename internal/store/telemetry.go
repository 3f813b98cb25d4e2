package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AppendInteractions writes a batch of interaction records in one transaction.
func (s *Store) AppendInteractions(ctx context.Context, recs []InteractionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.withTx(ctx, "append interactions", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO interactions (ts, session_id, user_id, action, target, duration_ms, success, context)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return persistErr("append interactions", err)
		}
		defer stmt.Close()
		for _, r := range recs {
			ts := r.Timestamp
			if ts.IsZero() {
				ts = s.now()
			}
			if _, err := stmt.ExecContext(ctx, toUnix(ts), r.SessionID, r.UserID, r.Action, r.Target,
				r.DurationMs, r.Success, encodeContext(r.Context)); err != nil {
				return persistErr("append interactions", err)
			}
		}
		return nil
	})
}

// AppendSamples writes a batch of metric samples in one transaction.
func (s *Store) AppendSamples(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.withTx(ctx, "append samples", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO metric_samples (ts, metric_type, target, value, unit, context)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return persistErr("append samples", err)
		}
		defer stmt.Close()
		for _, m := range samples {
			ts := m.Timestamp
			if ts.IsZero() {
				ts = s.now()
			}
			if _, err := stmt.ExecContext(ctx, toUnix(ts), m.MetricType, m.Target, m.Value, m.Unit,
				encodeContext(m.Context)); err != nil {
				return persistErr("append samples", err)
			}
		}
		return nil
	})
}

// TargetDurations aggregates interaction durations per target for
// timestamps in (from, to].
func (s *Store) TargetDurations(ctx context.Context, from, to time.Time) ([]TargetStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target, AVG(duration_ms), COUNT(*)
		FROM interactions
		WHERE ts > ? AND ts <= ? AND target != ''
		GROUP BY target`, toUnix(from), toUnix(to))
	if err != nil {
		return nil, persistErr("target durations", err)
	}
	defer rows.Close()

	var out []TargetStat
	for rows.Next() {
		var st TargetStat
		if err := rows.Scan(&st.Target, &st.AvgDurationMs, &st.Count); err != nil {
			return nil, persistErr("target durations", err)
		}
		out = append(out, st)
	}
	return out, persistErr("target durations", rows.Err())
}

// ActionCounts aggregates interactions per action for timestamps in (from, to].
func (s *Store) ActionCounts(ctx context.Context, from, to time.Time) ([]ActionStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, COUNT(*), AVG(duration_ms)
		FROM interactions
		WHERE ts > ? AND ts <= ? AND action != ''
		GROUP BY action`, toUnix(from), toUnix(to))
	if err != nil {
		return nil, persistErr("action counts", err)
	}
	defer rows.Close()

	var out []ActionStat
	for rows.Next() {
		var st ActionStat
		if err := rows.Scan(&st.Action, &st.Count, &st.AvgDurationMs); err != nil {
			return nil, persistErr("action counts", err)
		}
		out = append(out, st)
	}
	return out, persistErr("action counts", rows.Err())
}

// TargetInteractionStats returns the average duration and number of
// interactions recorded for target in (since, until].
func (s *Store) TargetInteractionStats(ctx context.Context, target string, since, until time.Time) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms), COUNT(*) FROM interactions
		WHERE target = ? AND ts > ? AND ts <= ?`, target, toUnix(since), toUnix(until)).Scan(&avg, &n)
	if err != nil {
		return 0, 0, persistErr("target interaction stats", err)
	}
	return avg.Float64, n, nil
}

// ActiveTargets lists distinct interaction targets seen in (since, until].
func (s *Store) ActiveTargets(ctx context.Context, since, until time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT target FROM interactions
		WHERE ts > ? AND ts <= ? AND target != ''
		ORDER BY target`, toUnix(since), toUnix(until))
	if err != nil {
		return nil, persistErr("active targets", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, persistErr("active targets", err)
		}
		out = append(out, t)
	}
	return out, persistErr("active targets", rows.Err())
}

// SampleStats aggregates samples of metricType per target in (from, to].
func (s *Store) SampleStats(ctx context.Context, metricType string, from, to time.Time) ([]SampleStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_type, target, MAX(unit), AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM metric_samples
		WHERE metric_type = ? AND ts > ? AND ts <= ?
		GROUP BY metric_type, target`, metricType, toUnix(from), toUnix(to))
	if err != nil {
		return nil, persistErr("sample stats", err)
	}
	return scanSampleStats(rows)
}

// MetricSummaries aggregates all samples per metric type in (from, to].
func (s *Store) MetricSummaries(ctx context.Context, from, to time.Time) ([]SampleStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_type, '', MAX(unit), AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM metric_samples
		WHERE ts > ? AND ts <= ?
		GROUP BY metric_type
		ORDER BY metric_type`, toUnix(from), toUnix(to))
	if err != nil {
		return nil, persistErr("metric summaries", err)
	}
	return scanSampleStats(rows)
}

func scanSampleStats(rows *sql.Rows) ([]SampleStat, error) {
	defer rows.Close()
	var out []SampleStat
	for rows.Next() {
		var st SampleStat
		if err := rows.Scan(&st.MetricType, &st.Target, &st.Unit, &st.Avg, &st.Min, &st.Max, &st.Count); err != nil {
			return nil, persistErr("scan sample stats", err)
		}
		out = append(out, st)
	}
	return out, persistErr("scan sample stats", rows.Err())
}

// RecentSamples returns the newest samples, optionally filtered by type.
func (s *Store) RecentSamples(ctx context.Context, metricType string, limit int) ([]MetricSample, error) {
	if limit <= 0 {
		limit = 50
	}
	var where []string
	var args []any
	if metricType != "" {
		where = append(where, "metric_type = ?")
		args = append(args, metricType)
	}
	q := "SELECT id, ts, metric_type, target, value, unit, context FROM metric_samples"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, persistErr("recent samples", err)
	}
	defer rows.Close()
	var out []MetricSample
	for rows.Next() {
		var m MetricSample
		var ts int64
		var rawCtx string
		if err := rows.Scan(&m.ID, &ts, &m.MetricType, &m.Target, &m.Value, &m.Unit, &rawCtx); err != nil {
			return nil, persistErr("recent samples", err)
		}
		m.Timestamp = fromUnix(ts)
		_ = json.Unmarshal([]byte(rawCtx), &m.Context)
		out = append(out, m)
	}
	return out, persistErr("recent samples", rows.Err())
}
