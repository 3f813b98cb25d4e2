package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const recordColumns = `id, type, subtype, target, source_path, metric_type, baseline,
	expected_improvement, actual_improvement, success_score, state, rollback_reason,
	monitor_attempts, cooldown_until, diff_ref, payload, created_at, updated_at,
	applied_at, completed_at`

// CreateBackedUp persists a new record in state backed_up together with its
// backup. Either both rows are committed or neither is.
func (s *Store) CreateBackedUp(ctx context.Context, rec *OptimizationRecord, b *Backup) error {
	if rec.Target == "" {
		return fmt.Errorf("record target is required")
	}
	if len(b.Snapshot) == 0 && b.Checksum == "" {
		return fmt.Errorf("backup snapshot is required")
	}
	now := s.now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	rec.State = StateBackedUp
	rec.CreatedAt = now
	rec.UpdatedAt = now
	b.RecordID = rec.ID
	b.Target = rec.Target
	b.CreatedAt = now

	payload := []byte("{}")
	if rec.Payload != nil {
		var err error
		if payload, err = json.Marshal(rec.Payload); err != nil {
			return persistErr("encode record payload", err)
		}
	}

	return s.withTx(ctx, "create record", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO optimization_records (id, type, subtype, target, source_path, metric_type,
				baseline, expected_improvement, state, diff_ref, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Type, rec.Subtype, rec.Target, rec.SourcePath, rec.MetricType,
			rec.Baseline, rec.ExpectedImprovement, string(rec.State), rec.DiffRef, string(payload),
			toUnix(now), toUnix(now))
		if isUniqueViolation(err) {
			return ErrTargetInFlight
		}
		if err != nil {
			return persistErr("create record", err)
		}
		if err := logTransition(ctx, tx, rec.ID, StatePending, StateBackedUp, "", now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO backups (id, record_id, target, source_path, snapshot, checksum, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.RecordID, b.Target, b.SourcePath, b.Snapshot, b.Checksum, toUnix(now))
		return persistErr("create backup", err)
	})
}

// Transition moves record id from state from to t.To in one transaction. A
// rollback with BackupRestored set also stamps the backup's restored_at.
func (s *Store) Transition(ctx context.Context, id string, from State, t Transition) (*OptimizationRecord, error) {
	if from.Terminal() {
		return nil, ErrTerminal
	}
	if !CanTransition(from, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
	}
	now := s.now()

	err := s.withTx(ctx, "transition record", func(tx *sql.Tx) error {
		sets := []string{"state = ?", "updated_at = ?"}
		args := []any{string(t.To), toUnix(now)}
		if t.Reason != "" && t.To == StateRolledBack {
			sets = append(sets, "rollback_reason = ?")
			args = append(args, t.Reason)
		}
		if t.Actual != nil {
			sets = append(sets, "actual_improvement = ?")
			args = append(args, *t.Actual)
		}
		if t.Score != nil {
			sets = append(sets, "success_score = ?")
			args = append(args, *t.Score)
		}
		if t.DiffRef != "" {
			sets = append(sets, "diff_ref = ?")
			args = append(args, t.DiffRef)
		}
		if t.SourcePath != "" {
			sets = append(sets, "source_path = ?")
			args = append(args, t.SourcePath)
		}
		if t.CooldownUntil != nil {
			sets = append(sets, "cooldown_until = ?")
			args = append(args, toUnix(*t.CooldownUntil))
		}
		if t.To == StateApplied {
			sets = append(sets, "applied_at = ?")
			args = append(args, toUnix(now))
		}
		if t.To.Terminal() {
			sets = append(sets, "completed_at = ?")
			args = append(args, toUnix(now))
		}
		args = append(args, id, string(from))

		res, err := tx.ExecContext(ctx,
			"UPDATE optimization_records SET "+strings.Join(sets, ", ")+" WHERE id = ? AND state = ?", args...)
		if err != nil {
			return persistErr("transition record", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return persistErr("transition record", err)
		}
		if n == 0 {
			return s.explainMissedTransition(ctx, tx, id)
		}
		if err := logTransition(ctx, tx, id, from, t.To, t.Reason, now); err != nil {
			return err
		}
		if t.BackupRestored {
			if _, err := tx.ExecContext(ctx, `UPDATE backups SET restored_at = ? WHERE record_id = ?`,
				toUnix(now), id); err != nil {
				return persistErr("mark backup restored", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetRecord(ctx, id)
}

func (s *Store) explainMissedTransition(ctx context.Context, tx *sql.Tx, id string) error {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM optimization_records WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return persistErr("transition record", err)
	}
	if State(state).Terminal() {
		return ErrTerminal
	}
	return ErrStaleState
}

func logTransition(ctx context.Context, tx *sql.Tx, id string, from, to State, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO record_transitions (record_id, from_state, to_state, reason, at)
		VALUES (?, ?, ?, ?, ?)`, id, string(from), string(to), reason, toUnix(at))
	return persistErr("log transition", err)
}

// IncrementMonitorAttempts bumps the failed re-measurement counter of a
// monitoring record and returns the new count.
func (s *Store) IncrementMonitorAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.withTx(ctx, "increment monitor attempts", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE optimization_records SET monitor_attempts = monitor_attempts + 1, updated_at = ?
			WHERE id = ? AND state = ?`, toUnix(s.now()), id, string(StateMonitoring))
		if err != nil {
			return persistErr("increment monitor attempts", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.explainMissedTransition(ctx, tx, id)
		}
		err = tx.QueryRowContext(ctx, `SELECT monitor_attempts FROM optimization_records WHERE id = ?`, id).Scan(&attempts)
		return persistErr("increment monitor attempts", err)
	})
	return attempts, err
}

// GetRecord loads a record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (*OptimizationRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM optimization_records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get record", err)
	}
	return rec, nil
}

// InFlight returns the non-terminal record for target, or ErrNotFound.
func (s *Store) InFlight(ctx context.Context, target string) (*OptimizationRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+` FROM optimization_records
		WHERE target = ? AND state IN ('pending', 'backed_up', 'applied', 'monitoring')
		LIMIT 1`, target)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("in-flight record", err)
	}
	return rec, nil
}

// LatestCompleted returns the most recently completed terminal record of
// optType for target, or ErrNotFound.
func (s *Store) LatestCompleted(ctx context.Context, target, optType string) (*OptimizationRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+` FROM optimization_records
		WHERE target = ? AND type = ? AND state IN ('confirmed', 'rolled_back') AND completed_at IS NOT NULL
		ORDER BY completed_at DESC, created_at DESC
		LIMIT 1`, target, optType)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("latest completed record", err)
	}
	return rec, nil
}

// ListRecords returns records matching f, newest first.
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]*OptimizationRecord, error) {
	var where []string
	var args []any
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toUnix(f.Since))
	}
	q := "SELECT " + recordColumns + " FROM optimization_records"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.queryRecords(ctx, "list records", q, args...)
}

// DueForMonitoring returns monitoring records whose cooldown has elapsed.
func (s *Store) DueForMonitoring(ctx context.Context, now time.Time) ([]*OptimizationRecord, error) {
	return s.queryRecords(ctx, "due records", "SELECT "+recordColumns+` FROM optimization_records
		WHERE state = ? AND (cooldown_until IS NULL OR cooldown_until <= ?)
		ORDER BY cooldown_until, id`, string(StateMonitoring), toUnix(now))
}

func (s *Store) queryRecords(ctx context.Context, op, q string, args ...any) ([]*OptimizationRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()
	var out []*OptimizationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, rec)
	}
	return out, persistErr(op, rows.Err())
}

// TypeSuccessStats returns the mean success score and sample count over
// terminal records of optType that carry a score.
func (s *Store) TypeSuccessStats(ctx context.Context, optType string) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(success_score), COUNT(success_score) FROM optimization_records
		WHERE type = ? AND state IN ('confirmed', 'rolled_back') AND success_score IS NOT NULL`,
		optType).Scan(&avg, &n)
	if err != nil {
		return 0, 0, persistErr("type success stats", err)
	}
	return avg.Float64, n, nil
}

// CountByState returns the number of records per state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM optimization_records GROUP BY state`)
	if err != nil {
		return nil, persistErr("count by state", err)
	}
	defer rows.Close()
	out := map[State]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, persistErr("count by state", err)
		}
		out[State(st)] = n
	}
	return out, persistErr("count by state", rows.Err())
}

// GetBackup loads the backup belonging to recordID.
func (s *Store) GetBackup(ctx context.Context, recordID string) (*Backup, error) {
	var b Backup
	var created int64
	var restored, pruned sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, record_id, target, source_path, snapshot, checksum, created_at, restored_at, pruned_at
		FROM backups WHERE record_id = ?`, recordID).Scan(
		&b.ID, &b.RecordID, &b.Target, &b.SourcePath, &b.Snapshot, &b.Checksum, &created, &restored, &pruned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get backup", err)
	}
	b.CreatedAt = fromUnix(created)
	b.RestoredAt = nullTime(restored)
	b.PrunedAt = nullTime(pruned)
	return &b, nil
}

// PruneBackups drops snapshots of confirmed records completed before cutoff.
// Rows are kept so the ledger still references them.
func (s *Store) PruneBackups(ctx context.Context, cutoff time.Time) (int, error) {
	var pruned int
	err := s.withTx(ctx, "prune backups", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE backups SET snapshot = NULL, pruned_at = ?
			WHERE pruned_at IS NULL AND record_id IN (
				SELECT id FROM optimization_records
				WHERE state = ? AND completed_at IS NOT NULL AND completed_at < ?
			)`, toUnix(s.now()), string(StateConfirmed), toUnix(cutoff))
		if err != nil {
			return persistErr("prune backups", err)
		}
		n, err := res.RowsAffected()
		pruned = int(n)
		return persistErr("prune backups", err)
	})
	return pruned, err
}

// Transitions returns the audit trail of a record, oldest first.
func (s *Store) Transitions(ctx context.Context, recordID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_state, reason FROM record_transitions WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, persistErr("list transitions", err)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var to, reason string
		if err := rows.Scan(&to, &reason); err != nil {
			return nil, persistErr("list transitions", err)
		}
		out = append(out, Transition{To: State(to), Reason: reason})
	}
	return out, persistErr("list transitions", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*OptimizationRecord, error) {
	var rec OptimizationRecord
	var state, payload string
	var reason sql.NullString
	var actual, score sql.NullFloat64
	var cooldown, applied, completed sql.NullInt64
	var created, updated int64
	if err := row.Scan(&rec.ID, &rec.Type, &rec.Subtype, &rec.Target, &rec.SourcePath, &rec.MetricType,
		&rec.Baseline, &rec.ExpectedImprovement, &actual, &score, &state, &reason,
		&rec.MonitorAttempts, &cooldown, &rec.DiffRef, &payload, &created, &updated,
		&applied, &completed); err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.RollbackReason = reason.String
	rec.ActualImprovement = nullFloat(actual)
	rec.SuccessScore = nullFloat(score)
	rec.CooldownUntil = nullTime(cooldown)
	rec.AppliedAt = nullTime(applied)
	rec.CompletedAt = nullTime(completed)
	rec.CreatedAt = fromUnix(created)
	rec.UpdatedAt = fromUnix(updated)
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			slog.Warn("Store: ignoring corrupt record payload", "record", rec.ID, "payload", payload, "error", err)
			rec.Payload = nil
		}
	}
	return &rec, nil
}
