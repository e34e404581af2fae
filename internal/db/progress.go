package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soochol/ghachieve/internal/achieve"
)

// ErrNoRows is returned when an update or lookup matched nothing.
var ErrNoRows = errors.New("no matching rows")

const runColumns = `kind, display_name, tier, target_count, completed_count, status, created_at, updated_at, started_at, finished_at`

// UpsertRun inserts or updates a run without touching its completed count
// (beyond clamping it to the new target).
func (d *DB) UpsertRun(ctx context.Context, user string, kind achieve.Kind, displayName string, tier achieve.Tier, target int, now time.Time) (*achieve.Run, error) {
	_, err := d.Pool.ExecContext(ctx, d.rebind(`
		INSERT INTO achievement_runs (username, kind, display_name, tier, target_count, completed_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (username, kind) DO UPDATE SET
			display_name = excluded.display_name,
			tier = excluded.tier,
			target_count = excluded.target_count,
			completed_count = CASE
				WHEN achievement_runs.completed_count > excluded.target_count THEN excluded.target_count
				ELSE achievement_runs.completed_count END,
			updated_at = excluded.updated_at`),
		user, string(kind), displayName, string(tier), target, string(achieve.StatusPending), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert run: %w", err)
	}
	return d.GetRun(ctx, user, kind)
}

// GetRun retrieves a run by kind.
func (d *DB) GetRun(ctx context.Context, user string, kind achieve.Kind) (*achieve.Run, error) {
	row := d.Pool.QueryRowContext(ctx, d.rebind(`SELECT `+runColumns+` FROM achievement_runs WHERE username = ? AND kind = ?`),
		user, string(kind))
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", ErrNoRows, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns every run for user ordered by kind.
func (d *DB) ListRuns(ctx context.Context, user string) ([]*achieve.Run, error) {
	rows, err := d.Pool.QueryContext(ctx, d.rebind(`SELECT `+runColumns+` FROM achievement_runs WHERE username = ? ORDER BY kind`), user)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*achieve.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and all of its operations in one transaction.
func (d *DB) DeleteRun(ctx context.Context, user string, kind achieve.Kind) error {
	tx, err := d.Pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM achievement_runs WHERE username = ? AND kind = ?`), user, string(kind))
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", ErrNoRows, kind)
	}
	if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM achievement_operations WHERE username = ? AND kind = ?`), user, string(kind)); err != nil {
		return fmt.Errorf("delete operations: %w", err)
	}
	return tx.Commit()
}

// SetRunStatus updates status and the matching lifecycle timestamp.
func (d *DB) SetRunStatus(ctx context.Context, user string, kind achieve.Kind, status achieve.Status, now time.Time) error {
	query := `UPDATE achievement_runs SET status = ?, updated_at = ? WHERE username = ? AND kind = ?`
	args := []any{string(status), now, user, string(kind)}
	switch {
	case status == achieve.StatusInProgress:
		query = `UPDATE achievement_runs SET status = ?, updated_at = ?, started_at = ?, finished_at = NULL WHERE username = ? AND kind = ?`
		args = []any{string(status), now, now, user, string(kind)}
	case status.Terminal():
		query = `UPDATE achievement_runs SET status = ?, updated_at = ?, finished_at = ? WHERE username = ? AND kind = ?`
		args = []any{string(status), now, now, user, string(kind)}
	}
	return d.execOne(ctx, "set run status", query, args...)
}

// SetRunProgress stores the completed count clamped to [0, target].
func (d *DB) SetRunProgress(ctx context.Context, user string, kind achieve.Kind, completed int, now time.Time) error {
	if completed < 0 {
		completed = 0
	}
	return d.execOne(ctx, "set run progress", `
		UPDATE achievement_runs SET
			completed_count = CASE WHEN ? > target_count THEN target_count ELSE ? END,
			updated_at = ?
		WHERE username = ? AND kind = ?`,
		completed, completed, now, user, string(kind))
}

// ResetStuckOperations moves in_progress operations back to pending.
func (d *DB) ResetStuckOperations(ctx context.Context, user string, kind achieve.Kind, now time.Time) (int, error) {
	res, err := d.Pool.ExecContext(ctx, d.rebind(`
		UPDATE achievement_operations SET status = ?, updated_at = ?
		WHERE username = ? AND kind = ? AND status = ?`),
		string(achieve.StatusPending), now, user, string(kind), string(achieve.StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("reset stuck operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CompletedOperationNumbers returns the completed sequence numbers.
func (d *DB) CompletedOperationNumbers(ctx context.Context, user string, kind achieve.Kind) (map[int]bool, error) {
	rows, err := d.Pool.QueryContext(ctx, d.rebind(`
		SELECT sequence FROM achievement_operations
		WHERE username = ? AND kind = ? AND status = ?`),
		user, string(kind), string(achieve.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("completed operations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		out[seq] = true
	}
	return out, rows.Err()
}

// CountCompletedOperations counts distinct completed sequence numbers.
func (d *DB) CountCompletedOperations(ctx context.Context, user string, kind achieve.Kind) (int, error) {
	var n int
	err := d.Pool.QueryRowContext(ctx, d.rebind(`
		SELECT COUNT(DISTINCT sequence) FROM achievement_operations
		WHERE username = ? AND kind = ? AND status = ?`),
		user, string(kind), string(achieve.StatusCompleted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed operations: %w", err)
	}
	return n, nil
}

// CreateOperation inserts an operation record.
func (d *DB) CreateOperation(ctx context.Context, user string, op *achieve.Operation) error {
	_, err := d.Pool.ExecContext(ctx, d.rebind(`
		INSERT INTO achievement_operations (id, username, kind, sequence, operation_kind, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`),
		op.ID, user, string(op.Kind), op.Sequence, string(op.OperationKind), string(op.Status), op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// UpdateOperation stores the final status, result and error of an attempt.
func (d *DB) UpdateOperation(ctx context.Context, user, id string, update achieve.OperationUpdate, now time.Time) error {
	var result any
	if update.Status == achieve.StatusCompleted && update.Result != nil {
		b, err := json.Marshal(update.Result)
		if err != nil {
			return fmt.Errorf("encode operation result: %w", err)
		}
		result = string(b)
	}
	errMsg := update.Error
	if update.Status == achieve.StatusCompleted {
		errMsg = ""
	}
	return d.execOne(ctx, "update operation", `
		UPDATE achievement_operations SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE username = ? AND id = ?`,
		string(update.Status), result, errMsg, now, user, id)
}

// ListOperations returns all operations of a run ordered by sequence.
func (d *DB) ListOperations(ctx context.Context, user string, kind achieve.Kind) ([]*achieve.Operation, error) {
	rows, err := d.Pool.QueryContext(ctx, d.rebind(`
		SELECT id, kind, sequence, operation_kind, status, result, error, created_at, updated_at
		FROM achievement_operations WHERE username = ? AND kind = ?
		ORDER BY sequence, created_at`),
		user, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []*achieve.Operation
	for rows.Next() {
		op := &achieve.Operation{}
		var kindStr, opKind, status string
		var result sql.NullString
		if err := rows.Scan(&op.ID, &kindStr, &op.Sequence, &opKind, &status, &result, &op.Error, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = achieve.Kind(kindStr)
		op.OperationKind = achieve.OperationKind(opKind)
		op.Status = achieve.Status(status)
		if result.Valid && result.String != "" {
			op.Result = &achieve.StepResult{}
			if err := json.Unmarshal([]byte(result.String), op.Result); err != nil {
				return nil, fmt.Errorf("decode operation result: %w", err)
			}
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (d *DB) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := d.Pool.ExecContext(ctx, d.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*achieve.Run, error) {
	r := &achieve.Run{}
	var kind, tier, status string
	var started, finished sql.NullTime
	if err := s.Scan(&kind, &r.DisplayName, &tier, &r.TargetCount, &r.CompletedCount, &status,
		&r.CreatedAt, &r.UpdatedAt, &started, &finished); err != nil {
		return nil, err
	}
	r.Kind = achieve.Kind(kind)
	r.Tier = achieve.Tier(tier)
	r.Status = achieve.Status(status)
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return r, nil
}
