package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
)

const recoveryColumns = `id, operation_type, created_at, storage_location, source_branch, restored, restored_at`

// InsertRecoveryPoint records a new checkpoint.
func (q queries) InsertRecoveryPoint(ctx context.Context, rp *model.RecoveryPoint) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO recovery_points (`+recoveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rp.ID, string(rp.OperationType), formatTime(rp.CreatedAt), rp.StorageLocation, rp.SourceBranch,
		boolInt(rp.Restored), nullTime(rp.RestoredAt))
	if err != nil {
		return fmt.Errorf("insert recovery point %s: %w", rp.ID, err)
	}
	return nil
}

// GetRecoveryPoint returns the checkpoint with id.
func (q queries) GetRecoveryPoint(ctx context.Context, id string) (*model.RecoveryPoint, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+recoveryColumns+` FROM recovery_points WHERE id = ?`, id)
	rp, err := scanRecovery(row)
	if isNoRows(err) {
		return nil, errclass.ErrNotFound.WithMessagef("recovery point %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get recovery point %s: %w", id, err)
	}
	return rp, nil
}

// ListRecoveryPoints returns checkpoints, newest first.
func (q queries) ListRecoveryPoints(ctx context.Context) ([]model.RecoveryPoint, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+recoveryColumns+` FROM recovery_points ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list recovery points: %w", err)
	}
	defer rows.Close()

	var out []model.RecoveryPoint
	for rows.Next() {
		rp, err := scanRecovery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recovery point: %w", err)
		}
		out = append(out, *rp)
	}
	return out, rows.Err()
}

// MarkRestored flags id as consumed. It fails if id was already restored.
func (q queries) MarkRestored(ctx context.Context, id string, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE recovery_points SET restored = 1, restored_at = ? WHERE id = ? AND restored = 0`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark restored %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.ErrRecoveryFailed.WithMessagef("recovery point %s already restored", id)
	}
	return nil
}

// DeleteRecoveryPoint removes the row for id.
func (q queries) DeleteRecoveryPoint(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM recovery_points WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete recovery point %s: %w", id, err)
	}
	return nil
}

func scanRecovery(s scanner) (*model.RecoveryPoint, error) {
	var (
		rp       model.RecoveryPoint
		op       string
		created  string
		restored int
		at       sql.NullString
	)
	if err := s.Scan(&rp.ID, &op, &created, &rp.StorageLocation, &rp.SourceBranch, &restored, &at); err != nil {
		return nil, err
	}
	rp.OperationType = model.OperationType(op)
	rp.CreatedAt = parseTime(created)
	rp.Restored = restored != 0
	rp.RestoredAt = timePtr(at)
	return &rp, nil
}
