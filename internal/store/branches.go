package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
)

const branchColumns = `name, purpose, owner, base_hash, status, review_ref, created_at, updated_at, merged_at`

// InsertWorkBranch writes a new work branch record.
func (q queries) InsertWorkBranch(ctx context.Context, wb *model.WorkBranch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO work_branches (`+branchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wb.Name, wb.Purpose, wb.Owner, wb.BaseHash, string(wb.Status), wb.ReviewRef,
		formatTime(wb.CreatedAt), formatTime(wb.UpdatedAt), nullTime(wb.MergedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errclass.ErrNameConflict.WithMessagef("work branch %s already recorded", wb.Name)
		}
		return fmt.Errorf("insert work branch %s: %w", wb.Name, err)
	}
	return nil
}

// GetWorkBranch returns the record for name.
func (q queries) GetWorkBranch(ctx context.Context, name string) (*model.WorkBranch, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM work_branches WHERE name = ?`, name)
	wb, err := scanBranch(row)
	if isNoRows(err) {
		return nil, errclass.ErrNotFound.WithMessagef("work branch %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get work branch %s: %w", name, err)
	}
	return wb, nil
}

// BranchRecordExists reports whether any record, in any status, holds name.
func (q queries) BranchRecordExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_branches WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check work branch %s: %w", name, err)
	}
	return n > 0, nil
}

// ListWorkBranches returns records matching filter ordered by creation time.
func (q queries) ListWorkBranches(ctx context.Context, filter model.BranchFilter) ([]model.WorkBranch, error) {
	query := `SELECT ` + branchColumns + ` FROM work_branches WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	query += ` ORDER BY created_at, name`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work branches: %w", err)
	}
	defer rows.Close()

	var out []model.WorkBranch
	for rows.Next() {
		wb, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work branch: %w", err)
		}
		out = append(out, *wb)
	}
	return out, rows.Err()
}

// TransitionBranch moves name to next, enforcing the lifecycle transition
// table. mergedAt is recorded when next is merged.
func (q queries) TransitionBranch(ctx context.Context, name string, next model.BranchStatus, at time.Time) (*model.WorkBranch, error) {
	wb, err := q.GetWorkBranch(ctx, name)
	if err != nil {
		return nil, err
	}
	if !wb.Status.CanTransition(next) {
		return nil, errclass.ErrInvalidTransition.WithMessagef("%s: %s -> %s", name, wb.Status, next)
	}

	var merged sql.NullString
	if next == model.StatusMerged {
		merged = nullTime(&at)
	} else {
		merged = nullTime(wb.MergedAt)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_branches SET status = ?, updated_at = ?, merged_at = ?
		WHERE name = ? AND status = ?`,
		string(next), formatTime(at), merged, name, string(wb.Status))
	if err != nil {
		return nil, fmt.Errorf("update work branch %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errclass.ErrInvalidTransition.WithMessagef("%s changed concurrently", name)
	}

	wb.Status = next
	wb.UpdatedAt = at
	if next == model.StatusMerged {
		wb.MergedAt = &at
	}
	return wb, nil
}

// RestoreBranchStatus sets status without transition checks and clears
// merged_at unless status is merged. Only recovery and reconciliation repair
// records this way.
func (q queries) RestoreBranchStatus(ctx context.Context, name string, status model.BranchStatus, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE work_branches
		SET status = ?, updated_at = ?, merged_at = CASE WHEN ? = 'merged' THEN merged_at ELSE NULL END
		WHERE name = ?`,
		string(status), formatTime(at), string(status), name)
	if err != nil {
		return fmt.Errorf("restore work branch %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errclass.ErrNotFound.WithMessagef("work branch %s", name)
	}
	return nil
}

// SetReviewRef records the review request reference for name.
func (q queries) SetReviewRef(ctx context.Context, name, ref string, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE work_branches SET review_ref = ?, updated_at = ? WHERE name = ?`,
		ref, formatTime(at), name)
	if err != nil {
		return fmt.Errorf("set review ref %s: %w", name, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBranch(s scanner) (*model.WorkBranch, error) {
	var (
		wb               model.WorkBranch
		status           string
		created, updated string
		merged           sql.NullString
	)
	if err := s.Scan(&wb.Name, &wb.Purpose, &wb.Owner, &wb.BaseHash, &status, &wb.ReviewRef,
		&created, &updated, &merged); err != nil {
		return nil, err
	}
	wb.Status = model.BranchStatus(status)
	wb.CreatedAt = parseTime(created)
	wb.UpdatedAt = parseTime(updated)
	wb.MergedAt = timePtr(merged)
	return &wb, nil
}
