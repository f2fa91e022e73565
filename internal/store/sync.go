package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
)

// GetSyncState returns the sync state for repoPath.
func (q queries) GetSyncState(ctx context.Context, repoPath string) (*model.SyncState, error) {
	var (
		st       model.SyncState
		lastSync string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT repository_path, current_hash, last_known_hash, current_branch, last_sync_timestamp
		FROM sync_states WHERE repository_path = ?`, repoPath).
		Scan(&st.RepositoryPath, &st.CurrentHash, &st.LastKnownHash, &st.CurrentBranch, &lastSync)
	if isNoRows(err) {
		return nil, errclass.ErrNotFound.WithMessagef("sync state for %s", repoPath)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	st.LastSyncTimestamp = parseTime(lastSync)
	return &st, nil
}

// UpsertSyncState replaces the single sync state row for st.RepositoryPath.
func (q queries) UpsertSyncState(ctx context.Context, st *model.SyncState) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_states (repository_path, current_hash, last_known_hash, current_branch, last_sync_timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repository_path) DO UPDATE SET
			current_hash = excluded.current_hash,
			last_known_hash = excluded.last_known_hash,
			current_branch = excluded.current_branch,
			last_sync_timestamp = excluded.last_sync_timestamp`,
		st.RepositoryPath, st.CurrentHash, st.LastKnownHash, st.CurrentBranch, formatTime(st.LastSyncTimestamp))
	if err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}

const impactColumns = `id, check_id, changed_path, old_path, paths, change_type, categories,
	severity, resolution_status, from_hash, to_hash, conflict, created_at`

// InsertImpacts writes the records of one drift check and assigns their ids.
func (q queries) InsertImpacts(ctx context.Context, repoPath string, records []model.ImpactRecord) error {
	for i := range records {
		r := &records[i]
		paths, err := json.Marshal(nonNil(r.Paths))
		if err != nil {
			return err
		}
		cats, err := json.Marshal(nonNil(r.AffectedCategories))
		if err != nil {
			return err
		}
		res, err := q.db.ExecContext(ctx, `
			INSERT INTO impact_records (check_id, repository_path, changed_path, old_path, paths, change_type,
				categories, severity, resolution_status, from_hash, to_hash, conflict, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.CheckID, repoPath, r.ChangedPath, r.OldPath, string(paths), string(r.ChangeType),
			string(cats), string(r.Severity), string(r.ResolutionStatus), r.FromHash, r.ToHash,
			boolInt(r.Conflict), formatTime(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert impact %s: %w", r.ChangedPath, err)
		}
		r.ID, _ = res.LastInsertId()
	}
	return nil
}

// ListImpacts returns the records of one drift check.
func (q queries) ListImpacts(ctx context.Context, checkID string) ([]model.ImpactRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+impactColumns+` FROM impact_records WHERE check_id = ? ORDER BY id`, checkID)
	if err != nil {
		return nil, fmt.Errorf("list impacts: %w", err)
	}
	defer rows.Close()

	var out []model.ImpactRecord
	for rows.Next() {
		var (
			r                       model.ImpactRecord
			paths, cats             string
			changeType, sev, status string
			conflict                int
			created                 string
		)
		if err := rows.Scan(&r.ID, &r.CheckID, &r.ChangedPath, &r.OldPath, &paths, &changeType, &cats,
			&sev, &status, &r.FromHash, &r.ToHash, &conflict, &created); err != nil {
			return nil, fmt.Errorf("scan impact: %w", err)
		}
		_ = json.Unmarshal([]byte(paths), &r.Paths)
		_ = json.Unmarshal([]byte(cats), &r.AffectedCategories)
		r.ChangeType = model.ChangeType(changeType)
		r.Severity = model.Severity(sev)
		r.ResolutionStatus = model.ResolutionStatus(status)
		r.Conflict = conflict != 0
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestCheckID returns the most recent drift check id for repoPath, or "".
func (q queries) LatestCheckID(ctx context.Context, repoPath string) (string, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `
		SELECT check_id FROM impact_records WHERE repository_path = ?
		ORDER BY id DESC LIMIT 1`, repoPath).Scan(&id)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest check: %w", err)
	}
	return id, nil
}

// SetImpactResolution updates every record of checkID and returns how many
// rows changed.
func (q queries) SetImpactResolution(ctx context.Context, checkID string, status model.ResolutionStatus) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE impact_records SET resolution_status = ? WHERE check_id = ?`, string(status), checkID)
	if err != nil {
		return 0, fmt.Errorf("set impact resolution: %w", err)
	}
	return res.RowsAffected()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
