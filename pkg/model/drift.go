package model

import "time"

// SyncState is the last known alignment between the user code history and the
// organizational branch. One row exists per repository path.
type SyncState struct {
	RepositoryPath    string    `json:"repository_path"`
	CurrentHash       CommitID  `json:"current_hash"`
	LastKnownHash     CommitID  `json:"last_known_hash"`
	CurrentBranch     string    `json:"current_branch"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp"`
}

// ChangeType is the kind of path-level change between two revisions.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// ResolutionStatus tracks reconciliation of an impact record.
type ResolutionStatus string

const (
	ResolutionPending    ResolutionStatus = "pending"
	ResolutionInProgress ResolutionStatus = "in-progress"
	ResolutionCompleted  ResolutionStatus = "completed"
	ResolutionFailed     ResolutionStatus = "failed"
)

// CategoryUncategorized is assigned to paths that match no classification rule.
const CategoryUncategorized = "uncategorized"

// ImpactRecord is one classified consequence of drift.
type ImpactRecord struct {
	ID                 int64            `json:"id"`
	CheckID            string           `json:"check_id"`
	ChangedPath        string           `json:"changed_path"`
	OldPath            string           `json:"old_path,omitempty"`
	Paths              []string         `json:"paths,omitempty"`
	ChangeType         ChangeType       `json:"change_type"`
	AffectedCategories []string         `json:"affected_categories"`
	Severity           Severity         `json:"severity"`
	ResolutionStatus   ResolutionStatus `json:"resolution_status"`
	// FromHash and ToHash identify the sync snapshot the record was computed
	// against.
	FromHash  CommitID  `json:"from_hash"`
	ToHash    CommitID  `json:"to_hash"`
	Conflict  bool      `json:"conflict,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
