package model

import "time"

// OperationType names the risky operation a recovery point guards.
type OperationType string

const (
	OpBranchCreate OperationType = "branch-create"
	OpBranchDelete OperationType = "branch-delete"
	OpMerge        OperationType = "merge"
	OpDriftSync    OperationType = "drift-sync"
	OpManual       OperationType = "manual"
)

// RecoveryPoint is a named, restorable snapshot taken before a risky operation.
type RecoveryPoint struct {
	ID              string        `json:"id"`
	OperationType   OperationType `json:"operation_type"`
	CreatedAt       time.Time     `json:"created_at"`
	StorageLocation string        `json:"storage_location"`
	SourceBranch    string        `json:"source_branch"`
	Restored        bool          `json:"restored"`
	RestoredAt      *time.Time    `json:"restored_at,omitempty"`
}

// CheckpointManifest is the on-disk state captured by a recovery point. Branch
// topology is recorded by hash; content history stays in the VCS.
type CheckpointManifest struct {
	ID              string            `json:"id"`
	OperationType   OperationType     `json:"operation_type"`
	CreatedAt       time.Time         `json:"created_at"`
	SourceBranch    string            `json:"source_branch"`
	SourceHash      CommitID          `json:"source_hash"`
	CheckedOut      string            `json:"checked_out"`
	HeadHash        CommitID          `json:"head_hash"`
	Branches        map[string]string `json:"branches"`
	MergeInProgress bool              `json:"merge_in_progress"`

	// Records holds the stored status of each work branch at capture time.
	Records map[string]BranchStatus `json:"records,omitempty"`
}
