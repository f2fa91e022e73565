package model

import "time"

// BranchStatus is the lifecycle state of a work branch.
type BranchStatus string

const (
	StatusActive     BranchStatus = "active"
	StatusMerged     BranchStatus = "merged"
	StatusDeleted    BranchStatus = "deleted"
	StatusConflicted BranchStatus = "conflicted"
	// StatusUnknown marks a VCS branch that carries the work prefix but has no
	// stored metadata. It is never persisted.
	StatusUnknown BranchStatus = "unknown"
)

var transitions = map[BranchStatus][]BranchStatus{
	StatusActive:     {StatusMerged, StatusDeleted, StatusConflicted},
	StatusConflicted: {StatusActive, StatusDeleted},
	StatusMerged:     {StatusDeleted},
}

// CanTransition reports whether a branch may move from s to next.
func (s BranchStatus) CanTransition(next BranchStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further forward transition exists.
func (s BranchStatus) Terminal() bool {
	return s == StatusDeleted
}

// WorkBranch is a named unit of isolated work.
type WorkBranch struct {
	Name      string       `json:"name"`
	Purpose   string       `json:"purpose"`
	Owner     string       `json:"owner"`
	BaseHash  CommitID     `json:"base_hash"`
	CreatedAt time.Time    `json:"created_at"`
	MergedAt  *time.Time   `json:"merged_at,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
	Status    BranchStatus `json:"status"`
	// ReviewRef is the reference of a submitted review request, if any.
	ReviewRef string `json:"review_ref,omitempty"`
	// Issue is set by live listings when the record and the VCS disagree.
	Issue string `json:"issue,omitempty"`
}

// BranchFilter narrows a work branch listing. Zero values match everything.
type BranchFilter struct {
	Status BranchStatus
	Owner  string
}

// Matches reports whether wb passes the filter.
func (f BranchFilter) Matches(wb WorkBranch) bool {
	if f.Status != "" && wb.Status != f.Status {
		return false
	}
	if f.Owner != "" && wb.Owner != f.Owner {
		return false
	}
	return true
}
