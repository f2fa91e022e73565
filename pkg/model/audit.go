package model

import (
	"strings"
	"time"
)

// AuditEventType identifies the type of auditable event. The segment before
// the first dot is the event category.
type AuditEventType string

const (
	EventBranchCreate      AuditEventType = "branch.create"
	EventBranchDelete      AuditEventType = "branch.delete"
	EventBranchResolve     AuditEventType = "branch.resolve"
	EventBranchReconcile   AuditEventType = "branch.reconcile"
	EventSafetyBlock       AuditEventType = "safety.block"
	EventSafetyAutocorrect AuditEventType = "safety.autocorrect"
	EventMergeOutcome      AuditEventType = "merge.outcome"
	EventDriftDetected     AuditEventType = "drift.detected"
	EventDriftConfirmed    AuditEventType = "drift.confirmed"
	EventDriftBaseline     AuditEventType = "drift.baseline"
	EventCheckpoint        AuditEventType = "recovery.checkpoint"
	EventRollback          AuditEventType = "recovery.rollback"
	EventRecoveryPrune     AuditEventType = "recovery.prune"
	EventAuditPrune        AuditEventType = "audit.prune"
)

// Category returns the event category.
func (t AuditEventType) Category() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// AuditEvent is one immutable, hash-chained ledger entry.
type AuditEvent struct {
	Seq          int64          `json:"seq"`
	EventType    AuditEventType `json:"event_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Actor        string         `json:"actor"`
	Payload      map[string]any `json:"payload,omitempty"`
	PrevChecksum HashValue      `json:"prev_checksum"`
	Checksum     HashValue      `json:"checksum"`
	// RawPayload is the canonical payload text exactly as stored.
	RawPayload []byte `json:"-"`
}

// AuditFilter narrows a ledger query. Zero values match everything.
type AuditFilter struct {
	Since      time.Time
	Until      time.Time
	Category   string
	EventTypes []AuditEventType
	Actor      string
	Limit      int
}
