// Package model holds the persistent and wire types shared by orgflow components.
package model

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// CommitID is a VCS commit object id.
type CommitID = string

// Severity ranks how urgently a finding or impact needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Topology describes how a repository relates to its remotes.
type Topology string

const (
	TopologyOriginal Topology = "original"
	TopologyClone    Topology = "clone"
	TopologyFork     Topology = "fork"
)
