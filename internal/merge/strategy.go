// Package merge integrates work branches into the canonical organizational
// branch, either by submitting a review request to the hosting platform or
// by merging directly.
package merge

// Strategy is how a work branch is integrated.
type Strategy string

const (
	StrategyReview Strategy = "review-request"
	StrategyDirect Strategy = "direct-merge"
)

// Capabilities are the facts strategy selection is made from.
type Capabilities struct {
	ReviewEnabled     bool   `json:"review_enabled"`
	Provider          string `json:"provider,omitempty"`
	HostAvailable     bool   `json:"host_available"`
	HostAuthenticated bool   `json:"host_authenticated"`
	RemoteConfigured  bool   `json:"remote_configured"`
	BranchPushed      bool   `json:"branch_pushed"`
	BranchPushable    bool   `json:"branch_pushable"`
}

// SelectStrategy prefers a review request when every precondition holds and
// otherwise falls back to a direct merge. reasons lists each unmet
// precondition.
func SelectStrategy(c Capabilities) (Strategy, []string) {
	var reasons []string
	if !c.ReviewEnabled {
		reasons = append(reasons, "review requests disabled by configuration")
	}
	switch {
	case !c.HostAvailable:
		reasons = append(reasons, "host integration not available")
	case !c.HostAuthenticated:
		reasons = append(reasons, "host integration not authenticated")
	}
	if !c.RemoteConfigured {
		reasons = append(reasons, "no remote repository configured")
	} else if !c.BranchPushed && !c.BranchPushable {
		reasons = append(reasons, "branch is neither pushed nor pushable")
	}
	if len(reasons) > 0 {
		return StrategyDirect, reasons
	}
	return StrategyReview, nil
}
