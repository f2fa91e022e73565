// Package safety decides whether a proposed coordination operation may run.
//
// Check is a pure function: callers gather the facts into a Context and act
// on the Result. Blocking rules are evaluated first and the first match
// wins; autocorrections apply only when nothing blocks; warnings never
// change the decision.
package safety

import (
	"fmt"
	"strings"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
)

// Operation is a proposed coordination step.
type Operation string

const (
	OpCreateBranch Operation = "create-branch"
	OpMerge        Operation = "merge"
	OpDeleteBranch Operation = "delete-branch"
)

// Decision is the verdict on an operation.
type Decision string

const (
	Allow       Decision = "allow"
	Block       Decision = "block"
	Autocorrect Decision = "autocorrect"
)

// Context holds the facts an operation is judged against.
type Context struct {
	Topology model.Topology `json:"topology"`
	// CanonicalBranch is the organizational branch.
	CanonicalBranch string `json:"canonical_branch"`
	// UserBranch is the canonical user code history branch.
	UserBranch    string `json:"user_branch"`
	WorkPrefix    string `json:"work_prefix"`
	CurrentBranch string `json:"current_branch"`
	// BaseBranch is the proposed base for branch creation.
	BaseBranch string `json:"base_branch,omitempty"`
	// SourceBranch is the branch being merged or deleted.
	SourceBranch string `json:"source_branch,omitempty"`
	// TargetBranch is the branch a merge integrates into.
	TargetBranch string `json:"target_branch,omitempty"`
	// CurrentIsStale is set when the checkout is a work branch that is no
	// longer active.
	CurrentIsStale bool `json:"current_is_stale,omitempty"`
	// RemoteReview is set when the operation wants a review request.
	RemoteReview     bool `json:"remote_review,omitempty"`
	HostCLIAvailable bool `json:"host_cli_available"`
	// RemoteAncestry is set when the operation checks ancestry against a
	// remote.
	RemoteAncestry   bool `json:"remote_ancestry,omitempty"`
	NetworkReachable bool `json:"network_reachable"`
}

// Result is the outcome of Check.
type Result struct {
	Decision Decision       `json:"decision"`
	Severity model.Severity `json:"severity"`
	// Corrected is the adjusted context for an autocorrect decision.
	Corrected *Context `json:"corrected,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Blocked reports whether the operation must not run.
func (r Result) Blocked() bool {
	return r.Decision == Block
}

// Err returns errclass.ErrUnsafeOperation carrying the reasons for a block.
func (r Result) Err() error {
	if r.Decision != Block {
		return nil
	}
	return errclass.ErrUnsafeOperation.WithReasons(r.Reasons...)
}

type rule func(op Operation, c *Context) (model.Severity, string, bool)

var blockRules = []rule{
	userHistoryInSharedTopology,
	createFromNonCanonicalBase,
	mergeIntoNonCanonicalTarget,
	mergeNonWorkBranch,
	deleteProtectedBranch,
}

// Check evaluates op against c.
func Check(op Operation, c Context) Result {
	res := Result{Decision: Allow, Severity: model.SeverityLow}
	res.Warnings = warnings(op, &c)

	for _, r := range blockRules {
		if sev, reason, hit := r(op, &c); hit {
			res.Decision = Block
			res.Severity = sev
			res.Reasons = []string{reason}
			return res
		}
	}

	if op == OpCreateBranch && c.CurrentIsStale && c.CurrentBranch != c.CanonicalBranch {
		corrected := c
		corrected.CurrentBranch = c.CanonicalBranch
		corrected.CurrentIsStale = false
		res.Decision = Autocorrect
		res.Corrected = &corrected
		res.Reasons = []string{fmt.Sprintf(
			"checkout %s is a stale work branch; switching to %s before creating",
			c.CurrentBranch, c.CanonicalBranch)}
	}
	return res
}

func userHistoryInSharedTopology(op Operation, c *Context) (model.Severity, string, bool) {
	if c.Topology != model.TopologyClone && c.Topology != model.TopologyFork {
		return "", "", false
	}
	if c.UserBranch == "" {
		return "", "", false
	}
	switch op {
	case OpCreateBranch:
		if c.CurrentBranch == c.UserBranch {
			return model.SeverityHigh, fmt.Sprintf(
				"checkout is the canonical user branch %s in a %s; switch to %s first",
				c.UserBranch, c.Topology, c.CanonicalBranch), true
		}
	case OpMerge:
		if c.TargetBranch == c.UserBranch || c.CurrentBranch == c.UserBranch && c.TargetBranch == "" {
			return model.SeverityHigh, fmt.Sprintf(
				"refusing to merge into the canonical user branch %s of a %s",
				c.UserBranch, c.Topology), true
		}
	}
	return "", "", false
}

func createFromNonCanonicalBase(op Operation, c *Context) (model.Severity, string, bool) {
	if op != OpCreateBranch || c.BaseBranch == c.CanonicalBranch {
		return "", "", false
	}
	return model.SeverityHigh, fmt.Sprintf(
		"work branches must start from %s, not %q", c.CanonicalBranch, c.BaseBranch), true
}

func mergeIntoNonCanonicalTarget(op Operation, c *Context) (model.Severity, string, bool) {
	if op != OpMerge || c.TargetBranch == c.CanonicalBranch {
		return "", "", false
	}
	return model.SeverityHigh, fmt.Sprintf(
		"work branches merge into %s, not %q", c.CanonicalBranch, c.TargetBranch), true
}

func mergeNonWorkBranch(op Operation, c *Context) (model.Severity, string, bool) {
	if op != OpMerge || c.WorkPrefix == "" || strings.HasPrefix(c.SourceBranch, c.WorkPrefix+"-") {
		return "", "", false
	}
	return model.SeverityMedium, fmt.Sprintf(
		"%q is not a work branch (expected prefix %s-)", c.SourceBranch, c.WorkPrefix), true
}

func deleteProtectedBranch(op Operation, c *Context) (model.Severity, string, bool) {
	if op != OpDeleteBranch {
		return "", "", false
	}
	if c.SourceBranch == c.CanonicalBranch || (c.UserBranch != "" && c.SourceBranch == c.UserBranch) {
		return model.SeverityCritical, fmt.Sprintf("refusing to delete canonical branch %s", c.SourceBranch), true
	}
	if c.WorkPrefix != "" && !strings.HasPrefix(c.SourceBranch, c.WorkPrefix+"-") {
		return model.SeverityMedium, fmt.Sprintf(
			"%q is not a work branch (expected prefix %s-)", c.SourceBranch, c.WorkPrefix), true
	}
	return "", "", false
}

func warnings(op Operation, c *Context) []string {
	var out []string
	if op == OpMerge && c.RemoteReview && !c.HostCLIAvailable {
		out = append(out, "host platform CLI unavailable; review requests cannot be submitted")
	}
	if c.RemoteAncestry && !c.NetworkReachable {
		out = append(out, "network unreachable; remote ancestry checks skipped")
	}
	return out
}
