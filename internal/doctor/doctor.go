// Package doctor checks that the VCS, the store, the audit chain and the
// state directory agree, and repairs what can be repaired safely.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orgflow/orgflow/internal/audit"
	"github.com/orgflow/orgflow/internal/branch"
	"github.com/orgflow/orgflow/internal/lock"
	"github.com/orgflow/orgflow/internal/recovery"
	"github.com/orgflow/orgflow/internal/repo"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/progress"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	// Repair names the repair action that addresses the finding.
	Repair string `json:"repair,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
	Repaired []string  `json:"repaired,omitempty"`
}

// Repair action names.
const (
	RepairReconcile   = "reconcile-branches"
	RepairLock        = "clear-expired-lock"
	RepairCheckpoints = "remove-orphan-checkpoints"
	RepairTmp         = "remove-tmp-files"
)

// RepairAction describes an available repair.
type RepairAction struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	AutoSafe    bool   `json:"auto_safe"`
}

// Deps are the components the doctor inspects.
type Deps struct {
	Git         *vcs.Git
	Canonical   string
	Coordinator *branch.Coordinator
	Ledger      *audit.Ledger
	Locks       *lock.Manager
	Recovery    *recovery.Manager
	Logger      *logging.Logger
	// Progress receives one update per finished check.
	Progress progress.Callback
}

// Doctor performs repository health checks.
type Doctor struct {
	repo *repo.Repo
	deps Deps
	log  *logging.Logger
}

// New creates a doctor for r.
func New(r *repo.Repo, deps Deps) *Doctor {
	return &Doctor{repo: r, deps: deps, log: logging.OrNop(deps.Logger).Named("doctor")}
}

// ListRepairActions returns the repairs Check can run.
func ListRepairActions() []RepairAction {
	return []RepairAction{
		{RepairReconcile, "mark records of vanished branches deleted and adopt untracked work branches", true},
		{RepairLock, "remove a repository lock whose lease expired", true},
		{RepairCheckpoints, "remove checkpoint manifests with no recovery point", true},
		{RepairTmp, "remove interrupted atomic-write temp files from the state directory", true},
	}
}

// Check runs all diagnostic checks. With repair set, findings that have a
// repair action are fixed and the affected checks run again.
func (d *Doctor) Check(ctx context.Context, repair bool) (*Result, error) {
	result := d.check(ctx)
	if !repair {
		return result, nil
	}

	actions := map[string]bool{}
	for _, f := range result.Findings {
		if f.Repair != "" {
			actions[f.Repair] = true
		}
	}
	if len(actions) == 0 {
		return result, nil
	}
	var repaired []string
	for _, a := range ListRepairActions() {
		if !actions[a.Name] {
			continue
		}
		msg, err := d.repair(ctx, a.Name)
		if err != nil {
			return nil, fmt.Errorf("repair %s: %w", a.Name, err)
		}
		d.log.Info("repaired", map[string]any{"action": a.Name, "detail": msg})
		repaired = append(repaired, fmt.Sprintf("%s: %s", a.Name, msg))
	}
	result = d.check(ctx)
	result.Repaired = repaired
	return result, nil
}

func (d *Doctor) check(ctx context.Context) *Result {
	result := &Result{Healthy: true, Findings: []Finding{}}
	checks := []struct {
		name string
		run  func()
	}{
		{"format version", func() { d.checkFormatVersion(result) }},
		{"canonical branch", func() { d.checkCanonical(ctx, result) }},
		{"work branches", func() { d.checkBranches(ctx, result) }},
		{"merge state", func() { d.checkMergeInProgress(ctx, result) }},
		{"audit chain", func() { d.checkAuditChain(ctx, result) }},
		{"lock", func() { d.checkLock(result) }},
		{"checkpoints", func() { d.checkOrphanCheckpoints(ctx, result) }},
		{"temp files", func() { d.checkOrphanTmp(result) }},
	}
	p := progress.New("doctor", len(checks), d.deps.Progress)
	for _, c := range checks {
		c.run()
		p.Step(c.name)
	}
	return result
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError || f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

func (d *Doctor) checkFormatVersion(result *Result) {
	if d.repo.FormatVersion > repo.FormatVersion {
		result.add(Finding{
			Category:    "format",
			Description: fmt.Sprintf("format version %d > supported %d", d.repo.FormatVersion, repo.FormatVersion),
			Severity:    SeverityCritical,
			Path:        filepath.Join(d.repo.StateDir, repo.FormatVersionFile),
		})
	}
}

func (d *Doctor) checkCanonical(ctx context.Context, result *Result) {
	if d.deps.Git == nil || d.deps.Canonical == "" {
		return
	}
	ok, err := d.deps.Git.BranchExists(ctx, d.deps.Canonical)
	switch {
	case err != nil:
		result.add(Finding{Category: "vcs", Description: fmt.Sprintf("cannot read branches: %v", err), Severity: SeverityError})
	case !ok:
		result.add(Finding{
			Category:    "vcs",
			Description: fmt.Sprintf("canonical branch %s is missing (run 'orgflow init')", d.deps.Canonical),
			Severity:    SeverityCritical,
		})
	}
}

func (d *Doctor) checkBranches(ctx context.Context, result *Result) {
	if d.deps.Coordinator == nil {
		return
	}
	branches, err := d.deps.Coordinator.ListWorkBranches(ctx, model.BranchFilter{})
	if err != nil {
		result.add(Finding{Category: "branch", Description: fmt.Sprintf("cannot list work branches: %v", err), Severity: SeverityError})
		return
	}
	for _, wb := range branches {
		switch {
		case wb.Issue == "":
		case wb.Status == model.StatusUnknown:
			result.add(Finding{
				Category:    "branch",
				Description: fmt.Sprintf("branch %s has no stored metadata", wb.Name),
				Severity:    SeverityWarning,
				Repair:      RepairReconcile,
			})
		default:
			result.add(Finding{
				Category:    "branch",
				Description: fmt.Sprintf("%s branch %s is missing from the repository", wb.Status, wb.Name),
				Severity:    SeverityError,
				Repair:      RepairReconcile,
			})
		}
	}
}

func (d *Doctor) checkMergeInProgress(ctx context.Context, result *Result) {
	if d.deps.Git == nil {
		return
	}
	inProgress, err := d.deps.Git.MergeInProgress(ctx)
	if err != nil || !inProgress {
		return
	}
	files, _ := d.deps.Git.ConflictedFiles(ctx)
	desc := fmt.Sprintf("merge in progress with %d conflicted files; resolve, commit and run 'orgflow branch resolve'", len(files))
	result.add(Finding{Category: "merge", Description: desc, Severity: SeverityWarning})
}

func (d *Doctor) checkAuditChain(ctx context.Context, result *Result) {
	if d.deps.Ledger == nil {
		return
	}
	v, err := d.deps.Ledger.VerifyChain(ctx, 0, 0)
	if err != nil {
		result.add(Finding{Category: "audit", Description: fmt.Sprintf("cannot read audit ledger: %v", err), Severity: SeverityError})
		return
	}
	if !v.OK {
		result.add(Finding{
			Category:    "audit",
			Description: fmt.Sprintf("audit chain broken at event %d: %s", v.BrokenAt, v.Reason),
			Severity:    SeverityCritical,
		})
	}
}

func (d *Doctor) checkLock(result *Result) {
	if d.deps.Locks == nil {
		return
	}
	state, rec, err := d.deps.Locks.Status()
	if err != nil {
		result.add(Finding{Category: "lock", Description: fmt.Sprintf("cannot read lock: %v", err), Severity: SeverityWarning})
		return
	}
	if state == model.LockStateExpired {
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("expired lock held for %q (since %s)", rec.Purpose, rec.ExpiresAt.Format(time.RFC3339)),
			Severity:    SeverityInfo,
			Repair:      RepairLock,
		})
	}
}

func (d *Doctor) checkOrphanCheckpoints(ctx context.Context, result *Result) {
	if d.deps.Recovery == nil {
		return
	}
	orphans, err := d.deps.Recovery.Orphans(ctx)
	if err != nil {
		result.add(Finding{Category: "checkpoint", Description: fmt.Sprintf("cannot scan checkpoints: %v", err), Severity: SeverityWarning})
		return
	}
	for _, p := range orphans {
		result.add(Finding{
			Category:    "checkpoint",
			Description: fmt.Sprintf("orphan checkpoint manifest: %s", filepath.Base(p)),
			Severity:    SeverityWarning,
			Path:        p,
			Repair:      RepairCheckpoints,
		})
	}
}

func (d *Doctor) tmpFiles() []string {
	var out []string
	filepath.WalkDir(d.repo.StateDir, func(path string, e os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !e.IsDir() && strings.HasPrefix(e.Name(), ".orgflow-tmp-") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	for _, p := range d.tmpFiles() {
		result.add(Finding{
			Category:    "tmp",
			Description: fmt.Sprintf("orphan temp file: %s", filepath.Base(p)),
			Severity:    SeverityInfo,
			Path:        p,
			Repair:      RepairTmp,
		})
	}
}

func (d *Doctor) repair(ctx context.Context, action string) (string, error) {
	switch action {
	case RepairReconcile:
		res, err := d.deps.Coordinator.Reconcile(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("marked %d deleted, adopted %d, revived %d",
			len(res.MarkedDeleted), len(res.Adopted), len(res.Revived)), nil
	case RepairLock:
		if err := d.deps.Locks.ForceRelease(); err != nil {
			return "", err
		}
		return "lock removed", nil
	case RepairCheckpoints:
		orphans, err := d.deps.Recovery.Orphans(ctx)
		if err != nil {
			return "", err
		}
		return removeAll(orphans)
	case RepairTmp:
		return removeAll(d.tmpFiles())
	}
	return "", fmt.Errorf("unknown repair action %q", action)
}

func removeAll(paths []string) (string, error) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return fmt.Sprintf("removed %d files", len(paths)), nil
}
