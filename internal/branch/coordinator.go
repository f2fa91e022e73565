// Package branch coordinates the lifecycle of work branches.
//
// The VCS is the source of truth for which branches exist; the store indexes
// their metadata and is repaired by Reconcile when the two disagree. Every
// mutating sequence runs under the repository lock and writes its store
// record only after the VCS change succeeded.
package branch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/orgflow/orgflow/internal/audit"
	"github.com/orgflow/orgflow/internal/cache"
	"github.com/orgflow/orgflow/internal/lock"
	"github.com/orgflow/orgflow/internal/naming"
	"github.com/orgflow/orgflow/internal/recovery"
	"github.com/orgflow/orgflow/internal/safety"
	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/metrics"
	"github.com/orgflow/orgflow/pkg/model"
)

// UnknownOwner is recorded for branches adopted by Reconcile.
const UnknownOwner = "unknown"

// ProfileSource supplies repository topology and the acting user.
type ProfileSource interface {
	Profile(ctx context.Context, forceRefresh bool) (*model.RepositoryProfile, error)
}

// Options configures a Coordinator.
type Options struct {
	// Canonical is the organizational branch work branches start from.
	Canonical string
	// UserBranch is the canonical user code history branch.
	UserBranch string
	// RepoPath keys cached branch listings.
	RepoPath string
	// Prefix, MaxNameLength and MaxNameAttempts configure the name
	// allocator built when Allocator is nil.
	Prefix          string
	MaxNameLength   int
	MaxNameAttempts int
	Allocator       *naming.Allocator
	Profiler        ProfileSource
	Ledger          *audit.Ledger
	Recovery        *recovery.Manager
	Locker          lock.Locker
	Cache           *cache.Cache
	Metrics         *metrics.Registry
	Logger          *logging.Logger
}

// Coordinator creates, lists, deletes and repairs work branches.
type Coordinator struct {
	git       *vcs.Git
	store     *store.Store
	canonical string
	userBr    string
	repoPath  string
	names     *naming.Allocator
	profiler  ProfileSource
	ledger    *audit.Ledger
	recovery  *recovery.Manager
	locker    lock.Locker
	cache     *cache.Cache
	metrics   *metrics.Registry
	log       *logging.Logger
	now       func() time.Time
}

// New creates a coordinator.
func New(git *vcs.Git, st *store.Store, opts Options) *Coordinator {
	c := &Coordinator{
		git:       git,
		store:     st,
		canonical: opts.Canonical,
		userBr:    opts.UserBranch,
		repoPath:  opts.RepoPath,
		names:     opts.Allocator,
		profiler:  opts.Profiler,
		ledger:    opts.Ledger,
		recovery:  opts.Recovery,
		locker:    opts.Locker,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		log:       logging.OrNop(opts.Logger).Named("branch"),
		now:       time.Now,
	}
	if c.names == nil {
		c.names = naming.New(opts.Prefix, opts.MaxNameLength, opts.MaxNameAttempts, c.Exists)
	}
	return c
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Prefix returns the work branch prefix.
func (c *Coordinator) Prefix() string {
	return c.names.Prefix()
}

// Exists reports whether name is taken by a VCS branch or any stored record.
// It is the allocator's collision check.
func (c *Coordinator) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := c.git.BranchExists(ctx, name)
	if err != nil || ok {
		return ok, err
	}
	return c.store.BranchRecordExists(ctx, name)
}

// CreateResult is the outcome of CreateWorkBranch.
type CreateResult struct {
	Branch *model.WorkBranch `json:"branch"`
	Safety safety.Result     `json:"safety"`
	// Checkpoint is the recovery point captured before the branch was made.
	Checkpoint string `json:"checkpoint,omitempty"`
}

// CreateWorkBranch allocates a name for purpose and user, creates the branch
// from the canonical branch and switches to it. An empty user is resolved
// through the profiler.
func (c *Coordinator) CreateWorkBranch(ctx context.Context, purpose, user string) (res *CreateResult, err error) {
	defer c.observe("branch.create", time.Now(), &err)

	prof, err := c.profile(ctx)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = prof.CurrentUser
	}

	err = lock.Run(ctx, c.locker, "branch-create", func(*model.LockRecord) error {
		res, err = c.create(ctx, prof, purpose, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) create(ctx context.Context, prof *model.RepositoryProfile, purpose, user string) (*CreateResult, error) {
	name, err := c.names.Allocate(ctx, purpose, user)
	if err != nil {
		return nil, err
	}
	defer c.names.Release(name)

	current, err := c.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	baseHash, err := c.git.BranchHead(ctx, c.canonical)
	if err != nil {
		return nil, err
	}
	if baseHash == "" {
		return nil, errclass.ErrVcsFailure.WithMessagef("canonical branch %s does not exist", c.canonical)
	}
	stale, err := c.isStale(ctx, current)
	if err != nil {
		return nil, err
	}

	verdict := safety.Check(safety.OpCreateBranch, safety.Context{
		Topology:         prof.Topology,
		CanonicalBranch:  c.canonical,
		UserBranch:       c.userBr,
		WorkPrefix:       c.Prefix(),
		CurrentBranch:    current,
		BaseBranch:       c.canonical,
		CurrentIsStale:   stale,
		HostCLIAvailable: prof.HostCLI,
		NetworkReachable: true,
	})
	if verdict.Blocked() {
		c.recordSafety(ctx, model.EventSafetyBlock, safety.OpCreateBranch, name, &verdict)
		return nil, verdict.Err()
	}

	res := &CreateResult{Safety: verdict}
	if c.recovery != nil {
		rp, err := c.recovery.Capture(ctx, model.OpBranchCreate, c.canonical)
		if err != nil {
			return nil, err
		}
		res.Checkpoint = rp.ID
	}

	if verdict.Decision == safety.Autocorrect {
		if err := c.git.Switch(ctx, verdict.Corrected.CurrentBranch); err != nil {
			return nil, err
		}
		c.log.Warn("switched away from stale work branch", map[string]any{
			"from": current, "to": verdict.Corrected.CurrentBranch,
		})
		c.recordSafety(ctx, model.EventSafetyAutocorrect, safety.OpCreateBranch, name, &verdict)
	}

	if err := c.git.CreateAndSwitch(ctx, name, baseHash); err != nil {
		return nil, err
	}
	c.invalidate()

	at := c.now().UTC()
	wb := &model.WorkBranch{
		Name:      name,
		Purpose:   purpose,
		Owner:     user,
		BaseHash:  baseHash,
		CreatedAt: at,
		UpdatedAt: at,
		Status:    model.StatusActive,
	}
	if err := c.store.InsertWorkBranch(context.WithoutCancel(ctx), wb); err != nil {
		c.undoCreate(ctx, name, current)
		return nil, err
	}
	res.Branch = wb

	_, _ = c.ledger.Record(ctx, audit.Entry{
		Type: model.EventBranchCreate,
		Payload: map[string]any{
			"name":       name,
			"purpose":    purpose,
			"owner":      user,
			"base_hash":  baseHash,
			"topology":   string(prof.Topology),
			"decision":   string(verdict.Decision),
			"checkpoint": res.Checkpoint,
		},
	})
	c.log.Info("work branch created", map[string]any{"name": name, "base": baseHash})
	return res, nil
}

// undoCreate removes a branch whose record could not be written.
func (c *Coordinator) undoCreate(ctx context.Context, name, previous string) {
	ctx = context.WithoutCancel(ctx)
	if previous != "" && previous != "HEAD" {
		if err := c.git.Switch(ctx, previous); err != nil {
			c.log.WarnErr("switch back after failed create", err, map[string]any{"branch": previous})
			return
		}
	}
	if err := c.git.DeleteBranch(ctx, name, true); err != nil {
		c.log.WarnErr("remove branch after failed create", err, map[string]any{"name": name})
	}
	c.invalidate()
}

// isStale reports whether branch is a work branch that no longer takes work:
// its record is merged or deleted.
func (c *Coordinator) isStale(ctx context.Context, branch string) (bool, error) {
	if !c.isWorkBranch(branch) {
		return false, nil
	}
	wb, err := c.store.GetWorkBranch(ctx, branch)
	if err != nil {
		if errclass.Code(err) == errclass.ErrNotFound.Code {
			return false, nil
		}
		return false, err
	}
	return wb.Status == model.StatusMerged || wb.Status == model.StatusDeleted, nil
}

func (c *Coordinator) isWorkBranch(name string) bool {
	return strings.HasPrefix(name, c.Prefix()+"-")
}

// ListWorkBranches joins the VCS branch listing with stored records. A VCS
// branch without a record is reported with status unknown; a live record
// whose branch is gone carries an Issue.
func (c *Coordinator) ListWorkBranches(ctx context.Context, filter model.BranchFilter) ([]model.WorkBranch, error) {
	live, err := c.liveBranches(ctx)
	if err != nil {
		return nil, err
	}
	records, err := c.store.ListWorkBranches(ctx, model.BranchFilter{})
	if err != nil {
		return nil, err
	}

	out := make([]model.WorkBranch, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, wb := range records {
		seen[wb.Name] = true
		if _, ok := live[wb.Name]; !ok && wb.Status != model.StatusDeleted {
			wb.Issue = "branch missing from VCS"
		}
		if filter.Matches(wb) {
			out = append(out, wb)
		}
	}

	var unknown []model.WorkBranch
	for name := range live {
		if seen[name] {
			continue
		}
		wb := model.WorkBranch{Name: name, Status: model.StatusUnknown, Issue: "no stored metadata"}
		if filter.Matches(wb) {
			unknown = append(unknown, wb)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i].Name < unknown[j].Name })
	return append(out, unknown...), nil
}

// liveBranches returns prefixed VCS branches mapped to their heads. The
// listing is cached; callers that mutate branches invalidate it.
func (c *Coordinator) liveBranches(ctx context.Context) (map[string]string, error) {
	load := func(ctx context.Context) (any, error) {
		branches, err := c.git.ListBranches(ctx, c.Prefix()+"-*")
		if err != nil {
			return nil, err
		}
		m := make(map[string]string, len(branches))
		for _, b := range branches {
			m[b.Name] = b.Head
		}
		return m, nil
	}
	if c.cache == nil {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return v.(map[string]string), nil
	}
	v, err := c.cache.GetOrCompute(ctx, cache.BranchesKey(c.repoPath), 0, load)
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (c *Coordinator) invalidate() {
	if c.cache != nil {
		c.cache.Invalidate(cache.BranchesKey(c.repoPath))
	}
}

// Get returns the stored record for name, flagged when its branch is gone.
func (c *Coordinator) Get(ctx context.Context, name string) (*model.WorkBranch, error) {
	wb, err := c.store.GetWorkBranch(ctx, name)
	if err != nil {
		if errclass.Code(err) != errclass.ErrNotFound.Code {
			return nil, err
		}
		head, herr := c.git.BranchHead(ctx, name)
		if herr != nil || head == "" || !c.isWorkBranch(name) {
			return nil, err
		}
		return &model.WorkBranch{Name: name, Status: model.StatusUnknown, Issue: "no stored metadata"}, nil
	}
	exists, err := c.git.BranchExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists && wb.Status != model.StatusDeleted {
		wb.Issue = "branch missing from VCS"
	}
	return wb, nil
}

// DeleteResult is the outcome of DeleteWorkBranch.
type DeleteResult struct {
	Name            string `json:"name"`
	UnmergedCommits int    `json:"unmerged_commits"`
	Forced          bool   `json:"forced"`
	Checkpoint      string `json:"checkpoint,omitempty"`
}

// DeleteWorkBranch removes a work branch. Without force it refuses a branch
// with commits not on the canonical branch. The outcome is always audited.
func (c *Coordinator) DeleteWorkBranch(ctx context.Context, name string, force bool) (res *DeleteResult, err error) {
	defer c.observe("branch.delete", time.Now(), &err)

	err = lock.Run(ctx, c.locker, "branch-delete", func(*model.LockRecord) error {
		res, err = c.delete(ctx, name, force)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) delete(ctx context.Context, name string, force bool) (*DeleteResult, error) {
	prof, err := c.profile(ctx)
	if err != nil {
		return nil, err
	}
	current, err := c.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	verdict := safety.Check(safety.OpDeleteBranch, safety.Context{
		Topology:         prof.Topology,
		CanonicalBranch:  c.canonical,
		UserBranch:       c.userBr,
		WorkPrefix:       c.Prefix(),
		CurrentBranch:    current,
		SourceBranch:     name,
		HostCLIAvailable: prof.HostCLI,
		NetworkReachable: true,
	})
	if verdict.Blocked() {
		c.recordSafety(ctx, model.EventSafetyBlock, safety.OpDeleteBranch, name, &verdict)
		return nil, verdict.Err()
	}

	wb, err := c.store.GetWorkBranch(ctx, name)
	if err != nil && errclass.Code(err) != errclass.ErrNotFound.Code {
		return nil, err
	}
	exists, err := c.git.BranchExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if wb == nil && !exists {
		return nil, errclass.ErrNotFound.WithMessagef("work branch %s", name)
	}

	res := &DeleteResult{Name: name, Forced: force}
	if exists {
		if res.UnmergedCommits, err = c.git.CountCommits(ctx, c.canonical, name); err != nil {
			return nil, err
		}
	}
	if res.UnmergedCommits > 0 && !force {
		c.recordDelete(ctx, res, "blocked")
		return nil, errclass.ErrBlockedByUnmergedWork.WithMessagef(
			"%s has %d commit(s) not on %s; use force to delete anyway",
			name, res.UnmergedCommits, c.canonical)
	}

	if exists {
		if c.recovery != nil {
			rp, err := c.recovery.Capture(ctx, model.OpBranchDelete, name)
			if err != nil {
				return nil, err
			}
			res.Checkpoint = rp.ID
		}
		if current == name {
			if err := c.git.Switch(ctx, c.canonical); err != nil {
				return nil, err
			}
		}
		if err := c.git.DeleteBranch(ctx, name, true); err != nil {
			return nil, err
		}
		c.invalidate()
	}

	if wb != nil && wb.Status != model.StatusDeleted {
		if _, err := c.store.TransitionBranch(context.WithoutCancel(ctx), name, model.StatusDeleted, c.now().UTC()); err != nil {
			return nil, err
		}
	}
	c.recordDelete(ctx, res, "deleted")
	return res, nil
}

func (c *Coordinator) recordDelete(ctx context.Context, res *DeleteResult, outcome string) {
	_, _ = c.ledger.Record(ctx, audit.Entry{
		Type: model.EventBranchDelete,
		Payload: map[string]any{
			"name":             res.Name,
			"outcome":          outcome,
			"force":            res.Forced,
			"unmerged_commits": res.UnmergedCommits,
			"checkpoint":       res.Checkpoint,
		},
	})
}

// MarkResolved returns a conflicted branch to active after the conflict was
// resolved by hand. It refuses while a merge is still in progress.
func (c *Coordinator) MarkResolved(ctx context.Context, name string) (wb *model.WorkBranch, err error) {
	defer c.observe("branch.resolve", time.Now(), &err)

	err = lock.Run(ctx, c.locker, "branch-resolve", func(*model.LockRecord) error {
		inProgress, err := c.git.MergeInProgress(ctx)
		if err != nil {
			return err
		}
		if inProgress {
			return errclass.ErrUnsafeOperation.WithReasons(
				"a merge is still in progress; commit or abort it before marking the branch resolved")
		}
		wb, err = c.store.TransitionBranch(ctx, name, model.StatusActive, c.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	_, _ = c.ledger.Record(ctx, audit.Entry{
		Type:    model.EventBranchResolve,
		Payload: map[string]any{"name": name},
	})
	return wb, nil
}

// ReconcileResult lists the repairs Reconcile made.
type ReconcileResult struct {
	// MarkedDeleted are records whose VCS branch vanished.
	MarkedDeleted []string `json:"marked_deleted"`
	// Adopted are prefixed VCS branches that had no record.
	Adopted []string `json:"adopted"`
	// Revived are deleted records whose branch exists again.
	Revived []string `json:"revived"`
}

// Changed reports whether any repair was made.
func (r *ReconcileResult) Changed() bool {
	return len(r.MarkedDeleted)+len(r.Adopted)+len(r.Revived) > 0
}

// Reconcile repairs the store to match the VCS.
func (c *Coordinator) Reconcile(ctx context.Context) (res *ReconcileResult, err error) {
	defer c.observe("branch.reconcile", time.Now(), &err)

	err = lock.Run(ctx, c.locker, "branch-reconcile", func(*model.LockRecord) error {
		res, err = c.reconcile(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) reconcile(ctx context.Context) (*ReconcileResult, error) {
	c.invalidate()
	live, err := c.liveBranches(ctx)
	if err != nil {
		return nil, err
	}
	records, err := c.store.ListWorkBranches(ctx, model.BranchFilter{})
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{MarkedDeleted: []string{}, Adopted: []string{}, Revived: []string{}}
	known := make(map[string]bool, len(records))
	var adopt []model.WorkBranch
	at := c.now().UTC()

	for _, wb := range records {
		known[wb.Name] = true
		_, inVCS := live[wb.Name]
		switch {
		case !inVCS && wb.Status != model.StatusDeleted:
			res.MarkedDeleted = append(res.MarkedDeleted, wb.Name)
		case inVCS && wb.Status == model.StatusDeleted:
			res.Revived = append(res.Revived, wb.Name)
		}
	}
	for name, head := range live {
		if known[name] {
			continue
		}
		base, err := c.git.MergeBase(ctx, c.canonical, head)
		if err != nil {
			return nil, err
		}
		adopt = append(adopt, model.WorkBranch{
			Name:      name,
			Purpose:   strings.TrimPrefix(name, c.Prefix()+"-"),
			Owner:     UnknownOwner,
			BaseHash:  base,
			CreatedAt: at,
			UpdatedAt: at,
			Status:    model.StatusActive,
		})
		res.Adopted = append(res.Adopted, name)
	}
	sort.Strings(res.Adopted)
	sort.Slice(adopt, func(i, j int) bool { return adopt[i].Name < adopt[j].Name })

	if !res.Changed() {
		return res, nil
	}
	err = c.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, name := range res.MarkedDeleted {
			if _, err := tx.TransitionBranch(ctx, name, model.StatusDeleted, at); err != nil {
				return err
			}
		}
		for _, name := range res.Revived {
			if err := tx.RestoreBranchStatus(ctx, name, model.StatusActive, at); err != nil {
				return err
			}
		}
		for i := range adopt {
			if err := tx.InsertWorkBranch(ctx, &adopt[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Warn("store repaired from VCS", map[string]any{
		"marked_deleted": res.MarkedDeleted,
		"adopted":        res.Adopted,
		"revived":        res.Revived,
	})
	_, _ = c.ledger.Record(ctx, audit.Entry{
		Type: model.EventBranchReconcile,
		Payload: map[string]any{
			"marked_deleted": res.MarkedDeleted,
			"adopted":        res.Adopted,
			"revived":        res.Revived,
		},
	})
	return res, nil
}

func (c *Coordinator) profile(ctx context.Context) (*model.RepositoryProfile, error) {
	if c.profiler == nil {
		return &model.RepositoryProfile{Topology: model.TopologyOriginal, CurrentUser: UnknownOwner}, nil
	}
	prof, err := c.profiler.Profile(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("profile repository: %w", err)
	}
	return prof, nil
}

func (c *Coordinator) recordSafety(ctx context.Context, typ model.AuditEventType, op safety.Operation, name string, v *safety.Result) {
	if typ == model.EventSafetyBlock {
		c.log.Warn("operation blocked", map[string]any{"operation": string(op), "name": name, "reasons": v.Reasons})
	}
	_, _ = c.ledger.Record(ctx, audit.Entry{
		Type: typ,
		Payload: map[string]any{
			"operation": string(op),
			"name":      name,
			"decision":  string(v.Decision),
			"severity":  string(v.Severity),
			"reasons":   v.Reasons,
			"warnings":  v.Warnings,
		},
	})
}

func (c *Coordinator) observe(op string, start time.Time, errp *error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if *errp != nil {
		outcome = errclass.Code(*errp)
		if outcome == "" {
			outcome = "error"
		}
	}
	c.metrics.RecordOperation(op, outcome, time.Since(start))
}
