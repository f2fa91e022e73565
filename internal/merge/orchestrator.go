package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orgflow/orgflow/internal/audit"
	"github.com/orgflow/orgflow/internal/branch"
	"github.com/orgflow/orgflow/internal/cache"
	"github.com/orgflow/orgflow/internal/lock"
	"github.com/orgflow/orgflow/internal/recovery"
	"github.com/orgflow/orgflow/internal/safety"
	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/metrics"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/template"
)

// DefaultTitleTemplate is used when ReviewOptions.TitleTemplate is empty.
const DefaultTitleTemplate = "{purpose}: merge {branch}"

// maxLogLines bounds the commit summary in review descriptions.
const maxLogLines = 50

// ReviewOptions configures review requests.
type ReviewOptions struct {
	Enabled       bool
	Draft         bool
	TitleTemplate string
	Labels        []string
	Reviewers     []string
}

// Options configures an Orchestrator.
type Options struct {
	Canonical  string
	UserBranch string
	Prefix     string
	RepoPath   string
	// Remote receives pushed work branches.
	Remote string
	Review ReviewOptions
	// Submitter is nil when no hosting integration is configured.
	Submitter Submitter
	Profiler  branch.ProfileSource
	Ledger    *audit.Ledger
	Recovery  *recovery.Manager
	Locker    lock.Locker
	Cache     *cache.Cache
	Metrics   *metrics.Registry
	Logger    *logging.Logger
}

// Orchestrator merges work branches.
type Orchestrator struct {
	git       *vcs.Git
	store     *store.Store
	canonical string
	userBr    string
	prefix    string
	repoPath  string
	remote    string
	review    ReviewOptions
	submitter Submitter
	profiler  branch.ProfileSource
	ledger    *audit.Ledger
	recovery  *recovery.Manager
	locker    lock.Locker
	cache     *cache.Cache
	metrics   *metrics.Registry
	log       *logging.Logger
	now       func() time.Time
}

// New creates an orchestrator.
func New(git *vcs.Git, st *store.Store, opts Options) *Orchestrator {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Review.TitleTemplate == "" {
		opts.Review.TitleTemplate = DefaultTitleTemplate
	}
	return &Orchestrator{
		git:       git,
		store:     st,
		canonical: opts.Canonical,
		userBr:    opts.UserBranch,
		prefix:    opts.Prefix,
		repoPath:  opts.RepoPath,
		remote:    opts.Remote,
		review:    opts.Review,
		submitter: opts.Submitter,
		profiler:  opts.Profiler,
		ledger:    opts.Ledger,
		recovery:  opts.Recovery,
		locker:    opts.Locker,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		log:       logging.OrNop(opts.Logger).Named("merge"),
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Outcome statuses.
const (
	StatusMerged          = "merged"
	StatusConflicted      = "conflicted"
	StatusReviewRequested = "review-requested"
	StatusBlocked         = "blocked"
	StatusFailed          = "failed"
)

// Outcome is the result of one merge attempt.
type Outcome struct {
	Branch       string       `json:"branch"`
	Strategy     Strategy     `json:"strategy,omitempty"`
	Status       string       `json:"status"`
	Reasons      []string     `json:"reasons,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Commit       string       `json:"commit,omitempty"`
	Conflicts    []string     `json:"conflicts,omitempty"`
	ReviewRef    string       `json:"review_ref,omitempty"`
	Checkpoint   string       `json:"checkpoint,omitempty"`
}

// Merge integrates the work branch name into the canonical branch. A merge
// that stops on conflicts is not an error: the outcome reports the
// conflicts, the branch becomes conflicted and the working copy is left for
// manual resolution. Exactly one merge.outcome event is recorded per call.
func (o *Orchestrator) Merge(ctx context.Context, name string) (out *Outcome, err error) {
	start := time.Now()
	out = &Outcome{Branch: name}
	defer func() {
		if err != nil && out.Status == "" {
			out.Status = StatusFailed
		}
		o.record(ctx, out, err)
		if o.metrics != nil {
			o.metrics.RecordOperation("merge", outcomeLabel(out, err), time.Since(start))
		}
	}()

	err = lock.Run(ctx, o.locker, "merge", func(rec *model.LockRecord) error {
		return o.merge(ctx, rec, out)
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

func (o *Orchestrator) merge(ctx context.Context, rec *model.LockRecord, out *Outcome) error {
	name := out.Branch
	wb, err := o.store.GetWorkBranch(ctx, name)
	if err != nil {
		return err
	}
	switch wb.Status {
	case model.StatusActive:
	case model.StatusConflicted:
		return errclass.ErrInvalidTransition.WithMessagef(
			"%s has unresolved conflicts; resolve them and mark the branch resolved first", name)
	default:
		return errclass.ErrInvalidTransition.WithMessagef("%s is %s", name, wb.Status)
	}
	exists, err := o.git.BranchExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return errclass.ErrVcsFailure.WithMessagef("branch %s is missing from the repository; run reconcile", name)
	}
	if ok, err := o.git.BranchExists(ctx, o.canonical); err != nil {
		return err
	} else if !ok {
		return errclass.ErrVcsFailure.WithMessagef("canonical branch %s does not exist", o.canonical)
	}

	prof, err := o.profile(ctx)
	if err != nil {
		return err
	}
	out.Capabilities = o.probe(ctx, prof, name)
	strategy, reasons := SelectStrategy(out.Capabilities)
	out.Reasons = reasons

	current, err := o.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	verdict := safety.Check(safety.OpMerge, safety.Context{
		Topology:         prof.Topology,
		CanonicalBranch:  o.canonical,
		UserBranch:       o.userBr,
		WorkPrefix:       o.prefix,
		CurrentBranch:    current,
		SourceBranch:     name,
		TargetBranch:     o.canonical,
		RemoteReview:     strategy == StrategyReview,
		HostCLIAvailable: out.Capabilities.HostAvailable,
		NetworkReachable: true,
	})
	if verdict.Blocked() {
		out.Status = StatusBlocked
		out.Reasons = append(out.Reasons, verdict.Reasons...)
		o.log.Warn("merge blocked", map[string]any{"branch": name, "reasons": verdict.Reasons})
		return verdict.Err()
	}
	out.Reasons = append(out.Reasons, verdict.Warnings...)

	if strategy == StrategyReview {
		if _, err := lock.Extend(o.locker, rec); err != nil {
			return err
		}
		ref, err := o.requestReview(ctx, wb, out.Capabilities)
		if err == nil {
			out.Strategy = StrategyReview
			out.Status = StatusReviewRequested
			out.ReviewRef = ref
			return o.store.SetReviewRef(context.WithoutCancel(ctx), name, ref, o.now().UTC())
		}
		if errclass.Code(err) == errclass.ErrCancelled.Code {
			return err
		}
		out.Reasons = append(out.Reasons, "review request failed: "+err.Error())
		o.log.WarnErr("review request failed; merging directly", err, map[string]any{"branch": name})
	}

	out.Strategy = StrategyDirect
	return o.mergeDirect(ctx, name, current, out)
}

func (o *Orchestrator) mergeDirect(ctx context.Context, name, current string, out *Outcome) error {
	if o.recovery != nil {
		rp, err := o.recovery.Capture(ctx, model.OpMerge, name)
		if err != nil {
			return err
		}
		out.Checkpoint = rp.ID
	}
	if current != o.canonical {
		if err := o.git.Switch(ctx, o.canonical); err != nil {
			return err
		}
	}
	res, err := o.git.Merge(ctx, name, fmt.Sprintf("Merge work branch %s", name))
	if err != nil {
		return err
	}
	o.invalidate()

	ctx = context.WithoutCancel(ctx)
	at := o.now().UTC()
	if res.Conflicted() {
		out.Status = StatusConflicted
		out.Conflicts = res.Conflicts
		if _, err := o.store.TransitionBranch(ctx, name, model.StatusConflicted, at); err != nil {
			return err
		}
		o.log.Warn("merge stopped on conflicts", map[string]any{"branch": name, "files": res.Conflicts})
		return nil
	}
	out.Status = StatusMerged
	out.Commit = res.Commit
	if _, err := o.store.TransitionBranch(ctx, name, model.StatusMerged, at); err != nil {
		return err
	}
	o.log.Info("work branch merged", map[string]any{"branch": name, "commit": res.Commit})
	return nil
}

// probe gathers strategy inputs. Network probes only run when the review
// strategy is still possible.
func (o *Orchestrator) probe(ctx context.Context, prof *model.RepositoryProfile, name string) Capabilities {
	caps := Capabilities{ReviewEnabled: o.review.Enabled}
	if o.submitter != nil {
		caps.Provider = o.submitter.Name()
	}
	if !caps.ReviewEnabled || o.submitter == nil {
		return caps
	}
	caps.HostAvailable = o.submitter.Available(ctx)
	if caps.HostAvailable {
		caps.HostAuthenticated = o.submitter.Authenticated(ctx)
	}

	remotes, err := o.git.Remotes(ctx)
	if err != nil {
		o.log.WarnErr("list remotes", err, nil)
		return caps
	}
	_, caps.RemoteConfigured = remotes[o.remote]
	if !caps.RemoteConfigured || !caps.HostAuthenticated {
		return caps
	}
	caps.BranchPushable = prof.Topology != model.TopologyClone
	pushed, err := o.git.RemoteBranchExists(ctx, o.remote, name)
	if err != nil {
		o.log.WarnErr("probe remote branch", err, map[string]any{"branch": name})
		return caps
	}
	caps.BranchPushed = pushed
	return caps
}

// requestReview pushes the branch when needed and submits the request.
func (o *Orchestrator) requestReview(ctx context.Context, wb *model.WorkBranch, caps Capabilities) (string, error) {
	if !caps.BranchPushed {
		if err := o.git.Push(ctx, o.remote, wb.Name); err != nil {
			return "", err
		}
	}
	body, err := o.describe(ctx, wb)
	if err != nil {
		return "", err
	}
	req := ReviewRequest{
		Head:      wb.Name,
		Base:      o.canonical,
		Title:     template.Expand(o.review.TitleTemplate, titleVars(wb)),
		Body:      body,
		Draft:     o.review.Draft,
		Reviewers: o.review.Reviewers,
		Labels:    o.review.Labels,
	}
	ref, err := o.submitter.Submit(ctx, req)
	if err != nil && ref != "" {
		// The request exists; follow-up decoration failed.
		o.log.WarnErr("review request submitted with errors", err, map[string]any{"ref": ref})
		return ref, nil
	}
	return ref, err
}

func titleVars(wb *model.WorkBranch) map[string]string {
	return map[string]string{"branch": wb.Name, "purpose": wb.Purpose, "owner": wb.Owner}
}

// describe composes the review description from the branch identity and
// its commit log.
func (o *Orchestrator) describe(ctx context.Context, wb *model.WorkBranch) (string, error) {
	commits, err := o.git.Log(ctx, o.canonical, wb.Name)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Work branch `%s`\n\n", wb.Name)
	fmt.Fprintf(&b, "- Purpose: %s\n", wb.Purpose)
	fmt.Fprintf(&b, "- Owner: %s\n", wb.Owner)
	fmt.Fprintf(&b, "- Base: %s\n", short(wb.BaseHash))
	fmt.Fprintf(&b, "\n## Changes (%d commits)\n\n", len(commits))
	for i, c := range commits {
		if i == maxLogLines {
			fmt.Fprintf(&b, "- ... and %d more\n", len(commits)-maxLogLines)
			break
		}
		fmt.Fprintf(&b, "- %s %s\n", short(c.Hash), c.Subject)
	}
	return b.String(), nil
}

func (o *Orchestrator) record(ctx context.Context, out *Outcome, err error) {
	payload := map[string]any{
		"branch":       out.Branch,
		"strategy":     string(out.Strategy),
		"status":       out.Status,
		"reasons":      out.Reasons,
		"capabilities": out.Capabilities,
		"commit":       out.Commit,
		"conflicts":    out.Conflicts,
		"review_ref":   out.ReviewRef,
		"checkpoint":   out.Checkpoint,
	}
	if err != nil {
		payload["error"] = err.Error()
		payload["error_code"] = errclass.Code(err)
	}
	_, _ = o.ledger.Record(context.WithoutCancel(ctx), audit.Entry{Type: model.EventMergeOutcome, Payload: payload})
}

func (o *Orchestrator) profile(ctx context.Context) (*model.RepositoryProfile, error) {
	if o.profiler == nil {
		return &model.RepositoryProfile{Topology: model.TopologyOriginal, CurrentUser: branch.UnknownOwner}, nil
	}
	prof, err := o.profiler.Profile(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("profile repository: %w", err)
	}
	return prof, nil
}

func (o *Orchestrator) invalidate() {
	if o.cache != nil {
		o.cache.Invalidate(cache.BranchesKey(o.repoPath))
	}
}

func outcomeLabel(out *Outcome, err error) string {
	if err == nil {
		return out.Status
	}
	if code := errclass.Code(err); code != "" {
		return code
	}
	return "error"
}

func short(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}
