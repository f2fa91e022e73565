package orgflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orgflow/orgflow/internal/audit"
	"github.com/orgflow/orgflow/internal/branch"
	"github.com/orgflow/orgflow/internal/cache"
	"github.com/orgflow/orgflow/internal/doctor"
	"github.com/orgflow/orgflow/internal/drift"
	"github.com/orgflow/orgflow/internal/lock"
	"github.com/orgflow/orgflow/internal/merge"
	"github.com/orgflow/orgflow/internal/notify"
	"github.com/orgflow/orgflow/internal/profile"
	"github.com/orgflow/orgflow/internal/recovery"
	"github.com/orgflow/orgflow/internal/repo"
	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/pkg/config"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/metrics"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/progress"
)

// Options configures a Client. Zero values use the repository
// configuration and process defaults.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// Actor is recorded on audit events; empty uses the profiled user.
	Actor string
	// Executor runs git and gh; nil uses the CLI with the configured
	// timeout.
	Executor vcs.Executor
	// Host overrides the host-platform integration used for profiling.
	Host profile.HostCLI
	// Submitter overrides the review submitter chosen from configuration.
	Submitter merge.Submitter
}

// Client provides orgflow operations on one repository.
type Client struct {
	repo     *repo.Repo
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Registry
	git      *vcs.Git
	store    *store.Store
	cache    *cache.Cache
	profiler *profile.Profiler
	ledger   *audit.Ledger
	notifier *notify.Client
	locks    *lock.Manager
	recovery *recovery.Manager
	branches *branch.Coordinator
	drift    *drift.Detector
	merger   *merge.Orchestrator
}

// Init prepares orgflow state in the git working copy containing path and
// opens it. The canonical branch is created at HEAD when missing and a
// default config file is written when none exists. Init is idempotent.
func Init(ctx context.Context, path string, opts Options) (*Client, error) {
	r, err := repo.DiscoverGit(path)
	if err != nil {
		return nil, fmt.Errorf("orgflow init: %w", err)
	}
	cfg, err := config.Load(r.StateDir)
	if err != nil {
		return nil, fmt.Errorf("orgflow init: %w", err)
	}
	git := vcs.New(r.WorkDir, executor(cfg, opts))
	if r, err = repo.Init(ctx, path, cfg.Branches.Canonical, git); err != nil {
		return nil, fmt.Errorf("orgflow init: %w", err)
	}
	if _, err := os.Stat(config.Path(r.StateDir)); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(r.StateDir, cfg); err != nil {
			return nil, fmt.Errorf("orgflow init: %w", err)
		}
	}
	return build(ctx, r, cfg, opts)
}

// Open opens an initialized repository at or above path.
func Open(ctx context.Context, path string, opts Options) (*Client, error) {
	r, err := repo.Discover(path)
	if err != nil {
		return nil, fmt.Errorf("orgflow open: %w", err)
	}
	cfg, err := config.Load(r.StateDir)
	if err != nil {
		return nil, fmt.Errorf("orgflow open: %w", err)
	}
	return build(ctx, r, cfg, opts)
}

func executor(cfg *config.Config, opts Options) vcs.Executor {
	if opts.Executor != nil {
		return opts.Executor
	}
	return vcs.NewCLIExecutor(config.Duration(cfg.VCS.Timeout, 30*time.Second))
}

func build(ctx context.Context, r *repo.Repo, cfg *config.Config, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = logging.New(logging.Options{
			Level:  logging.Level(cfg.Logging.Level),
			Format: logging.Format(cfg.Logging.Format),
		})
	}
	reg := metrics.OrDefault(opts.Metrics)
	exec := executor(cfg, opts)

	c := &Client{repo: r, cfg: cfg, log: log, metrics: reg, git: vcs.New(r.WorkDir, exec)}

	var err error
	c.store, err = store.Open(filepath.Join(r.StateDir, store.FileName))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c.cache, err = cache.New(cfg.Cache.Capacity, config.Duration(cfg.Cache.DefaultTTL, 5*time.Minute), reg)
	if err != nil {
		c.store.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	host := opts.Host
	if host == nil {
		host = profile.NewGHCLI(r.WorkDir, exec)
	}
	c.profiler = profile.New(r.WorkDir, profile.Options{
		TTL:          config.Duration(cfg.Profile.TTL, 24*time.Hour),
		ProbeTimeout: config.Duration(cfg.Profile.ProbeTimeout, 5*time.Second),
		Host:         host,
		Cache:        c.cache,
		Logger:       log,
	})

	actor := opts.Actor
	if actor == "" {
		prof, err := c.profiler.Profile(ctx, false)
		if err != nil {
			c.store.Close()
			return nil, err
		}
		actor = prof.CurrentUser
	}

	c.notifier = notify.NewClient(notifyConfig(cfg), r.RepoID, log)
	c.ledger = audit.New(c.store, audit.Options{
		Actor:   actor,
		Logger:  log,
		Metrics: reg,
		Sinks:   []audit.Sink{c.notifier},
	})

	c.locks = lock.NewManager(r.LocksDir(), r.WorkDir, model.LockPolicy{
		LeaseTTL:       config.Duration(cfg.Lock.LeaseTTL, 2*time.Minute),
		AcquireTimeout: config.Duration(cfg.Lock.AcquireTimeout, 30*time.Second),
		PollInterval:   config.Duration(cfg.Lock.PollInterval, 100*time.Millisecond),
	})
	c.recovery = recovery.New(c.git, c.store, recovery.Options{
		Dir:       r.CheckpointsDir(),
		Canonical: cfg.Branches.Canonical,
		Prefix:    cfg.Branches.Prefix,
		Ledger:    c.ledger,
		Locker:    c.locks,
		Logger:    log,
	})
	c.branches = branch.New(c.git, c.store, branch.Options{
		Canonical:       cfg.Branches.Canonical,
		UserBranch:      cfg.Branches.User,
		RepoPath:        r.WorkDir,
		Prefix:          cfg.Branches.Prefix,
		MaxNameLength:   cfg.Branches.MaxLength,
		MaxNameAttempts: cfg.Branches.MaxAttempts,
		Profiler:        c.profiler,
		Ledger:          c.ledger,
		Recovery:        c.recovery,
		Locker:          c.locks,
		Cache:           c.cache,
		Metrics:         reg,
		Logger:          log,
	})
	c.drift = drift.New(c.git, c.store, drift.Options{
		RepoPath:   r.WorkDir,
		UserBranch: cfg.Branches.User,
		Classifier: drift.NewClassifier(cfg.Drift.Categories, rules(cfg.Drift.PrefixRules), rules(cfg.Drift.KeywordRules)),
		Ledger:     c.ledger,
		Cache:      c.cache,
		Metrics:    reg,
		Logger:     log,
	})

	sub := opts.Submitter
	if sub == nil {
		sub = c.submitter(ctx, exec)
	}
	c.merger = merge.New(c.git, c.store, merge.Options{
		Canonical:  cfg.Branches.Canonical,
		UserBranch: cfg.Branches.User,
		Prefix:     cfg.Branches.Prefix,
		RepoPath:   r.WorkDir,
		Remote:     cfg.VCS.Remote,
		Review: merge.ReviewOptions{
			Enabled:       cfg.Review.Enabled,
			Draft:         cfg.Review.Draft,
			TitleTemplate: cfg.Review.TitleTemplate,
			Labels:        cfg.Review.Labels,
			Reviewers:     cfg.Review.Reviewers,
		},
		Submitter: sub,
		Profiler:  c.profiler,
		Ledger:    c.ledger,
		Recovery:  c.recovery,
		Locker:    c.locks,
		Cache:     c.cache,
		Metrics:   reg,
		Logger:    log,
	})
	return c, nil
}

// submitter builds the configured review submitter. An API submitter
// without a token or a recognizable remote reports itself unavailable, so
// merges fall back to direct.
func (c *Client) submitter(ctx context.Context, exec vcs.Executor) merge.Submitter {
	if c.cfg.Review.Provider != "github-api" {
		return merge.NewGHSubmitter(c.repo.WorkDir, exec)
	}
	client, err := merge.NewGitHubClient(ctx, c.cfg.Review.TokenEnv)
	if err != nil {
		c.log.Debug("GitHub API submitter disabled", map[string]any{"reason": err.Error()})
	}
	var owner, name string
	if remotes, err := c.git.Remotes(ctx); err == nil {
		owner, name, _ = merge.ParseRepoSlug(remotes[c.cfg.VCS.Remote])
	}
	return merge.NewAPISubmitter(client, owner, name)
}

func rules(in []config.RuleConfig) []drift.Rule {
	out := make([]drift.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, drift.Rule{Match: r.Match, Category: r.Category})
	}
	return out
}

func notifyConfig(cfg *config.Config) notify.Config {
	nc := notify.DefaultConfig()
	for _, h := range cfg.Notifications.Hooks {
		nc.Hooks = append(nc.Hooks, notify.Hook{
			URL:     h.URL,
			Secret:  h.Secret,
			Events:  h.Events,
			Timeout: config.Duration(h.Timeout, 10*time.Second),
		})
	}
	return nc
}

// Close flushes pending notifications and closes the store.
func (c *Client) Close() error {
	nerr := c.notifier.Close()
	serr := c.store.Close()
	_ = c.log.Sync()
	return errors.Join(nerr, serr)
}

// Repo returns the discovered repository.
func (c *Client) Repo() *repo.Repo { return c.repo }

// Config returns the loaded configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Metrics returns the metrics registry.
func (c *Client) Metrics() *metrics.Registry { return c.metrics }

// CacheStats returns coordination cache counters.
func (c *Client) CacheStats() cache.Stats { return c.cache.Stats() }

// Profile returns the repository profile.
func (c *Client) Profile(ctx context.Context, refresh bool) (*model.RepositoryProfile, error) {
	return c.profiler.Profile(ctx, refresh)
}

// CreateWorkBranch creates a work branch for purpose. An empty user uses
// the profiled identity.
func (c *Client) CreateWorkBranch(ctx context.Context, purpose, user string) (*branch.CreateResult, error) {
	return c.branches.CreateWorkBranch(ctx, purpose, user)
}

// ListWorkBranches lists work branches joined with the VCS.
func (c *Client) ListWorkBranches(ctx context.Context, filter model.BranchFilter) ([]model.WorkBranch, error) {
	return c.branches.ListWorkBranches(ctx, filter)
}

// GetWorkBranch returns one work branch.
func (c *Client) GetWorkBranch(ctx context.Context, name string) (*model.WorkBranch, error) {
	return c.branches.Get(ctx, name)
}

// DeleteWorkBranch deletes a work branch; force discards unmerged commits.
func (c *Client) DeleteWorkBranch(ctx context.Context, name string, force bool) (*branch.DeleteResult, error) {
	return c.branches.DeleteWorkBranch(ctx, name, force)
}

// MarkResolved returns a conflicted branch to active.
func (c *Client) MarkResolved(ctx context.Context, name string) (*model.WorkBranch, error) {
	return c.branches.MarkResolved(ctx, name)
}

// Reconcile repairs stored branch records to match the VCS.
func (c *Client) Reconcile(ctx context.Context) (*branch.ReconcileResult, error) {
	return c.branches.Reconcile(ctx)
}

// Merge integrates a work branch into the canonical branch.
func (c *Client) Merge(ctx context.Context, name string) (*merge.Outcome, error) {
	return c.merger.Merge(ctx, name)
}

// DetectDrift reports changes on the user branch since the last
// reconciliation.
func (c *Client) DetectDrift(ctx context.Context) (*drift.Report, error) {
	return c.drift.DetectDrift(ctx)
}

// ConfirmReconciliation accepts a drift check.
func (c *Client) ConfirmReconciliation(ctx context.Context, checkID string) (*model.SyncState, error) {
	return c.drift.ConfirmReconciliation(ctx, checkID)
}

// InitBaseline records the user branch head as reconciled.
func (c *Client) InitBaseline(ctx context.Context) (*model.SyncState, error) {
	return c.drift.InitBaseline(ctx)
}

// MarkCheck sets the resolution status of a drift check.
func (c *Client) MarkCheck(ctx context.Context, checkID string, status model.ResolutionStatus) error {
	return c.drift.MarkCheck(ctx, checkID, status)
}

// Impacts returns the impacts of a drift check, the latest when empty.
func (c *Client) Impacts(ctx context.Context, checkID string) ([]model.ImpactRecord, error) {
	return c.drift.Impacts(ctx, checkID)
}

// SyncState returns the stored drift sync state.
func (c *Client) SyncState(ctx context.Context) (*model.SyncState, error) {
	return c.drift.State(ctx)
}

// Checkpoint captures a recovery point.
func (c *Client) Checkpoint(ctx context.Context, op model.OperationType, source string) (*model.RecoveryPoint, error) {
	return c.recovery.Checkpoint(ctx, op, source)
}

// Checkpoints lists recovery points, newest first.
func (c *Client) Checkpoints(ctx context.Context) ([]model.RecoveryPoint, error) {
	return c.recovery.List(ctx)
}

// Rollback restores a recovery point. With force, work branches created
// after the checkpoint are deleted even when they carry their own commits.
func (c *Client) Rollback(ctx context.Context, id string, force bool) (*recovery.RollbackResult, error) {
	res, err := c.recovery.Rollback(ctx, id, force)
	c.cache.Purge()
	return res, err
}

// PruneCheckpoints applies the checkpoint retention policy.
func (c *Client) PruneCheckpoints(ctx context.Context) (*recovery.PruneResult, error) {
	return c.recovery.Prune(ctx,
		config.Duration(c.cfg.Retention.CheckpointMaxAge, 0),
		c.cfg.Retention.KeepMinCheckpoints)
}

// QueryAudit returns audit events matching f.
func (c *Client) QueryAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	return c.ledger.Query(ctx, f)
}

// VerifyAudit verifies the audit chain between two sequence numbers; zero
// bounds mean the whole retained chain.
func (c *Client) VerifyAudit(ctx context.Context, fromSeq, toSeq int64) (*audit.VerifyResult, error) {
	return c.ledger.VerifyChain(ctx, fromSeq, toSeq)
}

// PruneAudit removes audit events older than before. A zero before applies
// the configured retention age; a zero age prunes nothing.
func (c *Client) PruneAudit(ctx context.Context, before time.Time) (*audit.PruneResult, error) {
	if before.IsZero() {
		age := config.Duration(c.cfg.Retention.AuditMaxAge, 0)
		if age <= 0 {
			return &audit.PruneResult{}, nil
		}
		before = time.Now().Add(-age)
	}
	return c.ledger.Prune(ctx, before)
}

// LockStatus reports the repository lock.
func (c *Client) LockStatus() (model.LockState, *model.LockRecord, error) {
	return c.locks.Status()
}

// BreakLock removes the repository lock. A live lease is only removed with
// force.
func (c *Client) BreakLock(force bool) (*model.LockRecord, error) {
	state, rec, err := c.locks.Status()
	if err != nil {
		return nil, err
	}
	if state == model.LockStateFree {
		return nil, nil
	}
	if state == model.LockStateHeld && !force {
		return rec, errclass.ErrLockConflict.WithMessagef(
			"lock held by pid %d for %s until %s", rec.PID, rec.Purpose, rec.ExpiresAt.Format(time.RFC3339))
	}
	if err := c.locks.ForceRelease(); err != nil {
		return rec, err
	}
	c.log.Warn("repository lock removed", map[string]any{"state": string(state), "pid": rec.PID, "purpose": rec.Purpose})
	return rec, nil
}

// Doctor checks repository consistency, repairing what it can when repair
// is set. A non-nil onProgress receives one update per check.
func (c *Client) Doctor(ctx context.Context, repair bool, onProgress progress.Callback) (*doctor.Result, error) {
	d := doctor.New(c.repo, doctor.Deps{
		Git:         c.git,
		Canonical:   c.cfg.Branches.Canonical,
		Coordinator: c.branches,
		Ledger:      c.ledger,
		Locks:       c.locks,
		Recovery:    c.recovery,
		Logger:      c.log,
		Progress:    onProgress,
	})
	return d.Check(ctx, repair)
}
