// Package drift detects divergence between the user code history and the
// last point the organizational branch was reconciled against, and maps the
// changed paths to organizational categories.
//
// Detection never moves the sync state. A caller reconciles the reported
// impacts and then confirms the check, which records the new baseline and
// completes the impacts in one transaction.
package drift

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orgflow/orgflow/internal/audit"
	"github.com/orgflow/orgflow/internal/cache"
	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/metrics"
	"github.com/orgflow/orgflow/pkg/model"
)

// Options configures a Detector.
type Options struct {
	// RepoPath keys the sync state row.
	RepoPath string
	// UserBranch is the code history drift is measured on.
	UserBranch string
	Classifier *Classifier
	Ledger     *audit.Ledger
	Cache      *cache.Cache
	Metrics    *metrics.Registry
	Logger     *logging.Logger
}

// Detector computes drift reports.
type Detector struct {
	git        *vcs.Git
	store      *store.Store
	repoPath   string
	userBranch string
	classifier *Classifier
	ledger     *audit.Ledger
	cache      *cache.Cache
	metrics    *metrics.Registry
	log        *logging.Logger
	now        func() time.Time
}

// New creates a detector.
func New(git *vcs.Git, st *store.Store, opts Options) *Detector {
	cl := opts.Classifier
	if cl == nil {
		cl = NewClassifier(nil, nil, nil)
	}
	return &Detector{
		git:        git,
		store:      st,
		repoPath:   opts.RepoPath,
		userBranch: opts.UserBranch,
		classifier: cl,
		ledger:     opts.Ledger,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		log:        logging.OrNop(opts.Logger).Named("drift"),
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (d *Detector) SetClock(now func() time.Time) {
	d.now = now
}

// Report is the result of one drift check.
type Report struct {
	Changed bool `json:"changed"`
	// CheckID identifies the stored impacts; empty when nothing changed.
	CheckID     string               `json:"check_id,omitempty"`
	FromHash    string               `json:"from_hash"`
	ToHash      string               `json:"to_hash"`
	Impacts     []model.ImpactRecord `json:"impacts"`
	MaxSeverity model.Severity       `json:"max_severity,omitempty"`
	// Uncategorized lists paths that need manual category assignment.
	Uncategorized []string `json:"uncategorized,omitempty"`
}

// DetectDrift compares the user branch head with the last reconciled hash.
// When they are equal it returns immediately without diffing.
func (d *Detector) DetectDrift(ctx context.Context) (rep *Report, err error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			d.metrics.RecordOperation("drift.check", outcome, time.Since(start))
		}
	}()

	head, err := d.git.BranchHead(ctx, d.userBranch)
	if err != nil {
		return nil, err
	}
	if head == "" {
		return nil, errclass.ErrVcsFailure.WithMessagef("branch %s does not exist", d.userBranch)
	}
	last, err := d.lastKnown(ctx)
	if err != nil {
		return nil, err
	}
	if head == last {
		return &Report{FromHash: last, ToHash: head, Impacts: []model.ImpactRecord{}}, nil
	}

	changes, err := d.diff(ctx, last, head)
	if err != nil {
		return nil, err
	}

	rep = &Report{
		Changed:  true,
		CheckID:  uuid.NewString(),
		FromHash: last,
		ToHash:   head,
	}
	rep.Impacts = d.impacts(changes, rep)
	for _, imp := range rep.Impacts {
		rep.MaxSeverity = model.MaxSeverity(rep.MaxSeverity, imp.Severity)
		if len(imp.AffectedCategories) == 1 && imp.AffectedCategories[0] == model.CategoryUncategorized {
			rep.Uncategorized = append(rep.Uncategorized, imp.Paths...)
		}
	}

	if len(rep.Impacts) > 0 {
		if err := d.store.WithTx(ctx, func(tx *store.Tx) error {
			return tx.InsertImpacts(ctx, d.repoPath, rep.Impacts)
		}); err != nil {
			return nil, err
		}
	}

	for _, imp := range rep.Impacts {
		if d.metrics != nil {
			d.metrics.RecordImpact(string(imp.Severity))
		}
		if imp.Severity == model.SeverityCritical {
			d.log.Warn("conflicting classification needs manual resolution", map[string]any{
				"path": imp.ChangedPath, "categories": imp.AffectedCategories,
			})
		}
	}
	_, _ = d.ledger.Record(ctx, audit.Entry{
		Type: model.EventDriftDetected,
		Payload: map[string]any{
			"check_id":      rep.CheckID,
			"from_hash":     rep.FromHash,
			"to_hash":       rep.ToHash,
			"impacts":       len(rep.Impacts),
			"max_severity":  string(rep.MaxSeverity),
			"uncategorized": len(rep.Uncategorized),
		},
	})
	return rep, nil
}

// lastKnown returns the reconciled hash, or the empty tree for a history
// that was never synchronized.
func (d *Detector) lastKnown(ctx context.Context) (string, error) {
	st, err := d.store.GetSyncState(ctx, d.repoPath)
	if err != nil {
		if errclass.Code(err) == errclass.ErrNotFound.Code {
			return vcs.EmptyTree, nil
		}
		return "", err
	}
	return st.LastKnownHash, nil
}

func (d *Detector) diff(ctx context.Context, from, to string) ([]vcs.FileChange, error) {
	if from != vcs.EmptyTree {
		ok, err := d.git.CommitExists(ctx, from)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errclass.ErrVcsFailure.WithMessagef(
				"last synchronized commit %s is no longer in the repository; record a new baseline", from)
		}
	}
	if d.cache == nil {
		return d.git.Diff(ctx, from, to)
	}
	v, err := d.cache.GetOrCompute(ctx, cache.DiffKey(d.repoPath, from, to), 0, func(ctx context.Context) (any, error) {
		return d.git.Diff(ctx, from, to)
	})
	if err != nil {
		return nil, err
	}
	return v.([]vcs.FileChange), nil
}

// impacts classifies changes. Deleted paths are aggregated into one record
// per primary category; every other change gets its own record.
func (d *Detector) impacts(changes []vcs.FileChange, rep *Report) []model.ImpactRecord {
	at := d.now().UTC()
	base := model.ImpactRecord{
		CheckID:          rep.CheckID,
		ResolutionStatus: model.ResolutionPending,
		FromHash:         rep.FromHash,
		ToHash:           rep.ToHash,
		CreatedAt:        at,
	}

	type group struct {
		paths    []string
		cats     []string
		conflict bool
	}
	deleted := map[string]*group{}

	out := []model.ImpactRecord{}
	for _, ch := range changes {
		cl := d.classifier.Classify(ch.Path)
		if ch.Type == model.ChangeDeleted {
			primary := cl.Categories[0]
			g := deleted[primary]
			if g == nil {
				g = &group{}
				deleted[primary] = g
			}
			g.paths = append(g.paths, ch.Path)
			for _, c := range cl.Categories {
				g.cats = appendUnique(g.cats, c)
			}
			g.conflict = g.conflict || cl.Conflict
			continue
		}

		rec := base
		rec.ChangedPath = ch.Path
		rec.OldPath = ch.OldPath
		rec.Paths = []string{ch.Path}
		rec.ChangeType = ch.Type
		rec.AffectedCategories = cl.Categories
		rec.Conflict = cl.Conflict
		rec.Severity = changeSeverity(cl)
		out = append(out, rec)
	}

	primaries := make([]string, 0, len(deleted))
	for p := range deleted {
		primaries = append(primaries, p)
	}
	sort.Strings(primaries)
	for _, p := range primaries {
		g := deleted[p]
		sort.Strings(g.paths)
		rec := base
		rec.ChangedPath = commonDir(g.paths)
		rec.Paths = g.paths
		rec.ChangeType = model.ChangeDeleted
		rec.AffectedCategories = g.cats
		rec.Conflict = g.conflict
		rec.Severity = model.SeverityHigh
		if g.conflict {
			rec.Severity = model.SeverityCritical
		}
		out = append(out, rec)
	}
	return out
}

func changeSeverity(cl Classification) model.Severity {
	switch {
	case cl.Conflict:
		return model.SeverityCritical
	case cl.Registered:
		return model.SeverityLow
	}
	return model.SeverityMedium
}

// commonDir returns the single path, or the deepest directory shared by
// all paths with a trailing slash.
func commonDir(paths []string) string {
	if len(paths) == 1 {
		return paths[0]
	}
	dir := path.Dir(paths[0])
	for _, p := range paths[1:] {
		for dir != "." && !strings.HasPrefix(p, dir+"/") {
			dir = path.Dir(dir)
		}
	}
	if dir == "." {
		return "./"
	}
	return dir + "/"
}

// InitBaseline records the current user branch head as reconciled.
func (d *Detector) InitBaseline(ctx context.Context) (*model.SyncState, error) {
	head, err := d.git.BranchHead(ctx, d.userBranch)
	if err != nil {
		return nil, err
	}
	if head == "" {
		return nil, errclass.ErrVcsFailure.WithMessagef("branch %s does not exist", d.userBranch)
	}
	current, err := d.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	st := &model.SyncState{
		RepositoryPath:    d.repoPath,
		CurrentHash:       head,
		LastKnownHash:     head,
		CurrentBranch:     current,
		LastSyncTimestamp: d.now().UTC(),
	}
	if err := d.store.UpsertSyncState(ctx, st); err != nil {
		return nil, err
	}
	_, _ = d.ledger.Record(ctx, audit.Entry{
		Type:    model.EventDriftBaseline,
		Payload: map[string]any{"hash": head, "branch": d.userBranch},
	})
	return st, nil
}

// ConfirmReconciliation records that the impacts of checkID were handled:
// the sync state moves to the check's target hash and its impacts become
// completed, atomically. A check computed against an older baseline is
// rejected.
func (d *Detector) ConfirmReconciliation(ctx context.Context, checkID string) (*model.SyncState, error) {
	impacts, err := d.store.ListImpacts(ctx, checkID)
	if err != nil {
		return nil, err
	}
	if len(impacts) == 0 {
		return nil, errclass.ErrNotFound.WithMessagef("drift check %s", checkID)
	}
	from, to := impacts[0].FromHash, impacts[0].ToHash

	current, err := d.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	st := &model.SyncState{
		RepositoryPath:    d.repoPath,
		CurrentHash:       to,
		LastKnownHash:     to,
		CurrentBranch:     current,
		LastSyncTimestamp: d.now().UTC(),
	}
	err = d.store.WithTx(ctx, func(tx *store.Tx) error {
		last := vcs.EmptyTree
		prev, err := tx.GetSyncState(ctx, d.repoPath)
		switch {
		case err == nil:
			last = prev.LastKnownHash
		case errclass.Code(err) != errclass.ErrNotFound.Code:
			return err
		}
		if last != from {
			return errclass.ErrInvalidTransition.WithMessagef(
				"check %s was computed from %s but the sync state is at %s", checkID, short(from), short(last))
		}
		if err := tx.UpsertSyncState(ctx, st); err != nil {
			return err
		}
		_, err = tx.SetImpactResolution(ctx, checkID, model.ResolutionCompleted)
		return err
	})
	if err != nil {
		return nil, err
	}

	_, _ = d.ledger.Record(ctx, audit.Entry{
		Type: model.EventDriftConfirmed,
		Payload: map[string]any{
			"check_id":  checkID,
			"from_hash": from,
			"to_hash":   to,
			"impacts":   len(impacts),
		},
	})
	return st, nil
}

// MarkCheck sets the resolution status of every impact of checkID. Use
// ConfirmReconciliation to complete a check.
func (d *Detector) MarkCheck(ctx context.Context, checkID string, status model.ResolutionStatus) error {
	switch status {
	case model.ResolutionPending, model.ResolutionInProgress, model.ResolutionFailed:
	default:
		return errclass.ErrInvalidTransition.WithMessagef("status %q is set by confirmation only", status)
	}
	n, err := d.store.SetImpactResolution(ctx, checkID, status)
	if err != nil {
		return err
	}
	if n == 0 {
		return errclass.ErrNotFound.WithMessagef("drift check %s", checkID)
	}
	return nil
}

// Impacts returns the records of checkID, or of the latest check when
// checkID is empty.
func (d *Detector) Impacts(ctx context.Context, checkID string) ([]model.ImpactRecord, error) {
	if checkID == "" {
		latest, err := d.store.LatestCheckID(ctx, d.repoPath)
		if err != nil {
			return nil, err
		}
		if latest == "" {
			return []model.ImpactRecord{}, nil
		}
		checkID = latest
	}
	return d.store.ListImpacts(ctx, checkID)
}

// State returns the stored sync state.
func (d *Detector) State(ctx context.Context) (*model.SyncState, error) {
	return d.store.GetSyncState(ctx, d.repoPath)
}

func short(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}
