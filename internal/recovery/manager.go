// Package recovery captures checkpoints before risky coordination steps and
// restores them on request.
//
// A checkpoint records branch topology by commit hash, the checked-out
// branch, whether a merge was in progress and the stored status of every
// work branch. Content history stays in the VCS, so a rollback can only
// restore commits that are still reachable.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orgflow/orgflow/internal/audit"
	"github.com/orgflow/orgflow/internal/lock"
	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/fsutil"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/pathutil"
)

// Options configures a Manager.
type Options struct {
	// Dir holds checkpoint manifests.
	Dir string
	// Canonical is the organizational branch.
	Canonical string
	// Prefix selects the work branches captured in the manifest.
	Prefix string
	Ledger *audit.Ledger
	Locker lock.Locker
	Logger *logging.Logger
}

// Manager creates, lists, restores and prunes recovery points.
type Manager struct {
	git       *vcs.Git
	store     *store.Store
	dir       string
	canonical string
	prefix    string
	ledger    *audit.Ledger
	locker    lock.Locker
	log       *logging.Logger
	now       func() time.Time
}

// New creates a recovery manager.
func New(git *vcs.Git, st *store.Store, opts Options) *Manager {
	return &Manager{
		git:       git,
		store:     st,
		dir:       opts.Dir,
		canonical: opts.Canonical,
		prefix:    opts.Prefix,
		ledger:    opts.Ledger,
		locker:    opts.Locker,
		log:       logging.OrNop(opts.Logger).Named("recovery"),
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Capture records a checkpoint without writing an audit event. Coordinators
// use it inside operations that audit their own outcome.
func (m *Manager) Capture(ctx context.Context, op model.OperationType, sourceBranch string) (*model.RecoveryPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, errclass.ErrCancelled.Wrap(err)
	}

	man, err := m.snapshot(ctx, op, sourceBranch)
	if err != nil {
		return nil, err
	}
	path := m.manifestPath(man.ID)
	if err := fsutil.AtomicWriteJSON(path, man); err != nil {
		return nil, fmt.Errorf("write checkpoint manifest: %w", err)
	}

	rp := &model.RecoveryPoint{
		ID:              man.ID,
		OperationType:   op,
		CreatedAt:       man.CreatedAt,
		StorageLocation: path,
		SourceBranch:    sourceBranch,
	}
	if err := m.store.InsertRecoveryPoint(ctx, rp); err != nil {
		_ = fsutil.RemoveIfExists(path)
		return nil, err
	}
	m.log.Debug("checkpoint captured", map[string]any{"id": rp.ID, "operation": string(op)})
	return rp, nil
}

// Checkpoint captures a recovery point and records it in the audit ledger.
func (m *Manager) Checkpoint(ctx context.Context, op model.OperationType, sourceBranch string) (*model.RecoveryPoint, error) {
	rp, err := m.Capture(ctx, op, sourceBranch)
	if err != nil {
		return nil, err
	}
	_, _ = m.ledger.Record(ctx, audit.Entry{
		Type: model.EventCheckpoint,
		Payload: map[string]any{
			"id":             rp.ID,
			"operation_type": string(op),
			"source_branch":  sourceBranch,
		},
	})
	return rp, nil
}

func (m *Manager) snapshot(ctx context.Context, op model.OperationType, sourceBranch string) (*model.CheckpointManifest, error) {
	man := &model.CheckpointManifest{
		ID:            uuid.NewString(),
		OperationType: op,
		CreatedAt:     m.now().UTC(),
		SourceBranch:  sourceBranch,
		Branches:      map[string]string{},
		Records:       map[string]model.BranchStatus{},
	}

	var err error
	if man.CheckedOut, err = m.git.CurrentBranch(ctx); err != nil {
		return nil, err
	}
	if man.HeadHash, err = m.git.ResolveRef(ctx, "HEAD"); err != nil {
		return nil, err
	}
	if sourceBranch != "" {
		if man.SourceHash, err = m.git.ResolveRef(ctx, "refs/heads/"+sourceBranch); err != nil {
			return nil, err
		}
	}
	if man.MergeInProgress, err = m.git.MergeInProgress(ctx); err != nil {
		return nil, err
	}

	patterns := []string{m.canonical}
	if m.prefix != "" {
		patterns = append(patterns, m.prefix+"-*")
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		branches, err := m.git.ListBranches(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, b := range branches {
			man.Branches[b.Name] = b.Head
		}
	}

	records, err := m.store.ListWorkBranches(ctx, model.BranchFilter{})
	if err != nil {
		return nil, err
	}
	for _, wb := range records {
		man.Records[wb.Name] = wb.Status
	}
	return man, nil
}

// List returns recovery points, newest first.
func (m *Manager) List(ctx context.Context) ([]model.RecoveryPoint, error) {
	return m.store.ListRecoveryPoints(ctx)
}

// Get returns a recovery point and its manifest.
func (m *Manager) Get(ctx context.Context, id string) (*model.RecoveryPoint, *model.CheckpointManifest, error) {
	rp, err := m.store.GetRecoveryPoint(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := pathutil.EnsureWithin(m.dir, rp.StorageLocation); err != nil {
		return rp, nil, errclass.ErrRecoveryFailed.WithMessagef("checkpoint %s manifest location", id).Wrap(err)
	}
	var man model.CheckpointManifest
	if err := fsutil.ReadJSON(rp.StorageLocation, &man); err != nil {
		return rp, nil, errclass.ErrRecoveryFailed.WithMessagef("checkpoint %s manifest unreadable", id).Wrap(err)
	}
	return rp, &man, nil
}

// RollbackResult describes what a rollback changed.
type RollbackResult struct {
	Point   *model.RecoveryPoint `json:"point"`
	Actions []string             `json:"actions"`
}

// Rollback restores the state captured by recovery point id. A commit that
// is no longer reachable fails the rollback with an "unreachable" reason
// instead of being reconstructed. Work branches created after the
// checkpoint are deleted; one carrying commits beyond its base blocks the
// rollback with errclass.ErrBlockedByUnmergedWork unless force is set.
func (m *Manager) Rollback(ctx context.Context, id string, force bool) (*RollbackResult, error) {
	var res *RollbackResult
	err := lock.Run(ctx, m.locker, "rollback", func(*model.LockRecord) error {
		var err error
		res, err = m.rollback(ctx, id, force)
		return err
	})
	return res, err
}

func (m *Manager) rollback(ctx context.Context, id string, force bool) (*RollbackResult, error) {
	rp, man, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rp.Restored {
		return nil, errclass.ErrRecoveryFailed.WithMessagef("recovery point %s already restored", id)
	}
	if err := ctx.Err(); err != nil {
		return nil, errclass.ErrCancelled.Wrap(err)
	}

	// Past this point the rollback runs to completion.
	ctx = context.WithoutCancel(ctx)
	res := &RollbackResult{Point: rp}

	if err := m.checkReachable(ctx, man); err != nil {
		m.recordRollback(ctx, rp, res, err)
		return nil, err
	}
	added, err := m.addedBranches(ctx, man)
	if err != nil {
		return nil, m.failed(ctx, rp, res, err)
	}
	if err := checkAdded(added, force); err != nil {
		m.recordRollback(ctx, rp, res, err)
		return nil, err
	}

	if man.OperationType == model.OpMerge {
		if err := m.undoMerge(ctx, man, res); err != nil {
			return nil, m.failed(ctx, rp, res, err)
		}
	}
	if err := m.recreateBranches(ctx, man, res); err != nil {
		return nil, m.failed(ctx, rp, res, err)
	}
	if err := m.restoreCheckout(ctx, man, res); err != nil {
		return nil, m.failed(ctx, rp, res, err)
	}
	if err := m.removeAdded(ctx, added, res); err != nil {
		return nil, m.failed(ctx, rp, res, err)
	}
	if err := m.restoreRecords(ctx, man, added, res); err != nil {
		return nil, m.failed(ctx, rp, res, err)
	}

	at := m.now().UTC()
	if err := m.store.MarkRestored(ctx, id, at); err != nil {
		return nil, err
	}
	rp.Restored = true
	rp.RestoredAt = &at
	m.recordRollback(ctx, rp, res, nil)
	return res, nil
}

// checkReachable fails before any change when a commit the rollback needs
// has been garbage-collected.
func (m *Manager) checkReachable(ctx context.Context, man *model.CheckpointManifest) error {
	need, err := m.neededCommits(ctx, man)
	if err != nil {
		return errclass.ErrRecoveryFailed.Wrap(err)
	}
	var reasons []string
	for _, name := range sortedKeys(need) {
		ok, err := m.git.CommitExists(ctx, need[name])
		if err != nil {
			return errclass.ErrRecoveryFailed.Wrap(err)
		}
		if !ok {
			reasons = append(reasons, fmt.Sprintf("unreachable: %s at %s", name, short(need[name])))
		}
	}
	if len(reasons) > 0 {
		return errclass.ErrRecoveryFailed.
			WithMessage("commits no longer reachable").
			WithReasons(reasons...)
	}
	return nil
}

// neededCommits maps each branch the rollback will move or recreate to its
// recorded head. Work branches that still exist keep their new commits.
func (m *Manager) neededCommits(ctx context.Context, man *model.CheckpointManifest) (map[string]string, error) {
	need := map[string]string{}
	for name, hash := range man.Branches {
		head, err := m.git.ResolveRef(ctx, "refs/heads/"+name)
		if err != nil {
			return nil, err
		}
		switch {
		case head == "":
			need[name] = hash
		case name == m.canonical && man.OperationType == model.OpMerge && head != hash:
			need[name] = hash
		}
	}
	return need, nil
}

func (m *Manager) undoMerge(ctx context.Context, man *model.CheckpointManifest, res *RollbackResult) error {
	inProgress, err := m.git.MergeInProgress(ctx)
	if err != nil {
		return err
	}
	if inProgress && !man.MergeInProgress {
		if err := m.git.AbortMerge(ctx); err != nil {
			return err
		}
		res.Actions = append(res.Actions, "aborted in-progress merge")
	}

	want := man.Branches[m.canonical]
	if want == "" {
		return nil
	}
	head, err := m.git.BranchHead(ctx, m.canonical)
	if err != nil || head == want {
		return err
	}
	current, err := m.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current == m.canonical {
		err = m.git.ResetHard(ctx, want)
	} else {
		err = m.git.ForceBranch(ctx, m.canonical, want)
	}
	if err != nil {
		return err
	}
	res.Actions = append(res.Actions, fmt.Sprintf("reset %s to %s", m.canonical, short(want)))
	return nil
}

func (m *Manager) recreateBranches(ctx context.Context, man *model.CheckpointManifest, res *RollbackResult) error {
	for _, name := range sortedKeys(man.Branches) {
		exists, err := m.git.BranchExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := m.git.CreateBranch(ctx, name, man.Branches[name]); err != nil {
			return err
		}
		res.Actions = append(res.Actions, fmt.Sprintf("recreated %s at %s", name, short(man.Branches[name])))
	}
	return nil
}

func (m *Manager) restoreCheckout(ctx context.Context, man *model.CheckpointManifest, res *RollbackResult) error {
	if man.CheckedOut == "" || man.MergeInProgress {
		return nil
	}
	current, err := m.git.CurrentBranch(ctx)
	if err != nil || current == man.CheckedOut {
		return err
	}
	exists, err := m.git.BranchExists(ctx, man.CheckedOut)
	if err != nil || !exists {
		return err
	}
	if err := m.git.Switch(ctx, man.CheckedOut); err != nil {
		return err
	}
	res.Actions = append(res.Actions, "switched to "+man.CheckedOut)
	return nil
}

// addedBranch is a work branch that did not exist at checkpoint time.
type addedBranch struct {
	name  string
	base  string
	ahead int
}

func (m *Manager) addedBranches(ctx context.Context, man *model.CheckpointManifest) ([]addedBranch, error) {
	if m.prefix == "" {
		return nil, nil
	}
	branches, err := m.git.ListBranches(ctx, m.prefix+"-*")
	if err != nil {
		return nil, err
	}
	var out []addedBranch
	for _, b := range branches {
		if _, ok := man.Branches[b.Name]; ok {
			continue
		}
		base := man.Branches[m.canonical]
		wb, err := m.store.GetWorkBranch(ctx, b.Name)
		switch {
		case err == nil && wb.BaseHash != "":
			base = wb.BaseHash
		case err != nil && errclass.Code(err) != errclass.ErrNotFound.Code:
			return nil, err
		}
		ab := addedBranch{name: b.Name, base: base}
		if base != "" {
			if ab.ahead, err = m.git.CountCommits(ctx, base, b.Name); err != nil {
				return nil, err
			}
		}
		out = append(out, ab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func checkAdded(added []addedBranch, force bool) error {
	if force {
		return nil
	}
	var reasons []string
	for _, ab := range added {
		if ab.ahead > 0 {
			reasons = append(reasons, fmt.Sprintf("%s has %d commit(s) beyond %s", ab.name, ab.ahead, short(ab.base)))
		}
	}
	if len(reasons) > 0 {
		return errclass.ErrBlockedByUnmergedWork.
			WithMessage("rollback would discard work created after the checkpoint; use force").
			WithReasons(reasons...)
	}
	return nil
}

func (m *Manager) removeAdded(ctx context.Context, added []addedBranch, res *RollbackResult) error {
	if len(added) == 0 {
		return nil
	}
	current, err := m.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	for _, ab := range added {
		if ab.name == current {
			if err := m.git.Switch(ctx, m.canonical); err != nil {
				return err
			}
			res.Actions = append(res.Actions, "switched to "+m.canonical)
			current = m.canonical
		}
		if err := m.git.DeleteBranch(ctx, ab.name, true); err != nil {
			return err
		}
		res.Actions = append(res.Actions, "deleted "+ab.name)
	}
	return nil
}

func (m *Manager) restoreRecords(ctx context.Context, man *model.CheckpointManifest, added []addedBranch, res *RollbackResult) error {
	at := m.now().UTC()
	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, ab := range added {
			if _, ok := man.Records[ab.name]; ok {
				continue
			}
			wb, err := tx.GetWorkBranch(ctx, ab.name)
			if errclass.Code(err) == errclass.ErrNotFound.Code {
				continue
			}
			if err != nil {
				return err
			}
			if wb.Status == model.StatusDeleted {
				continue
			}
			if err := tx.RestoreBranchStatus(ctx, ab.name, model.StatusDeleted, at); err != nil {
				return err
			}
			res.Actions = append(res.Actions, fmt.Sprintf("record %s %s -> %s", ab.name, wb.Status, model.StatusDeleted))
		}
		for _, name := range sortedKeys(man.Records) {
			want := man.Records[name]
			wb, err := tx.GetWorkBranch(ctx, name)
			if err != nil {
				return err
			}
			if wb.Status == want {
				continue
			}
			if err := tx.RestoreBranchStatus(ctx, name, want, at); err != nil {
				return err
			}
			res.Actions = append(res.Actions, fmt.Sprintf("record %s %s -> %s", name, wb.Status, want))
		}
		return nil
	})
}

func (m *Manager) failed(ctx context.Context, rp *model.RecoveryPoint, res *RollbackResult, err error) error {
	if errclass.Code(err) != errclass.ErrRecoveryFailed.Code {
		err = errclass.ErrRecoveryFailed.WithMessagef("rollback %s", rp.ID).Wrap(err)
	}
	m.recordRollback(ctx, rp, res, err)
	return err
}

func (m *Manager) recordRollback(ctx context.Context, rp *model.RecoveryPoint, res *RollbackResult, err error) {
	payload := map[string]any{
		"id":             rp.ID,
		"operation_type": string(rp.OperationType),
		"actions":        res.Actions,
		"ok":             err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
		m.log.WarnErr("rollback failed", err, map[string]any{"id": rp.ID})
	}
	_, _ = m.ledger.Record(ctx, audit.Entry{Type: model.EventRollback, Payload: payload})
}

// PruneResult lists removed recovery points.
type PruneResult struct {
	Removed []string `json:"removed"`
	Kept    int      `json:"kept"`
}

// Prune removes recovery points older than maxAge, always keeping the
// keepMin newest. A zero maxAge prunes nothing.
func (m *Manager) Prune(ctx context.Context, maxAge time.Duration, keepMin int) (*PruneResult, error) {
	points, err := m.store.ListRecoveryPoints(ctx)
	if err != nil {
		return nil, err
	}
	res := &PruneResult{Removed: []string{}}
	cutoff := m.now().UTC().Add(-maxAge)
	for i, rp := range points {
		if maxAge <= 0 || i < keepMin || !rp.CreatedAt.Before(cutoff) {
			res.Kept++
			continue
		}
		if err := pathutil.EnsureWithin(m.dir, rp.StorageLocation); err != nil {
			return nil, fmt.Errorf("remove checkpoint %s: %w", rp.ID, err)
		}
		if err := fsutil.RemoveIfExists(rp.StorageLocation); err != nil {
			return nil, fmt.Errorf("remove checkpoint %s: %w", rp.ID, err)
		}
		if err := m.store.DeleteRecoveryPoint(ctx, rp.ID); err != nil {
			return nil, err
		}
		res.Removed = append(res.Removed, rp.ID)
	}
	if len(res.Removed) > 0 {
		_, _ = m.ledger.Record(ctx, audit.Entry{
			Type:    model.EventRecoveryPrune,
			Payload: map[string]any{"removed": res.Removed, "max_age": maxAge.String()},
		})
	}
	return res, nil
}

func (m *Manager) manifestPath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

// Orphans returns manifest files with no recovery point row.
func (m *Manager) Orphans(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		if _, err := m.store.GetRecoveryPoint(ctx, id); err != nil {
			if errclass.Code(err) == errclass.ErrNotFound.Code {
				out = append(out, filepath.Join(m.dir, e.Name()))
				continue
			}
			return nil, err
		}
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func short(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}
