package drift_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/internal/audit"
	"github.com/orgflow/orgflow/internal/cache"
	"github.com/orgflow/orgflow/internal/drift"
	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/internal/vcs/vcstest"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
)

// countingExecutor counts `git diff` invocations.
type countingExecutor struct {
	inner vcs.Executor
	diffs atomic.Int32
}

func (c *countingExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if len(args) > 0 && args[0] == "diff" {
		c.diffs.Add(1)
	}
	return c.inner.Run(ctx, dir, name, args...)
}

type fixture struct {
	dir    string
	exec   *countingExecutor
	store  *store.Store
	ledger *audit.Ledger
	det    *drift.Detector
}

func newFixture(t *testing.T, registry map[string][]string) *fixture {
	t.Helper()
	dir := vcstest.InitRepo(t)
	st, err := store.Open(filepath.Join(t.TempDir(), store.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c, err := cache.New(16, time.Minute, nil)
	require.NoError(t, err)

	f := &fixture{
		dir:   dir,
		exec:  &countingExecutor{inner: vcs.NewCLIExecutor(30 * time.Second)},
		store: st,
	}
	f.ledger = audit.New(st, audit.Options{Actor: "tester"})
	f.det = drift.New(vcs.New(dir, f.exec), st, drift.Options{
		RepoPath:   dir,
		UserBranch: "main",
		Classifier: drift.NewClassifier(registry, nil, nil),
		Ledger:     f.ledger,
		Cache:      c,
	})
	return f
}

func TestDetectDrift_FirstRunDiffsAgainstEmptyTree(t *testing.T) {
	f := newFixture(t, nil)
	rep, err := f.det.DetectDrift(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Changed)
	assert.Equal(t, vcs.EmptyTree, rep.FromHash)
	require.Len(t, rep.Impacts, 1)
	imp := rep.Impacts[0]
	assert.Equal(t, "README.md", imp.ChangedPath)
	assert.Equal(t, model.ChangeAdded, imp.ChangeType)
	assert.Equal(t, []string{"documentation"}, imp.AffectedCategories)
	assert.Equal(t, model.SeverityMedium, imp.Severity)
	assert.Equal(t, model.ResolutionPending, imp.ResolutionStatus)
	assert.NotZero(t, imp.ID)
}

func TestDetectDrift_FastPathSkipsDiff(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.det.InitBaseline(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rep, err := f.det.DetectDrift(ctx)
		require.NoError(t, err)
		assert.False(t, rep.Changed)
		assert.Empty(t, rep.Impacts)
		assert.Empty(t, rep.CheckID)
	}
	assert.Zero(t, f.exec.diffs.Load())

	evs, err := f.ledger.Query(ctx, model.AuditFilter{EventTypes: []model.AuditEventType{model.EventDriftDetected}})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestDetectDrift_AggregatesDeletionsPerCategory(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"auth": {"auth/login.go", "auth/token.go", "auth/session.go"},
	})
	ctx := context.Background()
	vcstest.Commit(t, f.dir, "add auth", map[string]string{
		"auth/login.go": "a", "auth/token.go": "b", "auth/session.go": "c",
	})
	_, err := f.det.InitBaseline(ctx)
	require.NoError(t, err)

	vcstest.Remove(t, f.dir, "drop auth", "auth/login.go", "auth/token.go", "auth/session.go")
	rep, err := f.det.DetectDrift(ctx)
	require.NoError(t, err)

	require.Len(t, rep.Impacts, 1)
	imp := rep.Impacts[0]
	assert.Equal(t, model.ChangeDeleted, imp.ChangeType)
	assert.Equal(t, []string{"auth"}, imp.AffectedCategories)
	assert.Equal(t, []string{"auth/login.go", "auth/session.go", "auth/token.go"}, imp.Paths)
	assert.Equal(t, "auth/", imp.ChangedPath)
	assert.Equal(t, model.SeverityHigh, imp.Severity)
	assert.Equal(t, model.SeverityHigh, rep.MaxSeverity)
}

func TestDetectDrift_Severities(t *testing.T) {
	f := newFixture(t, map[string][]string{
		"documentation": {"docs/index.md"},
		"handbook":      {"docs/guide.md"},
	})
	ctx := context.Background()
	_, err := f.det.InitBaseline(ctx)
	require.NoError(t, err)

	vcstest.Commit(t, f.dir, "changes", map[string]string{
		"docs/new.md":   "low",
		"docs/guide.md": "critical",
		"notes.txt":     "medium",
	})
	rep, err := f.det.DetectDrift(ctx)
	require.NoError(t, err)

	bySeverity := map[string]model.Severity{}
	for _, imp := range rep.Impacts {
		bySeverity[imp.ChangedPath] = imp.Severity
	}
	assert.Equal(t, model.SeverityLow, bySeverity["docs/new.md"])
	assert.Equal(t, model.SeverityCritical, bySeverity["docs/guide.md"])
	assert.Equal(t, model.SeverityMedium, bySeverity["notes.txt"])
	assert.Equal(t, model.SeverityCritical, rep.MaxSeverity)
	assert.Equal(t, []string{"notes.txt"}, rep.Uncategorized)
}

func TestDetectDrift_Rename(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	vcstest.Commit(t, f.dir, "add", map[string]string{"src/old.go": "package x\n\nfunc A() {}\n"})
	_, err := f.det.InitBaseline(ctx)
	require.NoError(t, err)

	vcstest.Git(t, f.dir, "mv", "src/old.go", "src/new.go")
	vcstest.Git(t, f.dir, "commit", "-q", "-m", "rename")

	rep, err := f.det.DetectDrift(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Impacts, 1)
	assert.Equal(t, model.ChangeRenamed, rep.Impacts[0].ChangeType)
	assert.Equal(t, "src/old.go", rep.Impacts[0].OldPath)
	assert.Equal(t, "src/new.go", rep.Impacts[0].ChangedPath)
}

func TestDetectDrift_NeverMovesSyncState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base, err := f.det.InitBaseline(ctx)
	require.NoError(t, err)

	vcstest.Commit(t, f.dir, "more", map[string]string{"docs/a.md": "a"})
	for i := 0; i < 2; i++ {
		rep, err := f.det.DetectDrift(ctx)
		require.NoError(t, err)
		assert.True(t, rep.Changed)
	}
	st, err := f.det.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, base.LastKnownHash, st.LastKnownHash)
	assert.Equal(t, int32(1), f.exec.diffs.Load(), "second identical diff is served from cache")
}

func TestConfirmReconciliation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.det.InitBaseline(ctx)
	require.NoError(t, err)
	head := vcstest.Commit(t, f.dir, "more", map[string]string{"docs/a.md": "a", "docs/b.md": "b"})

	rep, err := f.det.DetectDrift(ctx)
	require.NoError(t, err)
	require.NoError(t, f.det.MarkCheck(ctx, rep.CheckID, model.ResolutionInProgress))

	st, err := f.det.ConfirmReconciliation(ctx, rep.CheckID)
	require.NoError(t, err)
	assert.Equal(t, head, st.LastKnownHash)
	assert.Equal(t, head, st.CurrentHash)

	impacts, err := f.det.Impacts(ctx, "")
	require.NoError(t, err)
	require.Len(t, impacts, 2)
	for _, imp := range impacts {
		assert.Equal(t, model.ResolutionCompleted, imp.ResolutionStatus)
	}

	again, err := f.det.DetectDrift(ctx)
	require.NoError(t, err)
	assert.False(t, again.Changed)

	_, err = f.det.ConfirmReconciliation(ctx, rep.CheckID)
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)
}

func TestConfirmReconciliation_RejectsStaleCheck(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.det.InitBaseline(ctx)
	require.NoError(t, err)
	vcstest.Commit(t, f.dir, "more", map[string]string{"docs/a.md": "a"})

	rep, err := f.det.DetectDrift(ctx)
	require.NoError(t, err)
	_, err = f.det.InitBaseline(ctx)
	require.NoError(t, err)

	_, err = f.det.ConfirmReconciliation(ctx, rep.CheckID)
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)

	impacts, err := f.det.Impacts(ctx, rep.CheckID)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionPending, impacts[0].ResolutionStatus)
}

func TestMarkCheck(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rep, err := f.det.DetectDrift(ctx)
	require.NoError(t, err)

	require.NoError(t, f.det.MarkCheck(ctx, rep.CheckID, model.ResolutionFailed))
	assert.ErrorIs(t, f.det.MarkCheck(ctx, rep.CheckID, model.ResolutionCompleted), errclass.ErrInvalidTransition)
	assert.ErrorIs(t, f.det.MarkCheck(ctx, "missing", model.ResolutionFailed), errclass.ErrNotFound)

	impacts, err := f.det.Impacts(ctx, rep.CheckID)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionFailed, impacts[0].ResolutionStatus)
}

func TestDetectDrift_MissingBranch(t *testing.T) {
	f := newFixture(t, nil)
	vcstest.Git(t, f.dir, "checkout", "-q", vcstest.Canonical)
	vcstest.Git(t, f.dir, "branch", "-D", "main")
	_, err := f.det.DetectDrift(context.Background())
	assert.ErrorIs(t, err, errclass.ErrVcsFailure)
}
