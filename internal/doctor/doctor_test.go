package doctor_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/internal/audit"
	"github.com/orgflow/orgflow/internal/branch"
	"github.com/orgflow/orgflow/internal/doctor"
	"github.com/orgflow/orgflow/internal/lock"
	"github.com/orgflow/orgflow/internal/recovery"
	"github.com/orgflow/orgflow/internal/repo"
	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/internal/vcs/vcstest"
	"github.com/orgflow/orgflow/pkg/model"
)

type fixture struct {
	dir    string
	repo   *repo.Repo
	store  *store.Store
	ledger *audit.Ledger
	coord  *branch.Coordinator
	doc    *doctor.Doctor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := vcstest.InitRepo(t)
	ctx := context.Background()
	git := vcs.New(dir, vcs.NewCLIExecutor(30*time.Second))
	r, err := repo.Init(ctx, dir, vcstest.Canonical, git)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(r.StateDir, store.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{dir: dir, repo: r, store: st}
	f.ledger = audit.New(st, audit.Options{Actor: "alice"})
	locks := lock.NewManager(r.LocksDir(), dir, lock.DefaultPolicy())
	rec := recovery.New(git, st, recovery.Options{
		Dir:       r.CheckpointsDir(),
		Canonical: vcstest.Canonical,
		Prefix:    "wip",
		Ledger:    f.ledger,
	})
	f.coord = branch.New(git, st, branch.Options{
		Canonical:  vcstest.Canonical,
		UserBranch: "main",
		RepoPath:   dir,
		Prefix:     "wip",
		Ledger:     f.ledger,
		Recovery:   rec,
		Locker:     locks,
	})
	f.doc = doctor.New(r, doctor.Deps{
		Git:         git,
		Canonical:   vcstest.Canonical,
		Coordinator: f.coord,
		Ledger:      f.ledger,
		Locks:       locks,
		Recovery:    rec,
	})
	return f
}

func categories(res *doctor.Result) []string {
	var out []string
	for _, f := range res.Findings {
		out = append(out, f.Category)
	}
	return out
}

func TestDoctor_Check_Healthy(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CreateWorkBranch(context.Background(), "auth", "alice")
	require.NoError(t, err)

	result, err := f.doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Findings)
}

func TestDoctor_UntrackedBranchIsRepairedByReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vcstest.Git(t, f.dir, "branch", "wip-hotfix-bob")

	result, err := f.doc.Check(ctx, false)
	require.NoError(t, err)
	assert.True(t, result.Healthy, "untracked branches are warnings")
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "branch", result.Findings[0].Category)
	assert.Equal(t, doctor.RepairReconcile, result.Findings[0].Repair)

	result, err = f.doc.Check(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
	require.Len(t, result.Repaired, 1)
	assert.Contains(t, result.Repaired[0], "adopted 1")

	wb, err := f.store.GetWorkBranch(ctx, "wip-hotfix-bob")
	require.NoError(t, err)
	assert.Equal(t, branch.UnknownOwner, wb.Owner)
}

func TestDoctor_VanishedBranchIsUnhealthy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.coord.CreateWorkBranch(ctx, "auth", "alice")
	require.NoError(t, err)
	vcstest.Git(t, f.dir, "checkout", "-q", "main")
	vcstest.Git(t, f.dir, "branch", "-D", res.Branch.Name)

	result, err := f.doc.Check(ctx, false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Equal(t, []string{"branch"}, categories(result))

	result, err = f.doc.Check(ctx, true)
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	wb, err := f.store.GetWorkBranch(ctx, res.Branch.Name)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, wb.Status)
}

func TestDoctor_BrokenAuditChainIsCritical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Append(ctx, audit.Entry{Type: model.EventBranchCreate, Payload: map[string]any{"name": "a"}})
	require.NoError(t, err)

	db, err := sql.Open("sqlite", filepath.Join(f.repo.StateDir, store.FileName))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE audit_events SET payload = '{"name":"b"}' WHERE seq = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	result, err := f.doc.Check(ctx, true)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, doctor.SeverityCritical, result.Findings[0].Severity)
	assert.Empty(t, result.Findings[0].Repair)
}

func TestDoctor_MergeInProgress(t *testing.T) {
	f := newFixture(t)
	vcstest.Git(t, f.dir, "checkout", "-q", "-b", "side")
	vcstest.Commit(t, f.dir, "side", map[string]string{"README.md": "side\n"})
	vcstest.Git(t, f.dir, "checkout", "-q", "main")
	vcstest.Commit(t, f.dir, "main", map[string]string{"README.md": "main\n"})
	cmdErr := runGit(f.dir, "merge", "side")
	require.Error(t, cmdErr)

	result, err := f.doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"merge"}, categories(result))
	assert.Contains(t, result.Findings[0].Description, "1 conflicted files")
	assert.True(t, result.Healthy)
}

func TestDoctor_RepairsStateDirectoryLeftovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orphan := filepath.Join(f.repo.CheckpointsDir(), "0b6e3a40-orphan.json")
	require.NoError(t, os.WriteFile(orphan, []byte("{}"), 0o644))
	tmp := filepath.Join(f.repo.StateDir, ".orgflow-tmp-123")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0o644))

	expired, err := json.Marshal(model.LockRecord{
		RepositoryPath: f.dir,
		HolderNonce:    "gone",
		AcquiredAt:     time.Now().Add(-time.Hour),
		ExpiresAt:      time.Now().Add(-time.Minute),
		FencingToken:   1,
		Purpose:        "merge",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.repo.LocksDir(), "repo.lock.json"), expired, 0o644))

	result, err := f.doc.Check(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lock", "checkpoint", "tmp"}, categories(result))
	assert.True(t, result.Healthy)

	result, err = f.doc.Check(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, result.Findings)
	assert.Len(t, result.Repaired, 3)
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, tmp)
}

func TestDoctor_FutureFormatVersion(t *testing.T) {
	f := newFixture(t)
	f.repo.FormatVersion = repo.FormatVersion + 1

	result, err := f.doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Equal(t, []string{"format"}, categories(result))
}

func TestDoctor_ListRepairActions(t *testing.T) {
	names := map[string]bool{}
	for _, a := range doctor.ListRepairActions() {
		names[a.Name] = true
	}
	for _, want := range []string{doctor.RepairReconcile, doctor.RepairLock, doctor.RepairCheckpoints, doctor.RepairTmp} {
		assert.True(t, names[want], want)
	}
}

func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.Run()
}
