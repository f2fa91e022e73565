package orgflow_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/internal/merge"
	"github.com/orgflow/orgflow/internal/profile"
	"github.com/orgflow/orgflow/internal/vcs/vcstest"
	"github.com/orgflow/orgflow/pkg/config"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

type offlineHost struct{}

func (offlineHost) Available(context.Context) bool { return false }

func (offlineHost) Authenticated(context.Context) bool { return false }

func (offlineHost) Repo(context.Context) (*profile.HostRepo, error) { return nil, nil }

type offlineSubmitter struct{}

func (offlineSubmitter) Name() string { return "offline" }

func (offlineSubmitter) Available(context.Context) bool { return false }

func (offlineSubmitter) Authenticated(context.Context) bool { return false }

func (offlineSubmitter) Submit(context.Context, merge.ReviewRequest) (string, error) {
	return "", nil
}

func testOptions() orgflow.Options {
	return orgflow.Options{
		Logger:    logging.NewNop(),
		Actor:     "alice",
		Host:      offlineHost{},
		Submitter: offlineSubmitter{},
	}
}

func initClient(t *testing.T) (*orgflow.Client, string) {
	t.Helper()
	dir := vcstest.InitRepo(t)
	c, err := orgflow.Init(context.Background(), dir, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func TestInit_WritesStateAndIsIdempotent(t *testing.T) {
	c, dir := initClient(t)

	_, err := os.Stat(config.Path(c.Repo().StateDir))
	require.NoError(t, err)
	assert.NotEmpty(t, c.Repo().RepoID)
	assert.Equal(t, "orgflow", c.Config().Branches.Canonical)

	again, err := orgflow.Init(context.Background(), dir, testOptions())
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, c.Repo().RepoID, again.Repo().RepoID)
}

func TestOpen_RequiresInit(t *testing.T) {
	dir := vcstest.InitRepo(t)
	_, err := orgflow.Open(context.Background(), dir, testOptions())
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestOpen_FromSubdirectory(t *testing.T) {
	c, dir := initClient(t)
	sub := filepath.Join(dir, "pkg", "inner")
	require.NoError(t, os.MkdirAll(sub, 0755))

	opened, err := orgflow.Open(context.Background(), sub, testOptions())
	require.NoError(t, err)
	defer opened.Close()
	assert.Equal(t, c.Repo().RepoID, opened.Repo().RepoID)
}

func TestClient_BranchLifecycle(t *testing.T) {
	c, dir := initClient(t)
	ctx := context.Background()

	res, err := c.CreateWorkBranch(ctx, "auth", "")
	require.NoError(t, err)
	name := res.Branch.Name
	assert.Equal(t, "alice", res.Branch.Owner)
	assert.Equal(t, name, vcstest.Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))

	vcstest.Commit(t, dir, "add login", map[string]string{"auth/login.go": "package auth\n"})

	out, err := c.Merge(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, merge.StatusMerged, out.Status)
	assert.Equal(t, merge.StrategyDirect, out.Strategy)

	wb, err := c.GetWorkBranch(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, wb.Status)

	del, err := c.DeleteWorkBranch(ctx, name, false)
	require.NoError(t, err)
	assert.Equal(t, name, del.Name)

	events, err := c.QueryAudit(ctx, model.AuditFilter{})
	require.NoError(t, err)
	types := make([]model.AuditEventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
		assert.Equal(t, "alice", ev.Actor)
	}
	assert.Equal(t, []model.AuditEventType{
		model.EventBranchCreate, model.EventMergeOutcome, model.EventBranchDelete,
	}, types)

	verify, err := c.VerifyAudit(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, verify.OK)

	points, err := c.Checkpoints(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, points)
}

func TestClient_DriftRoundTrip(t *testing.T) {
	c, dir := initClient(t)
	ctx := context.Background()

	_, err := c.InitBaseline(ctx)
	require.NoError(t, err)

	vcstest.Commit(t, dir, "docs", map[string]string{"docs/guide.md": "# guide\n"})
	rep, err := c.DetectDrift(ctx)
	require.NoError(t, err)
	require.True(t, rep.Changed)
	require.Len(t, rep.Impacts, 1)
	assert.Equal(t, []string{"documentation"}, rep.Impacts[0].AffectedCategories)

	state, err := c.ConfirmReconciliation(ctx, rep.CheckID)
	require.NoError(t, err)
	assert.Equal(t, model.CommitID(vcstest.Head(t, dir, "main")), state.LastKnownHash)

	again, err := c.DetectDrift(ctx)
	require.NoError(t, err)
	assert.False(t, again.Changed)
}

func TestOpen_ThroughSymlinkSharesSyncState(t *testing.T) {
	ctx := context.Background()
	dir := vcstest.InitRepo(t)
	c, err := orgflow.Init(ctx, dir, testOptions())
	require.NoError(t, err)
	_, err = c.InitBaseline(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(dir, link))
	viaLink, err := orgflow.Open(ctx, link, testOptions())
	require.NoError(t, err)
	defer viaLink.Close()

	rep, err := viaLink.DetectDrift(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Changed)
	assert.Empty(t, rep.Impacts)
}

func TestClient_PruneAuditDisabledByDefault(t *testing.T) {
	c, _ := initClient(t)
	ctx := context.Background()
	_, err := c.CreateWorkBranch(ctx, "auth", "")
	require.NoError(t, err)

	res, err := c.PruneAudit(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, res.Removed)

	res, err = c.PruneAudit(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Removed)
}

func TestClient_DoctorHealthy(t *testing.T) {
	c, _ := initClient(t)
	var steps []string
	res, err := c.Doctor(context.Background(), false, func(op string, current, total int, step string) {
		steps = append(steps, step)
		assert.Equal(t, len(steps), current)
	})
	require.NoError(t, err)
	assert.True(t, res.Healthy, "%+v", res.Findings)
	assert.Len(t, steps, 8)
	assert.Equal(t, "audit chain", steps[4])
}
