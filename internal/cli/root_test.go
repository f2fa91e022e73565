package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/internal/merge"
	"github.com/orgflow/orgflow/internal/profile"
	"github.com/orgflow/orgflow/internal/vcs/vcstest"
	"github.com/orgflow/orgflow/pkg/errclass"
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

func executeCommand(args ...string) (stdout string, err error) {
	resetFlags(rootCmd)

	// Capture os.Stdout since commands print with fmt directly
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	rootCmd.SetArgs(args)
	err = rootCmd.Execute()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), err
}

// resetFlags restores flag defaults between executions of the shared
// command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Value.Type() != "stringArray" {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
	auditTypes = nil
}

// setupRepo creates a git repository, makes it the working directory and
// keeps commands away from the host integration.
func setupRepo(t *testing.T) string {
	t.Helper()
	dir := vcstest.InitRepo(t)
	t.Chdir(dir)
	configureClient = func(o *orgflow.Options) {
		o.Actor = "alice"
		o.Host = offlineHost{}
		o.Submitter = offlineSubmitter{}
	}
	t.Cleanup(func() { configureClient = nil })
	return dir
}

func setupInitialized(t *testing.T) string {
	t.Helper()
	dir := setupRepo(t)
	_, err := executeCommand("init")
	require.NoError(t, err)
	return dir
}

func decode(t *testing.T, out string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand("--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "canonical organizational branch")
	for _, sub := range []string{"branch", "merge", "drift", "checkpoint", "audit", "doctor"} {
		assert.Contains(t, stdout, sub)
	}
}

func TestVersionCommand_JSON(t *testing.T) {
	stdout, err := executeCommand("version", "--json")
	require.NoError(t, err)
	var got map[string]any
	decode(t, stdout, &got)
	assert.Equal(t, Version, got["version"])
}

func TestInitCommand(t *testing.T) {
	dir := setupRepo(t)

	stdout, err := executeCommand("init")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Initialized orgflow")
	assert.Equal(t, vcstest.Head(t, dir, "main"), vcstest.Head(t, dir, "orgflow"))

	stdout, err = executeCommand("init", "--json")
	require.NoError(t, err)
	var got map[string]any
	decode(t, stdout, &got)
	assert.Equal(t, "orgflow", got["canonical_branch"])
}

func TestCommands_RequireInit(t *testing.T) {
	setupRepo(t)
	_, err := executeCommand("branch", "list")
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrNotFound)
	assert.Contains(t, suggestFor(err), "orgflow init")
}

func TestBranchAndMergeFlow(t *testing.T) {
	dir := setupInitialized(t)

	stdout, err := executeCommand("branch", "create", "auth", "--user", "alice", "--json")
	require.NoError(t, err)
	var created struct {
		Branch struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"branch"`
	}
	decode(t, stdout, &created)
	assert.Equal(t, "wip-auth-alice", created.Branch.Name)
	assert.Equal(t, "active", created.Branch.Status)

	vcstest.Commit(t, dir, "add login", map[string]string{"auth/login.go": "package auth\n"})

	stdout, err = executeCommand("merge", "wip-auth-alice", "--json")
	require.NoError(t, err)
	var out merge.Outcome
	decode(t, stdout, &out)
	assert.Equal(t, merge.StatusMerged, out.Status)
	assert.Equal(t, merge.StrategyDirect, out.Strategy)
	assert.Contains(t, out.Reasons, "host integration not available")

	stdout, err = executeCommand("branch", "list", "--status", "merged")
	require.NoError(t, err)
	assert.Contains(t, stdout, "wip-auth-alice")

	stdout, err = executeCommand("audit", "query", "--category", "merge", "--json")
	require.NoError(t, err)
	var events []map[string]any
	decode(t, stdout, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "merge.outcome", events[0]["event_type"])

	stdout, err = executeCommand("audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, stdout, "OK")
}

func TestMerge_UnknownBranchSuggestsMatch(t *testing.T) {
	setupInitialized(t)
	_, err := executeCommand("branch", "create", "auth", "--user", "alice")
	require.NoError(t, err)

	_, err = executeCommand("merge", "wip-auth")
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrNotFound)
	assert.Contains(t, suggestFor(err), "wip-auth-alice")
}

func TestBranchDelete_RefusesUnmergedWithoutForce(t *testing.T) {
	dir := setupInitialized(t)
	_, err := executeCommand("branch", "create", "docs", "--user", "alice")
	require.NoError(t, err)
	vcstest.Commit(t, dir, "draft", map[string]string{"docs/draft.md": "draft\n"})
	vcstest.Git(t, dir, "switch", "-q", "main")

	_, err = executeCommand("branch", "delete", "wip-docs-alice")
	assert.ErrorIs(t, err, errclass.ErrBlockedByUnmergedWork)

	stdout, err := executeCommand("branch", "delete", "wip-docs-alice", "--force")
	require.NoError(t, err)
	assert.Contains(t, stdout, "discarded 1 unmerged commit")
}

func TestDriftCommands(t *testing.T) {
	dir := setupInitialized(t)

	_, err := executeCommand("drift", "baseline")
	require.NoError(t, err)

	stdout, err := executeCommand("drift", "check")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No drift")

	vcstest.Commit(t, dir, "docs", map[string]string{"docs/guide.md": "# guide\n"})
	stdout, err = executeCommand("drift", "check", "--json")
	require.NoError(t, err)
	var rep struct {
		Changed bool   `json:"changed"`
		CheckID string `json:"check_id"`
	}
	decode(t, stdout, &rep)
	require.True(t, rep.Changed)

	stdout, err = executeCommand("drift", "impacts")
	require.NoError(t, err)
	assert.Contains(t, stdout, "docs/guide.md")

	_, err = executeCommand("drift", "confirm", rep.CheckID)
	require.NoError(t, err)

	stdout, err = executeCommand("drift", "check")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No drift")
}

func TestCheckpointCommands(t *testing.T) {
	setupInitialized(t)

	stdout, err := executeCommand("checkpoint", "create", "--json")
	require.NoError(t, err)
	var rp struct {
		ID string `json:"id"`
	}
	decode(t, stdout, &rp)
	require.NotEmpty(t, rp.ID)

	stdout, err = executeCommand("checkpoint", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, rp.ID)

	stdout, err = executeCommand("checkpoint", "rollback", rp.ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Rolled back")
}

func TestCheckpointRollback_ForceDiscardsNewWork(t *testing.T) {
	dir := setupInitialized(t)
	stdout, err := executeCommand("checkpoint", "create", "--json")
	require.NoError(t, err)
	var rp struct {
		ID string `json:"id"`
	}
	decode(t, stdout, &rp)

	_, err = executeCommand("branch", "create", "docs", "--user", "alice")
	require.NoError(t, err)
	vcstest.Commit(t, dir, "draft", map[string]string{"docs/draft.md": "draft\n"})

	_, err = executeCommand("checkpoint", "rollback", rp.ID)
	assert.ErrorIs(t, err, errclass.ErrBlockedByUnmergedWork)

	stdout, err = executeCommand("checkpoint", "rollback", rp.ID, "--force")
	require.NoError(t, err)
	assert.Contains(t, stdout, "deleted wip-docs-alice")
	assert.Equal(t, "main", vcstest.Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestConfigCommands(t *testing.T) {
	setupInitialized(t)

	_, err := executeCommand("config", "set", "review.enabled", "false")
	require.NoError(t, err)

	stdout, err := executeCommand("config", "show", "--json")
	require.NoError(t, err)
	var cfg struct {
		Review struct {
			Enabled bool
		}
	}
	decode(t, stdout, &cfg)
	assert.False(t, cfg.Review.Enabled)

	_, err = executeCommand("config", "set", "vcs.timeout", "soon")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestDoctorAndLock(t *testing.T) {
	setupInitialized(t)

	stdout, err := executeCommand("doctor")
	require.NoError(t, err)
	assert.Contains(t, stdout, "healthy")

	stdout, err = executeCommand("lock", "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "free")

	stdout, err = executeCommand("lock", "break")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No lock held")
}

func TestParseTimeFlag(t *testing.T) {
	zero, err := parseTimeFlag("since", "")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	abs, err := parseTimeFlag("since", "2026-05-01T09:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), abs.UTC())

	rel, err := parseTimeFlag("since", "2h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-2*time.Hour), rel, time.Minute)

	_, err = parseTimeFlag("since", "yesterday")
	assert.Error(t, err)
}
