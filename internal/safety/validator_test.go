package safety_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/internal/safety"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
)

func baseContext(top model.Topology) safety.Context {
	return safety.Context{
		Topology:         top,
		CanonicalBranch:  "orgflow",
		UserBranch:       "main",
		WorkPrefix:       "wip",
		CurrentBranch:    "orgflow",
		BaseBranch:       "orgflow",
		HostCLIAvailable: true,
		NetworkReachable: true,
	}
}

func TestCheck_CreateOnOrgBranchInOriginalAllows(t *testing.T) {
	res := safety.Check(safety.OpCreateBranch, baseContext(model.TopologyOriginal))
	assert.Equal(t, safety.Allow, res.Decision)
	assert.Empty(t, res.Reasons)
	assert.NoError(t, res.Err())
}

func TestCheck_CreateOnUserBranchInCloneBlocks(t *testing.T) {
	for _, top := range []model.Topology{model.TopologyClone, model.TopologyFork} {
		c := baseContext(top)
		c.CurrentBranch = "main"
		res := safety.Check(safety.OpCreateBranch, c)
		assert.Equal(t, safety.Block, res.Decision, top)
		assert.Equal(t, model.SeverityHigh, res.Severity)
		require.Len(t, res.Reasons, 1)
		assert.Contains(t, res.Reasons[0], "canonical user branch main")

		err := res.Err()
		assert.ErrorIs(t, err, errclass.ErrUnsafeOperation)
		assert.Equal(t, res.Reasons, errclass.ReasonsOf(err))
	}
}

func TestCheck_CreateOnUserBranchInOriginalAllows(t *testing.T) {
	c := baseContext(model.TopologyOriginal)
	c.CurrentBranch = "main"
	assert.Equal(t, safety.Allow, safety.Check(safety.OpCreateBranch, c).Decision)
}

func TestCheck_CreateFromNonCanonicalBaseBlocks(t *testing.T) {
	c := baseContext(model.TopologyOriginal)
	c.BaseBranch = "main"
	res := safety.Check(safety.OpCreateBranch, c)
	assert.True(t, res.Blocked())
	assert.Contains(t, res.Reasons[0], "must start from orgflow")
}

func TestCheck_FirstBlockingRuleWins(t *testing.T) {
	c := baseContext(model.TopologyClone)
	c.CurrentBranch = "main"
	c.BaseBranch = "elsewhere"
	res := safety.Check(safety.OpCreateBranch, c)
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0], "canonical user branch")
}

func TestCheck_StaleWorkBranchAutocorrects(t *testing.T) {
	c := baseContext(model.TopologyOriginal)
	c.CurrentBranch = "wip-old-alice"
	c.CurrentIsStale = true

	res := safety.Check(safety.OpCreateBranch, c)
	assert.Equal(t, safety.Autocorrect, res.Decision)
	require.NotNil(t, res.Corrected)
	assert.Equal(t, "orgflow", res.Corrected.CurrentBranch)
	assert.False(t, res.Corrected.CurrentIsStale)
	assert.Contains(t, res.Reasons[0], "stale work branch")
	assert.NoError(t, res.Err())
}

func TestCheck_BlockBeatsAutocorrect(t *testing.T) {
	c := baseContext(model.TopologyOriginal)
	c.CurrentBranch = "wip-old-alice"
	c.CurrentIsStale = true
	c.BaseBranch = "main"
	assert.Equal(t, safety.Block, safety.Check(safety.OpCreateBranch, c).Decision)
}

func TestCheck_Merge(t *testing.T) {
	c := baseContext(model.TopologyOriginal)
	c.SourceBranch = "wip-auth-alice"
	c.TargetBranch = "orgflow"
	assert.Equal(t, safety.Allow, safety.Check(safety.OpMerge, c).Decision)

	c.TargetBranch = "main"
	assert.True(t, safety.Check(safety.OpMerge, c).Blocked())

	c.Topology = model.TopologyFork
	res := safety.Check(safety.OpMerge, c)
	assert.True(t, res.Blocked())
	assert.Contains(t, res.Reasons[0], "canonical user branch")

	c = baseContext(model.TopologyOriginal)
	c.SourceBranch = "feature-x"
	c.TargetBranch = "orgflow"
	assert.True(t, safety.Check(safety.OpMerge, c).Blocked())
}

func TestCheck_DeleteProtected(t *testing.T) {
	c := baseContext(model.TopologyOriginal)
	for _, name := range []string{"orgflow", "main"} {
		c.SourceBranch = name
		res := safety.Check(safety.OpDeleteBranch, c)
		assert.True(t, res.Blocked())
		assert.Equal(t, model.SeverityCritical, res.Severity)
	}

	c.SourceBranch = "wip-auth-alice"
	assert.Equal(t, safety.Allow, safety.Check(safety.OpDeleteBranch, c).Decision)
}

func TestCheck_WarningsDoNotBlock(t *testing.T) {
	c := baseContext(model.TopologyOriginal)
	c.SourceBranch = "wip-auth-alice"
	c.TargetBranch = "orgflow"
	c.RemoteReview = true
	c.HostCLIAvailable = false
	c.RemoteAncestry = true
	c.NetworkReachable = false

	res := safety.Check(safety.OpMerge, c)
	assert.Equal(t, safety.Allow, res.Decision)
	assert.Len(t, res.Warnings, 2)
}
