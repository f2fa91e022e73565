package pathutil_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Auth", 0, "auth"},
		{"Fix login bug", 0, "fix-login-bug"},
		{"  --weird__name!! ", 0, "weird-name"},
		{"Zoë Ångström", 0, "zoe-angstrom"},
		{"feature/API v2", 0, "feature-api-v2"},
		{"abcdefghij-klm", 11, "abcdefghij"},
		{"日本語", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, pathutil.Slug(tt.in, tt.max))
		})
	}
}

func TestValidateBranchName_Valid(t *testing.T) {
	for _, name := range []string{"wip-auth-alice", "wip-auth-2", "wip-a1-b2-20260101"} {
		assert.NoError(t, pathutil.ValidateBranchName(name, "wip", 63), name)
	}
}

func TestValidateBranchName_Invalid(t *testing.T) {
	tests := []string{
		"",
		"WIP-auth",
		"wip-auth/alice",
		"wip--auth",
		"wip-auth-",
		"feature-auth",
		"wip-auth..x",
		"wip-auth.lock",
		"wip-" + strings.Repeat("a", 80),
		"wip-auth\x00",
	}
	for _, name := range tests {
		err := pathutil.ValidateBranchName(name, "wip", 63)
		require.ErrorIs(t, err, errclass.ErrNameInvalid, "should reject %q", name)
	}
}

func TestValidateBranchName_ReportsEveryReason(t *testing.T) {
	err := pathutil.ValidateBranchName("Feature/"+strings.Repeat("x", 70), "wip", 63)
	require.Error(t, err)
	reasons := errclass.ReasonsOf(err)
	assert.GreaterOrEqual(t, len(reasons), 3)
}

func TestNormalizeRepoPath_ResolvesSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	a, err := pathutil.NormalizeRepoPath(link)
	require.NoError(t, err)
	b, err := pathutil.NormalizeRepoPath(real + "/.")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNormalizeRepoPath_MissingTail(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(real, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(real, link))

	got, err := pathutil.NormalizeRepoPath(filepath.Join(link, "not", "yet"))
	require.NoError(t, err)
	want, err := pathutil.NormalizeRepoPath(real)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(want, "not", "yet"), got)
}

func TestEnsureWithin(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, pathutil.EnsureWithin(root, filepath.Join(root, "checkpoints", "a.json")))
	assert.NoError(t, pathutil.EnsureWithin(root, root))

	err := pathutil.EnsureWithin(root, filepath.Join(root, "..", "outside.json"))
	assert.ErrorIs(t, err, errclass.ErrPathEscape)

	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))
	assert.ErrorIs(t, pathutil.EnsureWithin(root, filepath.Join(link, "a.json")), errclass.ErrPathEscape)
}
