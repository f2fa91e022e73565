package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orgflow/orgflow/pkg/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite_CreatesParentAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints", "cp.json")

	require.NoError(t, fsutil.AtomicWrite(path, []byte(`{"k":1}`), 0o644))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, string(content))
}

func TestAtomicWrite_OverwritesWithoutLeavingTmp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, fsutil.AtomicWrite(path, []byte("new"), 0o644))

	content, _ := os.ReadFile(path)
	assert.Equal(t, "new", string(content))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicWriteJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	type manifest struct {
		ID       string            `json:"id"`
		Branches map[string]string `json:"branches"`
	}
	in := manifest{ID: "cp-1", Branches: map[string]string{"wip-a": "abc"}}

	require.NoError(t, fsutil.AtomicWriteJSON(path, in))

	var out manifest
	require.NoError(t, fsutil.ReadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestReadJSON_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var v map[string]any
	assert.Error(t, fsutil.ReadJSON(path, &v))
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone")
	assert.NoError(t, fsutil.RemoveIfExists(path))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.NoError(t, fsutil.RemoveIfExists(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
