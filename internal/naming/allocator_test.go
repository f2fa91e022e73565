package naming_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/internal/naming"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/pathutil"
)

func takenSet(names ...string) naming.ExistsFunc {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(_ context.Context, name string) (bool, error) {
		return set[name], nil
	}
}

func TestAllocate_UserName(t *testing.T) {
	a := naming.New("wip", 63, 100, nil)
	name, err := a.Allocate(context.Background(), "auth", "alice")
	require.NoError(t, err)
	assert.Equal(t, "wip-auth-alice", name)
}

func TestAllocate_SequenceWithoutUser(t *testing.T) {
	a := naming.New("wip", 63, 100, nil)
	first, err := a.Allocate(context.Background(), "Fix Login Flow", "")
	require.NoError(t, err)
	second, err := a.Allocate(context.Background(), "Fix Login Flow", "")
	require.NoError(t, err)
	assert.Equal(t, "wip-fix-login-flow-1", first)
	assert.Equal(t, "wip-fix-login-flow-2", second)
}

func TestAllocate_RepeatedCallsAreDistinct(t *testing.T) {
	a := naming.New("wip", 63, 100, nil)
	first, err := a.Allocate(context.Background(), "auth", "alice")
	require.NoError(t, err)
	second, err := a.Allocate(context.Background(), "auth", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "wip-auth-alice-2", second)
}

func TestAllocate_SkipsExisting(t *testing.T) {
	a := naming.New("wip", 63, 100, takenSet("wip-auth-alice", "wip-auth-alice-2"))
	name, err := a.Allocate(context.Background(), "auth", "alice")
	require.NoError(t, err)
	assert.Equal(t, "wip-auth-alice-3", name)
}

func TestAllocate_DateSuffixAfterSequenceExhausted(t *testing.T) {
	a := naming.New("wip", 63, 3, takenSet("wip-auth-alice", "wip-auth-alice-2", "wip-auth-alice-3"))
	a.SetClock(func() time.Time { return time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC) })
	name, err := a.Allocate(context.Background(), "auth", "alice")
	require.NoError(t, err)
	assert.Equal(t, "wip-auth-alice-20260304", name)
}

func TestAllocate_NameConflictWhenExhausted(t *testing.T) {
	always := func(context.Context, string) (bool, error) { return true, nil }
	a := naming.New("wip", 63, 5, always)
	_, err := a.Allocate(context.Background(), "auth", "alice")
	assert.ErrorIs(t, err, errclass.ErrNameConflict)
}

func TestAllocate_ExistsErrorPropagates(t *testing.T) {
	boom := errors.New("git broke")
	a := naming.New("wip", 63, 5, func(context.Context, string) (bool, error) { return false, boom })
	_, err := a.Allocate(context.Background(), "auth", "alice")
	assert.ErrorIs(t, err, boom)
}

func TestAllocate_TruncatesToMaxLength(t *testing.T) {
	a := naming.New("wip", 20, 10, nil)
	purpose := strings.Repeat("very long purpose ", 5)
	first, err := a.Allocate(context.Background(), purpose, "alice")
	require.NoError(t, err)
	second, err := a.Allocate(context.Background(), purpose, "alice")
	require.NoError(t, err)

	assert.LessOrEqual(t, len(first), 20)
	assert.LessOrEqual(t, len(second), 20)
	assert.NotEqual(t, first, second)
	assert.NoError(t, a.Validate(first))
	assert.NoError(t, a.Validate(second))
}

func TestAllocate_ShortMaxLengthStillReachesDateSuffix(t *testing.T) {
	taken := func(_ context.Context, name string) (bool, error) {
		return !strings.HasSuffix(name, "-20260501"), nil
	}
	a := naming.New("wip", 10, 2, taken)
	a.SetClock(func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) })

	name, err := a.Allocate(context.Background(), "auth", "")
	require.NoError(t, err)
	assert.Equal(t, "wip-a-20260501", name)
	assert.Len(t, name, naming.MinLength("wip"))
}

func TestAllocate_RejectsEmptyPurpose(t *testing.T) {
	a := naming.New("wip", 63, 10, nil)
	_, err := a.Allocate(context.Background(), "!!!", "alice")
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
}

func TestAllocate_UnicodeFolded(t *testing.T) {
	a := naming.New("wip", 63, 10, nil)
	name, err := a.Allocate(context.Background(), "Résumé export", "Zoë Ångström")
	require.NoError(t, err)
	assert.Equal(t, "wip-resume-export-zoe-angstrom", name)
}

func TestAllocate_ReleaseFreesName(t *testing.T) {
	a := naming.New("wip", 63, 10, nil)
	name, err := a.Allocate(context.Background(), "auth", "alice")
	require.NoError(t, err)
	a.Release(name)
	again, err := a.Allocate(context.Background(), "auth", "alice")
	require.NoError(t, err)
	assert.Equal(t, name, again)
}

func TestAllocate_ConcurrentUnique(t *testing.T) {
	a := naming.New("wip", 63, 100, nil)

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, err := a.Allocate(context.Background(), "auth", "alice")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[name], "duplicate %s", name)
			seen[name] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	for name := range seen {
		assert.NoError(t, pathutil.ValidateBranchName(name, "wip", 63))
	}
}

func TestAllocate_Cancelled(t *testing.T) {
	a := naming.New("wip", 63, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Allocate(ctx, "auth", "alice")
	assert.ErrorIs(t, err, errclass.ErrCancelled)
}

func TestValidate(t *testing.T) {
	a := naming.New("wip", 63, 10, nil)
	assert.NoError(t, a.Validate("wip-auth-alice"))
	assert.ErrorIs(t, a.Validate("feature-auth"), errclass.ErrNameInvalid)
	assert.ErrorIs(t, a.Validate("wip-Auth"), errclass.ErrNameInvalid)
	assert.ErrorIs(t, a.Validate("wip-a..b"), errclass.ErrNameInvalid)
}
