package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/orgflow/orgflow/internal/store"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), store.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBranch(name, owner string) *model.WorkBranch {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.WorkBranch{
		Name: name, Purpose: "auth", Owner: owner, BaseHash: "abc123",
		Status: model.StatusActive, CreatedAt: now, UpdatedAt: now,
	}
}

func TestOpen_MigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), store.FileName)
	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var v int
	require.NoError(t, db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&v))
	assert.Equal(t, store.SchemaVersion(), v)
}

func TestWorkBranch_InsertGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertWorkBranch(ctx, sampleBranch("wip-auth-alice", "alice")))
	require.NoError(t, s.InsertWorkBranch(ctx, sampleBranch("wip-docs-bob", "bob")))

	got, err := s.GetWorkBranch(ctx, "wip-auth-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Nil(t, got.MergedAt)

	all, err := s.ListWorkBranches(ctx, model.BranchFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bobs, err := s.ListWorkBranches(ctx, model.BranchFilter{Owner: "bob"})
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "wip-docs-bob", bobs[0].Name)
}

func TestWorkBranch_DuplicateIsNameConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertWorkBranch(ctx, sampleBranch("wip-auth-alice", "alice")))

	err := s.InsertWorkBranch(ctx, sampleBranch("wip-auth-alice", "alice"))
	assert.ErrorIs(t, err, errclass.ErrNameConflict)
}

func TestWorkBranch_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkBranch(context.Background(), "nope")
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestTransitionBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertWorkBranch(ctx, sampleBranch("wip-auth-alice", "alice")))

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	wb, err := s.TransitionBranch(ctx, "wip-auth-alice", model.StatusMerged, at)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, wb.Status)

	stored, err := s.GetWorkBranch(ctx, "wip-auth-alice")
	require.NoError(t, err)
	require.NotNil(t, stored.MergedAt)
	assert.True(t, at.Equal(*stored.MergedAt))

	_, err = s.TransitionBranch(ctx, "wip-auth-alice", model.StatusActive, at)
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)
}

func TestRestoreBranchStatus_BypassesTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertWorkBranch(ctx, sampleBranch("wip-auth-alice", "alice")))
	_, err := s.TransitionBranch(ctx, "wip-auth-alice", model.StatusDeleted, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.RestoreBranchStatus(ctx, "wip-auth-alice", model.StatusActive, time.Now()))
	wb, err := s.GetWorkBranch(ctx, "wip-auth-alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, wb.Status)

	assert.ErrorIs(t, s.RestoreBranchStatus(ctx, "missing", model.StatusActive, time.Now()), errclass.ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertWorkBranch(ctx, sampleBranch("wip-a-x", "x")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	exists, err := s.BranchRecordExists(ctx, "wip-a-x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncState_UpsertSingleRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSyncState(ctx, "/repo")
	require.ErrorIs(t, err, errclass.ErrNotFound)

	st := &model.SyncState{RepositoryPath: "/repo", CurrentHash: "h1", LastKnownHash: "h1",
		CurrentBranch: "main", LastSyncTimestamp: time.Now()}
	require.NoError(t, s.UpsertSyncState(ctx, st))
	st.LastKnownHash = "h2"
	require.NoError(t, s.UpsertSyncState(ctx, st))

	got, err := s.GetSyncState(ctx, "/repo")
	require.NoError(t, err)
	assert.Equal(t, model.CommitID("h2"), got.LastKnownHash)
}

func TestImpacts_InsertListResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []model.ImpactRecord{
		{CheckID: "c1", ChangedPath: "docs", Paths: []string{"docs/a.md", "docs/b.md"},
			ChangeType: model.ChangeDeleted, AffectedCategories: []string{"documentation"},
			Severity: model.SeverityHigh, ResolutionStatus: model.ResolutionPending, FromHash: "a", ToHash: "b"},
		{CheckID: "c1", ChangedPath: "x.go", ChangeType: model.ChangeAdded,
			AffectedCategories: []string{model.CategoryUncategorized}, Severity: model.SeverityMedium,
			ResolutionStatus: model.ResolutionPending, FromHash: "a", ToHash: "b", Conflict: true},
	}
	require.NoError(t, s.InsertImpacts(ctx, "/repo", recs))
	assert.NotZero(t, recs[0].ID)

	got, err := s.ListImpacts(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"docs/a.md", "docs/b.md"}, got[0].Paths)
	assert.True(t, got[1].Conflict)

	latest, err := s.LatestCheckID(ctx, "/repo")
	require.NoError(t, err)
	assert.Equal(t, "c1", latest)

	n, err := s.SetImpactResolution(ctx, "c1", model.ResolutionCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAudit_InsertQueryRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	head, err := s.LastAuditEvent(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	types := []model.AuditEventType{model.EventBranchCreate, model.EventMergeOutcome, model.EventBranchDelete}
	for i, et := range types {
		require.NoError(t, s.InsertAuditEvent(ctx, &model.AuditEvent{
			Seq: int64(i + 1), EventType: et, Timestamp: base.Add(time.Duration(i) * time.Hour),
			Actor: "alice", RawPayload: []byte(`{"n":1}`), Checksum: "c",
		}))
	}

	head, err = s.LastAuditEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head.Seq)
	assert.Equal(t, json.Number("1"), head.Payload["n"])

	branch, err := s.QueryAudit(ctx, model.AuditFilter{Category: "branch"})
	require.NoError(t, err)
	assert.Len(t, branch, 2)

	since, err := s.QueryAudit(ctx, model.AuditFilter{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := s.QueryAudit(ctx, model.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(2), limited[0].Seq)

	rng, err := s.AuditRange(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rng, 1)

	n, err := s.DeleteAuditThrough(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v, err := s.GetMeta(ctx, "anchor")
	require.NoError(t, err)
	assert.Empty(t, v)
	require.NoError(t, s.SetMeta(ctx, "anchor", "1"))
	require.NoError(t, s.SetMeta(ctx, "anchor", "2"))
	v, err = s.GetMeta(ctx, "anchor")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestRecoveryPoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rp := &model.RecoveryPoint{ID: "rp1", OperationType: model.OpMerge, CreatedAt: time.Now(),
		StorageLocation: "/state/checkpoints/rp1.json", SourceBranch: "orgflow"}
	require.NoError(t, s.InsertRecoveryPoint(ctx, rp))

	require.NoError(t, s.MarkRestored(ctx, "rp1", time.Now()))
	err := s.MarkRestored(ctx, "rp1", time.Now())
	assert.ErrorIs(t, err, errclass.ErrRecoveryFailed)

	got, err := s.GetRecoveryPoint(ctx, "rp1")
	require.NoError(t, err)
	assert.True(t, got.Restored)
	assert.NotNil(t, got.RestoredAt)

	list, err := s.ListRecoveryPoints(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteRecoveryPoint(ctx, "rp1"))
	_, err = s.GetRecoveryPoint(ctx, "rp1")
	assert.ErrorIs(t, err, errclass.ErrNotFound)
}
