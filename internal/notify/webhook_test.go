package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orgflow/orgflow/internal/notify"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/model"
)

func event(t model.AuditEventType) model.AuditEvent {
	return model.AuditEvent{
		Seq:       7,
		EventType: t,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Actor:     "alice",
		Payload:   map[string]any{"branch": "wip-auth-alice"},
		Checksum:  "abc",
	}
}

func TestSend_PostsSignedPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		body      []byte
		signature string
		header    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(notify.HeaderSignature)
		header = r.Header.Get(notify.HeaderEvent)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := notify.NewClient(notify.Config{Hooks: []notify.Hook{{URL: srv.URL, Secret: "s3cret"}}}, "repo-1", nil)
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), event(model.EventMergeOutcome)))

	mu.Lock()
	defer mu.Unlock()
	var p notify.Payload
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, model.EventMergeOutcome, p.Event)
	assert.Equal(t, int64(7), p.Seq)
	assert.Equal(t, "repo-1", p.RepoID)
	assert.Equal(t, "wip-auth-alice", p.Data["branch"])
	assert.Equal(t, "merge.outcome", header)
	assert.Equal(t, notify.Sign(body, "s3cret"), signature)
}

func TestSend_RetriesThenFails(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := notify.NewClient(notify.Config{
		Hooks:      []notify.Hook{{URL: srv.URL}},
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}, "", nil)
	defer c.Close()

	err := c.Send(context.Background(), event(model.EventBranchCreate))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 500")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestNotify_AsyncDeliveryDrainsOnClose(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := notify.NewClient(notify.Config{Hooks: []notify.Hook{{URL: srv.URL, Events: []string{"branch.*"}}}}, "", nil)
	c.Notify(event(model.EventBranchCreate))
	c.Notify(event(model.EventBranchDelete))
	c.Notify(event(model.EventMergeOutcome))
	require.NoError(t, c.Close())

	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestNotify_FailureIsLoggedNotReturned(t *testing.T) {
	log, logs := logging.NewObserved(logging.LevelDebug)
	c := notify.NewClient(notify.Config{Hooks: []notify.Hook{{URL: "http://127.0.0.1:1/unreachable"}}}, "", log)
	c.Notify(event(model.EventDriftDetected))
	require.NoError(t, c.Close())

	assert.Equal(t, 1, logging.WarnCount(logs))
}

func TestMatches(t *testing.T) {
	assert.True(t, notify.Matches(nil, model.EventMergeOutcome))
	assert.True(t, notify.Matches([]string{"*"}, model.EventMergeOutcome))
	assert.True(t, notify.Matches([]string{"merge.outcome"}, model.EventMergeOutcome))
	assert.True(t, notify.Matches([]string{"merge.*"}, model.EventMergeOutcome))
	assert.False(t, notify.Matches([]string{"drift.*"}, model.EventMergeOutcome))
	assert.False(t, notify.Matches([]string{"merge"}, model.EventMergeOutcome))
}
