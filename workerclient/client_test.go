package workerclient_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhub/loomhub/db"
	"github.com/loomhub/loomhub/hub"
	"github.com/loomhub/loomhub/store"
	"github.com/loomhub/loomhub/tokens"
	"github.com/loomhub/loomhub/workerclient"
)

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub, *store.TaskStore, *tokens.Service) {
	t.Helper()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	taskStore := store.NewTaskStore(conn)
	regStore := store.NewRegistrationStore(conn)
	tokenStore := store.NewTokenStore(conn)
	tokenService := tokens.New(tokenStore, regStore, 1000, 100)

	cfg := hub.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	h := hub.New(cfg, taskStore, tokenService, regStore, nil)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, h, taskStore, tokenService
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func TestDial_RegistersAndReceivesAssignedTask(t *testing.T) {
	srv, h, taskStore, tokenService := newTestServer(t)

	_, plaintext, err := tokenService.Create(tokens.CreateInput{Name: "w1", Scope: store.ScopeInstance})
	require.NoError(t, err)

	id, _, err := taskStore.Enqueue(store.TaskObservation, "observation:test", nil, 0, json.RawMessage(`{"n":1}`), "")
	require.NoError(t, err)

	done := make(chan struct{})
	handler := func(ctx context.Context, taskID, taskType, capability string, payload json.RawMessage) (*workerclient.TaskResult, bool, error) {
		defer close(done)
		assert.Equal(t, id, taskID)
		return &workerclient.TaskResult{Payload: json.RawMessage(`{"ok":true}`)}, false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- workerclient.Dial(ctx, wsURL(srv.URL), plaintext,
			workerclient.Identity{SystemID: "sys-1", Capabilities: []string{"observation:test"}}, handler)
	}()

	// Poll until the hub sees the worker idle, then ask it to assign.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.HasCapableIdleWorker("observation:test") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, h.HasCapableIdleWorker("observation:test"))

	task, err := taskStore.Get(id)
	require.NoError(t, err)
	assigned, err := h.Assign(task)
	require.NoError(t, err)
	require.True(t, assigned)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := taskStore.Get(id)
		require.NoError(t, err)
		if got.Status == store.TaskCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := taskStore.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)

	cancel()
	<-errCh
}
