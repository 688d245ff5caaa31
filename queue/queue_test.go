package queue

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhub/loomhub/db"
	"github.com/loomhub/loomhub/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return New(store.NewTaskStore(conn), 30*time.Second, 24*time.Hour)
}

func TestQueue_EnqueueClaimComplete(t *testing.T) {
	q := newTestQueue(t)

	id, wasNew, err := q.Enqueue(store.TaskObservation, "observation:sdk", nil, 5, json.RawMessage(`{"a":1}`), "")
	require.NoError(t, err)
	assert.True(t, wasNew)

	claimed, err := q.ClaimNext([]string{"observation:sdk"}, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, id, claimed.ID)

	require.NoError(t, q.MarkProcessing(id, "worker-1"))
	require.NoError(t, q.Complete(id, json.RawMessage(`{"ok":true}`)))

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
}

func TestQueue_FastReapOnDisconnect(t *testing.T) {
	q := newTestQueue(t)

	id, _, err := q.Enqueue(store.TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	_, err = q.ClaimNext([]string{"observation:sdk"}, "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.FastReap(id))

	task, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
}

func TestQueue_FallbackCapabilityClaim(t *testing.T) {
	q := newTestQueue(t)

	_, _, err := q.Enqueue(store.TaskSummarize, "summarize:mistral", []string{"summarize:gpt"}, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	claimed, err := q.ClaimNext([]string{"summarize:gpt"}, "worker-fallback")
	require.NoError(t, err)
	assert.Nil(t, claimed, "claim_next matches on required_capability only; fallback trial is the Hub's job")
}
