package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhub/loomhub/db"
)

func newTestDB(t *testing.T) *TaskStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewTaskStore(conn)
}

func TestTaskStore_Enqueue_Dedup(t *testing.T) {
	ts := newTestDB(t)

	id1, wasNew1, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "abc")
	require.NoError(t, err)
	assert.True(t, wasNew1)

	id2, wasNew2, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "abc")
	require.NoError(t, err)
	assert.False(t, wasNew2)
	assert.Equal(t, id1, id2)

	counts, err := ts.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[TaskPending])
}

func TestTaskStore_ClaimNext_PriorityOrdering(t *testing.T) {
	ts := newTestDB(t)

	_, _, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)
	t2ID, _, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 10, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	claimed, err := ts.ClaimNext([]string{"observation:sdk"}, "w1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, t2ID, claimed.ID, "higher priority task should be claimed first")
	assert.Equal(t, TaskAssigned, claimed.Status)
}

func TestTaskStore_Fail_RetryBackoff(t *testing.T) {
	ts := newTestDB(t)

	id, _, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	_, err = ts.ClaimNext([]string{"observation:sdk"}, "w1", time.Now())
	require.NoError(t, err)

	err = ts.Fail(id, "transient failure", true)
	require.NoError(t, err)

	task, err := ts.Get(id)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.NotNil(t, task.RetryAfter)
	assert.True(t, task.RetryAfter.After(time.Now()))

	// Not yet eligible for reassignment since retry_after is in the future.
	claimed, err := ts.ClaimNext([]string{"observation:sdk"}, "w2", time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestTaskStore_Fail_ExhaustedRetriesTerminal(t *testing.T) {
	ts := newTestDB(t)

	id, _, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	for i := 0; i <= DefaultMaxRetries; i++ {
		_, err = ts.ClaimNext([]string{"observation:sdk"}, "w1", time.Now())
		require.NoError(t, err)
		require.NoError(t, ts.Fail(id, "nope", true))
	}

	task, err := ts.Get(id)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, task.Status)
}

func TestTaskStore_Reap_StaleAssignment(t *testing.T) {
	ts := newTestDB(t)

	id, _, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	past := time.Now().Add(-3 * time.Minute)
	_, err = ts.ClaimNext([]string{"observation:sdk"}, "w1", past)
	require.NoError(t, err)

	count, err := ts.Reap(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	task, err := ts.Get(id)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
}

func TestTaskStore_Complete(t *testing.T) {
	ts := newTestDB(t)

	id, _, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	_, err = ts.ClaimNext([]string{"observation:sdk"}, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, ts.MarkProcessing(id, "w1"))
	require.NoError(t, ts.Complete(id, json.RawMessage(`{"ok":true}`)))

	task, err := ts.Get(id)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.JSONEq(t, `{"ok":true}`, string(task.Result))
}

func TestTaskStore_Subscribe(t *testing.T) {
	ts := newTestDB(t)

	ch := ts.Subscribe()
	defer ts.Unsubscribe(ch)

	_, _, err := ts.Enqueue(TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	select {
	case task := <-ch:
		assert.Equal(t, TaskPending, task.Status)
	case <-time.After(time.Second):
		t.Fatal("expected notification on enqueue")
	}
}
