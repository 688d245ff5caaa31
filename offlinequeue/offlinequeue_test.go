package offlinequeue

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueuePeekFIFOOrder(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.jsonl"))
	require.NoError(t, err)

	id1, err := q.Enqueue("tool_use", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	id2, err := q.Enqueue("tool_use", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	entries := q.Peek(10)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, id2, entries[1].ID)
}

func TestQueue_RemoveDropsAcknowledged(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.jsonl"))
	require.NoError(t, err)

	id, err := q.Enqueue("tool_use", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, q.Remove([]string{id}))
	assert.True(t, q.IsEmpty())
}

func TestQueue_MarkRetriedReportsExceeded(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.jsonl"))
	require.NoError(t, err)

	id, err := q.Enqueue("tool_use", json.RawMessage(`{}`))
	require.NoError(t, err)

	var exceeded []string
	for i := 0; i < MaxRetries+1; i++ {
		exceeded, err = q.MarkRetried([]string{id})
		require.NoError(t, err)
	}
	assert.Contains(t, exceeded, id)
}

func TestQueue_OverflowDropsOldest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q, err := Open(path)
	require.NoError(t, err)

	var firstID string
	for i := 0; i < MaxEntries+1; i++ {
		id, err := q.Enqueue("tool_use", json.RawMessage(`{}`))
		require.NoError(t, err)
		if i == 0 {
			firstID = id
		}
	}

	assert.Equal(t, MaxEntries, q.Size())
	entries := q.Peek(MaxEntries)
	for _, e := range entries {
		assert.NotEqual(t, firstID, e.ID, "oldest entry should have been dropped")
	}
}

func TestQueue_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q, err := Open(path)
	require.NoError(t, err)

	id, err := q.Enqueue("tool_use", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	entries := reopened.Peek(10)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
}
