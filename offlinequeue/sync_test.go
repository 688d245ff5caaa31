package offlinequeue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct{ healthy bool }

func (f *fakeHealth) Healthy(ctx context.Context) bool { return f.healthy }

func TestSyncOnce_SkipsWhenUnhealthy(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.jsonl"))
	require.NoError(t, err)
	_, err = q.Enqueue("tool_use", json.RawMessage(`{}`))
	require.NoError(t, err)

	posted := false
	s := NewSyncer(q, &fakeHealth{healthy: false}, func(ctx context.Context, path string, body []byte) (bool, error) {
		posted = true
		return true, nil
	})

	s.SyncOnce(context.Background())
	assert.False(t, posted)
	assert.Equal(t, 1, q.Size())
}

func TestSyncOnce_SkipsWhenEmpty(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.jsonl"))
	require.NoError(t, err)

	posted := false
	s := NewSyncer(q, &fakeHealth{healthy: true}, func(ctx context.Context, path string, body []byte) (bool, error) {
		posted = true
		return true, nil
	})

	s.SyncOnce(context.Background())
	assert.False(t, posted)
}

func TestSyncOnce_RemovesAcceptedRetriesRefused(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.jsonl"))
	require.NoError(t, err)

	acceptedID, err := q.Enqueue("tool_use", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	refusedID, err := q.Enqueue("tool_use", json.RawMessage(`{"ok":false}`))
	require.NoError(t, err)

	s := NewSyncer(q, &fakeHealth{healthy: true}, func(ctx context.Context, path string, body []byte) (bool, error) {
		return string(body) == `{"ok":true}`, nil
	})

	s.SyncOnce(context.Background())

	remaining := q.Peek(10)
	require.Len(t, remaining, 1)
	assert.Equal(t, refusedID, remaining[0].ID)
	assert.Equal(t, 1, remaining[0].RetryCount)
	_ = acceptedID
}

func TestSyncOnce_DropsEntriesExceedingRetryCap(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.jsonl"))
	require.NoError(t, err)

	id, err := q.Enqueue("tool_use", json.RawMessage(`{}`))
	require.NoError(t, err)

	s := NewSyncer(q, &fakeHealth{healthy: true}, func(ctx context.Context, path string, body []byte) (bool, error) {
		return false, nil
	})

	for i := 0; i < MaxRetries+1; i++ {
		s.SyncOnce(context.Background())
	}

	remaining := q.Peek(10)
	for _, e := range remaining {
		assert.NotEqual(t, id, e.ID)
	}
}
