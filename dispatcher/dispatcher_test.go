package dispatcher

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhub/loomhub/db"
	"github.com/loomhub/loomhub/federation"
	"github.com/loomhub/loomhub/hubregistry"
	"github.com/loomhub/loomhub/queue"
	"github.com/loomhub/loomhub/store"
)

type acceptingDispatcher struct {
	assigned []string
}

func (a *acceptingDispatcher) TryAssign(task *store.Task) (bool, error) {
	a.assigned = append(a.assigned, task.ID)
	return true, nil
}

type refusingDispatcher struct{ calls int }

func (r *refusingDispatcher) TryAssign(task *store.Task) (bool, error) {
	r.calls++
	return false, nil
}

func newTestDispatcher(t *testing.T, d federation.Dispatcher) (*Dispatcher, *queue.Queue) {
	t.Helper()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	taskStore := store.NewTaskStore(conn)
	q := queue.New(taskStore, time.Minute, time.Hour)

	reg, err := hubregistry.New(store.NewHubStore(conn))
	require.NoError(t, err)

	router := federation.New(reg, map[string]federation.Dispatcher{"builtin": d}, time.Second)
	return New(q, router), q
}

func TestDispatcher_PassAssignsReadyTasks(t *testing.T) {
	accepting := &acceptingDispatcher{}
	d, q := newTestDispatcher(t, accepting)

	id, _, err := q.Enqueue(store.TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	progressed, err := d.pass()
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Contains(t, accepting.assigned, id)
}

func TestDispatcher_PassReturnsFalseWhenNothingReady(t *testing.T) {
	d, _ := newTestDispatcher(t, &acceptingDispatcher{})

	progressed, err := d.pass()
	require.NoError(t, err)
	assert.False(t, progressed)
}

func TestDispatcher_RunUntilNoProgressStopsWhenHubRefuses(t *testing.T) {
	refusing := &refusingDispatcher{}
	d, q := newTestDispatcher(t, refusing)

	_, _, err := q.Enqueue(store.TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	require.NoError(t, d.runUntilNoProgress())
	assert.Equal(t, 1, refusing.calls, "a single refused attempt should not loop forever")
}

func TestDispatcher_RunWakesAndDispatchesOnEnqueue(t *testing.T) {
	accepting := &acceptingDispatcher{}
	d, q := newTestDispatcher(t, accepting)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	id, _, err := q.Enqueue(store.TaskObservation, "observation:sdk", nil, 0, json.RawMessage(`{}`), "")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("task was never dispatched")
		default:
		}
		accepting2 := accepting
		found := false
		for _, a := range accepting2.assigned {
			if a == id {
				found = true
			}
		}
		if found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
