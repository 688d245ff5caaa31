package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhub/loomhub/db"
)

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSessionStore(conn)
}

func TestSessionStore_CreateAndGetByContentSessionID(t *testing.T) {
	ss := newTestSessionStore(t)

	sess, err := ss.Create("content-1", "loomhub")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, SessionActive, sess.Status)

	got, err := ss.GetByContentSessionID("content-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "loomhub", got.Project)
}

func TestSessionStore_GetByContentSessionID_NotFoundReturnsNil(t *testing.T) {
	ss := newTestSessionStore(t)

	got, err := ss.GetByContentSessionID("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionStore_Current_ReturnsMostRecentActive(t *testing.T) {
	ss := newTestSessionStore(t)

	first, err := ss.Create("content-1", "loomhub")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := ss.Create("content-2", "loomhub")
	require.NoError(t, err)

	current, err := ss.Current("loomhub")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second.ID, current.ID)
	assert.NotEqual(t, first.ID, current.ID)
}

func TestSessionStore_IncrementPromptCounter(t *testing.T) {
	ss := newTestSessionStore(t)

	sess, err := ss.Create("content-1", "loomhub")
	require.NoError(t, err)

	require.NoError(t, ss.IncrementPromptCounter(sess.ID))
	require.NoError(t, ss.IncrementPromptCounter(sess.ID))

	got, err := ss.GetByContentSessionID("content-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.PromptCounter)
}

func TestSessionStore_Complete_OnlyAffectsActiveSessions(t *testing.T) {
	ss := newTestSessionStore(t)

	sess, err := ss.Create("content-1", "loomhub")
	require.NoError(t, err)

	require.NoError(t, ss.Complete(sess.ID))

	got, err := ss.GetByContentSessionID("content-1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, ss.Complete(sess.ID))
	got2, err := ss.GetByContentSessionID("content-1")
	require.NoError(t, err)
	assert.Equal(t, got.CompletedAt.Unix(), got2.CompletedAt.Unix())
}

func TestSessionStore_ReapStale_CompletesSessionsOlderThanWindow(t *testing.T) {
	ss := newTestSessionStore(t)

	stale, err := ss.Create("content-stale", "loomhub")
	require.NoError(t, err)
	_, err = ss.db.Exec(`UPDATE sessions SET started_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), stale.ID)
	require.NoError(t, err)

	fresh, err := ss.Create("content-fresh", "loomhub")
	require.NoError(t, err)

	n, err := ss.ReapStale(10 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := ss.GetByContentSessionID("content-stale")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)

	gotFresh, err := ss.GetByContentSessionID("content-fresh")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, gotFresh.Status)
}
