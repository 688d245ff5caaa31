package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhub/loomhub/db"
)

func newTestRegistrationStore(t *testing.T) (*RegistrationStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	tokenStore := NewTokenStore(conn)
	tok, err := tokenStore.Create("w1", "hash", "prefix", ScopeInstance, "", "", []string{"observation:test"}, nil, nil)
	require.NoError(t, err)

	return NewRegistrationStore(conn), tok.ID
}

func TestRegistrationStore_Upsert_CreatesThenUpdates(t *testing.T) {
	rs, tokenID := newTestRegistrationStore(t)

	reg, err := rs.Upsert(tokenID, "system-1", []string{"observation:test"}, map[string]string{"region": "us-east"}, map[string]interface{}{"pid": float64(123)})
	require.NoError(t, err)
	assert.Equal(t, RegistrationOnline, reg.Status)
	assert.Equal(t, []string{"observation:test"}, reg.Capabilities)
	require.NotNil(t, reg.ConnectedAt)

	updated, err := rs.Upsert(tokenID, "system-1", []string{"observation:test", "observation:extra"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, updated.ID)
	assert.ElementsMatch(t, []string{"observation:test", "observation:extra"}, updated.Capabilities)
}

func TestRegistrationStore_SetWorkerIDAndHeartbeat(t *testing.T) {
	rs, tokenID := newTestRegistrationStore(t)

	reg, err := rs.Upsert(tokenID, "system-1", []string{"observation:test"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, rs.SetWorkerID(reg.ID, "worker-abc"))
	require.NoError(t, rs.Heartbeat(reg.ID))

	got, err := rs.Get(reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-abc", got.WorkerID)
	require.NotNil(t, got.LastHeartbeat)
}

func TestRegistrationStore_MarkOffline(t *testing.T) {
	rs, tokenID := newTestRegistrationStore(t)

	reg, err := rs.Upsert(tokenID, "system-1", []string{"observation:test"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, rs.MarkOffline(reg.ID))

	got, err := rs.Get(reg.ID)
	require.NoError(t, err)
	assert.Equal(t, RegistrationOffline, got.Status)
	require.NotNil(t, got.DisconnectedAt)
}

func TestRegistrationStore_Get_NotFoundReturnsNil(t *testing.T) {
	rs, _ := newTestRegistrationStore(t)

	got, err := rs.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
