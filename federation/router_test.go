package federation

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhub/loomhub/db"
	"github.com/loomhub/loomhub/hubregistry"
	"github.com/loomhub/loomhub/store"
)

type fakeDispatcher struct {
	accept bool
	calls  int
}

func (f *fakeDispatcher) TryAssign(task *store.Task) (bool, error) {
	f.calls++
	return f.accept, nil
}

func newTestRegistry(t *testing.T) *hubregistry.Registry {
	t.Helper()
	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	reg, err := hubregistry.New(store.NewHubStore(conn))
	require.NoError(t, err)
	return reg
}

func testTask(capability string) *store.Task {
	return &store.Task{ID: "t-1", Type: store.TaskObservation, RequiredCapability: capability, Payload: json.RawMessage(`{}`)}
}

func TestRoute_FallsBackToBuiltinWhenNoExternalHubAccepts(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.RegisterHub("satellite", "http://satellite.local", 100, 10, "", nil)
	require.NoError(t, err)

	satellite := &fakeDispatcher{accept: false}
	builtin := &fakeDispatcher{accept: true}

	r := New(reg, map[string]Dispatcher{
		"builtin": builtin,
	}, time.Second)
	hubs, err := reg.List()
	require.NoError(t, err)
	for _, h := range hubs {
		if h.ID != "builtin" {
			r.RegisterDispatcher(h.ID, satellite)
		}
	}

	hubID, assigned, err := r.Route(RouteRequest{Task: testTask("observation:sdk")})
	require.NoError(t, err)
	assert.True(t, assigned)
	assert.Equal(t, "builtin", hubID)
	assert.Equal(t, 1, satellite.calls, "external hub should be tried before the builtin fallback")
}

func TestRoute_ExternalHubWinsOverBuiltinWhenItAccepts(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.RegisterHub("satellite", "http://satellite.local", 100, 10, "", nil)
	require.NoError(t, err)

	satellite := &fakeDispatcher{accept: true}
	builtin := &fakeDispatcher{accept: true}

	r := New(reg, map[string]Dispatcher{"builtin": builtin}, time.Second)
	hubs, _ := reg.List()
	for _, h := range hubs {
		if h.ID != "builtin" {
			r.RegisterDispatcher(h.ID, satellite)
		}
	}

	hubID, assigned, err := r.Route(RouteRequest{Task: testTask("observation:sdk")})
	require.NoError(t, err)
	assert.True(t, assigned)
	assert.NotEqual(t, "builtin", hubID)
	assert.Equal(t, 0, builtin.calls, "builtin should not be tried when an external hub accepts")
}

func TestRoute_NoHubAcceptsReturnsFalse(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, map[string]Dispatcher{
		"builtin": &fakeDispatcher{accept: false},
	}, time.Second)

	_, assigned, err := r.Route(RouteRequest{Task: testTask("observation:sdk")})
	require.NoError(t, err)
	assert.False(t, assigned)
}

func TestRoute_RegionFilterExcludesMismatch(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.RegisterHub("eu-sat", "http://eu.local", 100, 10, "eu", nil)
	require.NoError(t, err)

	r := New(reg, map[string]Dispatcher{
		"builtin": &fakeDispatcher{accept: true},
		"eu-sat":  &fakeDispatcher{accept: true},
	}, time.Second)

	hubID, assigned, err := r.Route(RouteRequest{Task: testTask("observation:sdk"), Region: "us"})
	require.NoError(t, err)
	assert.True(t, assigned)
	assert.Equal(t, "builtin", hubID, "region-mismatched hub must be filtered out")
}

func TestGroupByPriorityDescending(t *testing.T) {
	hubs := []*store.Hub{
		{ID: "a", Priority: 50},
		{ID: "b", Priority: 100},
		{ID: "c", Priority: 50},
	}
	groups := groupByPriorityDescending(hubs)
	require.Len(t, groups, 2)
	assert.Equal(t, 100, groups[0][0].Priority)
	assert.Len(t, groups[1], 2)
}
