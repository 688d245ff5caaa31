package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTOML_RoundTripsThroughLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loomhub.toml")

	want := DefaultConfig()
	want.Server.Port = 9100
	want.Federation.ExternalHubs = []ExternalHubConfig{
		{ID: "eu-1", Name: "eu-west", Endpoint: "wss://eu.example/ws", Priority: 80, Weight: 50, Region: "eu-west"},
	}

	require.NoError(t, WriteTOML(path, want))

	got, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, want.Server.Port, got.Server.Port)
	assert.Equal(t, want.Database.Path, got.Database.Path)
	assert.Equal(t, want.Hub.HeartbeatIntervalSecs, got.Hub.HeartbeatIntervalSecs)
	require.Len(t, got.Federation.ExternalHubs, 1)
	assert.Equal(t, "eu-west", got.Federation.ExternalHubs[0].Region)
}

func TestWriteTOML_DefaultConfigMatchesSetDefaults(t *testing.T) {
	d := DefaultConfig()
	assert.Equal(t, DefaultPort, d.Server.Port)
	assert.Equal(t, "loomhub.db", d.Database.Path)
	assert.Equal(t, "instance", d.Tokens.DefaultScope)
}
