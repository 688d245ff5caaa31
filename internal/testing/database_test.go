package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTestDB_RunsMigrations(t *testing.T) {
	conn := CreateTestDB(t)

	row := conn.QueryRow("SELECT COUNT(*) FROM schema_migrations")
	var count int
	require.NoError(t, row.Scan(&count))
	assert.Greater(t, count, 0)

	_, err := conn.Exec("SELECT 1 FROM tasks WHERE 1=0")
	assert.NoError(t, err, "tasks table should exist after migrations")
}

func TestCreateTestDB_EnablesForeignKeys(t *testing.T) {
	conn := CreateTestDB(t)

	row := conn.QueryRow("PRAGMA foreign_keys")
	var enabled int
	require.NoError(t, row.Scan(&enabled))
	assert.Equal(t, 1, enabled)
}
