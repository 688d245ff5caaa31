package workerlock

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_SucceedsOnFreshPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	lock, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, lock)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestAcquire_FailsWhenHeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	_, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := Acquire(path)
	require.NoError(t, err)
	assert.False(t, ok2, "a second acquire against a lock held by this (live) process must fail")
}

func TestAcquire_ReclaimsLockFromDeadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	// A pid vanishingly unlikely to be alive.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	lock, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok, "lock held by a dead pid should be reclaimed")
	require.NotNil(t, lock)
}

func TestRelease_RemovesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.lock")

	lock, ok, err := Acquire(path)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRunUntilDone_IdleTimeout(t *testing.T) {
	cfg := RunConfig{IdleTimeout: 10 * time.Millisecond, MaxRuntime: time.Hour}
	reason := RunUntilDone(context.Background(), cfg, NewSignals())
	assert.Equal(t, ExitIdleTimeout, reason)
}

func TestRunUntilDone_TaskCompletedResetsIdleTimer(t *testing.T) {
	cfg := RunConfig{IdleTimeout: 30 * time.Millisecond, MaxRuntime: time.Hour}
	signals := NewSignals()

	go func() {
		time.Sleep(15 * time.Millisecond)
		signals.TaskCompleted <- struct{}{}
	}()

	start := time.Now()
	reason := RunUntilDone(context.Background(), cfg, signals)
	elapsed := time.Since(start)

	assert.Equal(t, ExitIdleTimeout, reason)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "idle timer should have restarted after the task-completed signal")
}

func TestRunUntilDone_ServerShutdown(t *testing.T) {
	cfg := RunConfig{IdleTimeout: time.Hour, MaxRuntime: time.Hour}
	signals := NewSignals()
	signals.ServerShutdown <- struct{}{}

	reason := RunUntilDone(context.Background(), cfg, signals)
	assert.Equal(t, ExitServerShutdown, reason)
}

func TestRunUntilDone_ContextCancelled(t *testing.T) {
	cfg := RunConfig{IdleTimeout: time.Hour, MaxRuntime: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reason := RunUntilDone(ctx, cfg, NewSignals())
	assert.Equal(t, ExitContextCancelled, reason)
}
