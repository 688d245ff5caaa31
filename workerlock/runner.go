package workerlock

import (
	"context"
	"time"

	"github.com/loomhub/loomhub/logger"
)

// DefaultIdleTimeout and DefaultMaxRuntime are the default exit-condition
// thresholds for RunUntilDone.
const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxRuntime  = 2 * time.Hour
)

// ExitReason identifies why RunUntilDone returned.
type ExitReason string

const (
	ExitIdleTimeout       ExitReason = "idle_timeout"
	ExitMaxRuntime        ExitReason = "max_runtime"
	ExitBackendDisconnect ExitReason = "backend_disconnect"
	ExitServerShutdown    ExitReason = "server_shutdown"
	ExitContextCancelled  ExitReason = "context_cancelled"
)

// RunConfig parameterizes RunUntilDone's exit conditions.
type RunConfig struct {
	IdleTimeout time.Duration
	MaxRuntime  time.Duration
}

// DefaultRunConfig returns the documented defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{IdleTimeout: DefaultIdleTimeout, MaxRuntime: DefaultMaxRuntime}
}

// Signals lets the caller notify RunUntilDone of events it can't poll for
// directly: a task completing (resets the idle timer), a backend
// disconnect with no auto-reconnect, or an explicit server:shutdown frame.
type Signals struct {
	TaskCompleted     chan struct{}
	BackendDisconnect chan struct{}
	ServerShutdown    chan struct{}
}

// NewSignals constructs a Signals whose channels each buffer one pending signal.
func NewSignals() *Signals {
	return &Signals{
		TaskCompleted:     make(chan struct{}, 1),
		BackendDisconnect: make(chan struct{}, 1),
		ServerShutdown:    make(chan struct{}, 1),
	}
}

// RunUntilDone blocks until one of four exit conditions fires: idle
// timeout (no tasks for IdleTimeout), max runtime (MaxRuntime), backend
// disconnect with no auto-reconnect, or explicit server:shutdown.
func RunUntilDone(ctx context.Context, cfg RunConfig, signals *Signals) ExitReason {
	deadline := time.NewTimer(cfg.MaxRuntime)
	defer deadline.Stop()

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ExitContextCancelled

		case <-deadline.C:
			logger.Infow("worker exiting: max runtime reached", "max_runtime", cfg.MaxRuntime)
			return ExitMaxRuntime

		case <-idle.C:
			logger.Infow("worker exiting: idle timeout", "idle_timeout", cfg.IdleTimeout)
			return ExitIdleTimeout

		case <-signals.BackendDisconnect:
			logger.Infow("worker exiting: backend disconnected")
			return ExitBackendDisconnect

		case <-signals.ServerShutdown:
			logger.Infow("worker exiting: server shutdown requested")
			return ExitServerShutdown

		case <-signals.TaskCompleted:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.IdleTimeout)
		}
	}
}
