package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomhub/loomhub/config"
	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/workerclient"
	"github.com/loomhub/loomhub/workerlock"
)

// WorkerCmd runs an in-process worker under the Worker Lifecycle Mutex.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an in-process worker against a hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a hub, register capabilities, and process assigned tasks",
	Long: `Connect to a hub as a worker.

Only one worker instance may hold the lifecycle lock at a time (see
workerlock.Acquire); a second invocation against the same lock file exits
immediately rather than double-processing. The worker exits on idle
timeout, max runtime, explicit server:shutdown, or context cancellation —
see workerlock.RunUntilDone for the exact exit conditions.

This command has no AI provider integration: the task handler it installs
simply acknowledges every assigned task with its payload echoed back as
the result, since executing a task's actual domain logic is outside this
substrate's scope. Embed workerclient.Dial with a real TaskHandler to
build a production worker binary.`,
	RunE: runWorkerRun,
}

func init() {
	workerRunCmd.Flags().String("url", "ws://localhost:8770/ws", "hub WebSocket URL")
	workerRunCmd.Flags().String("token", "", "worker auth token (required)")
	workerRunCmd.Flags().String("system-id", "", "this worker's system id (defaults to hostname)")
	workerRunCmd.Flags().StringSlice("capability", nil, "declared capability (repeatable; required)")
	workerRunCmd.Flags().String("lock-path", "", "worker lifecycle lock file path (overrides config)")
	workerRunCmd.MarkFlagRequired("token")
	workerRunCmd.MarkFlagRequired("capability")

	WorkerCmd.AddCommand(workerRunCmd)
}

func runWorkerRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	lockPath, _ := cmd.Flags().GetString("lock-path")
	if lockPath == "" {
		lockPath = cfg.WorkerLock.Path
	}
	if lockPath == "" {
		lockPath = "/tmp/loomhub-worker.lock"
	}

	lock, ok, err := workerlock.Acquire(lockPath)
	if err != nil {
		return errors.Wrap(err, "acquire worker lock")
	}
	if !ok {
		pterm.Warning.Printf("another worker already holds %s\n", lockPath)
		return nil
	}
	defer lock.Release()

	wsURL, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	systemID, _ := cmd.Flags().GetString("system-id")
	if systemID == "" {
		systemID, _ = os.Hostname()
	}
	capabilities, _ := cmd.Flags().GetStringSlice("capability")

	runCfg := workerlock.DefaultRunConfig()
	if cfg.WorkerLock.IdleTimeoutSeconds > 0 {
		runCfg.IdleTimeout = time.Duration(cfg.WorkerLock.IdleTimeoutSeconds) * time.Second
	}
	if cfg.WorkerLock.MaxRuntimeSeconds > 0 {
		runCfg.MaxRuntime = time.Duration(cfg.WorkerLock.MaxRuntimeSeconds) * time.Second
	}
	signals := workerlock.NewSignals()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(ctx context.Context, taskID, taskType, capability string, payload json.RawMessage) (*workerclient.TaskResult, bool, error) {
		select {
		case signals.TaskCompleted <- struct{}{}:
		default:
		}
		return &workerclient.TaskResult{Payload: payload}, false, nil
	}

	dialErrCh := make(chan error, 1)
	go func() {
		identity := workerclient.Identity{SystemID: systemID, Capabilities: capabilities}
		dialErrCh <- workerclient.Dial(ctx, wsURL, token, identity, handler)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	pterm.Info.Printf("worker %s connected to %s, capabilities: %s\n", systemID, wsURL, strings.Join(capabilities, ", "))

	done := make(chan workerlock.ExitReason, 1)
	go func() { done <- workerlock.RunUntilDone(ctx, runCfg, signals) }()

	select {
	case reason := <-done:
		fmt.Printf("worker exiting: %s\n", reason)
	case <-sigCh:
		fmt.Println("worker interrupted")
	case err := <-dialErrCh:
		if err != nil {
			return errors.Wrap(err, "worker connection closed")
		}
	}

	cancel()
	return nil
}
