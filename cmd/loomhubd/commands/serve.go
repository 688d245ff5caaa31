package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/loomhub/loomhub/config"
	"github.com/loomhub/loomhub/dispatcher"
	"github.com/loomhub/loomhub/hub"
	"github.com/loomhub/loomhub/hubregistry"
	"github.com/loomhub/loomhub/logger"
)

// healthTelemetryInterval bounds how stale the builtin hub's reported
// connected_workers/status/avg_latency_ms can get, and sets how often
// MarkOfflineIfStale sweeps external hubs (how long their last reported
// health is trusted is the separate heartbeat-miss window). Set well under
// the heartbeat-miss window so the registry reflects a worker/hub drop
// roughly as fast as the hub itself notices one.
const healthTelemetryInterval = 10 * time.Second

// ServeCmd starts the full loomhub substrate: the Worker Hub's WebSocket
// listener, the Dispatcher Loop, the stale-task reaper, and the federation
// dispatch/cancel surface, and runs until interrupted. It does not mount a
// Hook ingress surface (POST /api/hooks/*, /api/health) for editor/IDE
// clients; an embedding backend that wants the Persistent Store and Offline
// Hook Queue exposed over plain HTTP fronts this process with its own
// ingress and talks to the same database.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the loomhub server (hub, dispatcher, reaper, federation)",
	Long: `Start the loomhub server.

This brings up:
  - the Worker Hub, a WebSocket control plane workers connect to
  - the Dispatcher Loop, which routes ready tasks to a capable hub
  - the stale-task reaper and completed-task cleanup ticker
  - /dispatch, which external hubs post to when they've routed a task here
  - /cancel, which cancels a task this hub currently holds
  - a periodic health telemetry pass feeding the Hub Registry
  - /healthz, a liveness probe

Runs in the foreground until interrupted (Ctrl+C / SIGTERM).`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "listener port (overrides config, default 8770)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	port := a.cfg.Server.Port
	if port == 0 {
		port = config.DefaultPort
	}
	if override, _ := cmd.Flags().GetInt("port"); override != 0 {
		port = override
	}

	hubCfg := hubConfigFrom(a.cfg.Hub)
	h := hub.New(hubCfg, a.tasks, a.tokens, a.regs, a.cfg.Server.AllowedOrigins)
	router, err := buildRouter(a, h)
	if err != nil {
		return err
	}
	dl := dispatcher.New(a.queue, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.queue.Run(ctx)
	go dl.Run(ctx)
	go runHealthTelemetry(ctx, h, a.registry, hubCfg, a.cfg.Hub.DegradedLatencyMillis)

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/dispatch", newDispatchHandler(a, h))
	mux.HandleFunc("/cancel", newCancelHandler(h))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		pterm.Info.Printf("loomhub listening on :%d\n", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("hub listener stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	pterm.Warning.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("server shutdown did not complete cleanly", "error", err)
	}
	cancel()

	pterm.Success.Println("loomhub stopped")
	return nil
}

// runHealthTelemetry periodically snapshots the builtin hub's connected
// workers and latency into the registry, and sweeps external hubs whose
// last reported heartbeat has gone stale to offline. Both the local
// snapshot and the external staleness cutoff reuse the hub's own
// heartbeat-miss window, so "how long before we give up on a hub" means the
// same thing whether that hub is this process's own or a federated peer.
func runHealthTelemetry(ctx context.Context, h *hub.Hub, registry *hubregistry.Registry, hubCfg hub.Config, degradedLatencyMillis float64) {
	staleAfter := time.Duration(hubCfg.HeartbeatMissThreshold) * hubCfg.HeartbeatInterval

	ticker := time.NewTicker(healthTelemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected, active, avgLatency, capabilities := h.Snapshot()
			hasIdleCapacity := connected-active > 0
			if err := registry.UpdateLocalHealth(connected, active, hasIdleCapacity, avgLatency, capabilities, degradedLatencyMillis); err != nil {
				logger.Warnw("update local hub health failed", "error", err)
			}
			if err := registry.MarkOfflineIfStale(staleAfter); err != nil {
				logger.Warnw("mark stale hubs offline failed", "error", err)
			}
		}
	}
}

// hubConfigFrom maps the TOML-loaded HubConfig onto hub.Config, falling
// back to hub.DefaultConfig's values for any zero field so an empty or
// partial [hub] section still produces sane durations.
func hubConfigFrom(c config.HubConfig) hub.Config {
	d := hub.DefaultConfig()
	if c.AuthTimeoutSeconds > 0 {
		d.AuthTimeout = time.Duration(c.AuthTimeoutSeconds) * time.Second
	}
	if c.HeartbeatIntervalSecs > 0 {
		d.HeartbeatInterval = time.Duration(c.HeartbeatIntervalSecs) * time.Second
	}
	if c.HeartbeatMissThreshold > 0 {
		d.HeartbeatMissThreshold = c.HeartbeatMissThreshold
	}
	if c.CancelGraceSeconds > 0 {
		d.CancelGrace = time.Duration(c.CancelGraceSeconds) * time.Second
	}
	return d
}
