// Package hub implements the Worker Hub: a WebSocket control plane handling
// worker authentication, capability registration, heartbeat liveness, task
// assignment, progress/completion routing, and cancellation.
package hub

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/logger"
	"github.com/loomhub/loomhub/store"
	"github.com/loomhub/loomhub/tokens"
)

// Config parameterizes hub timing behaviour.
type Config struct {
	AuthTimeout            time.Duration
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int
	CancelGrace            time.Duration
}

// DefaultConfig returns the documented defaults: 10s auth timeout, 30s
// heartbeat interval, 3 missed heartbeats before eviction, 2s cancel grace.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:            10 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatMissThreshold: 3,
		CancelGrace:            2 * time.Second,
	}
}

// Hub is the WebSocket server managing all connected workers for this
// process (the local/builtin hub in federation terms).
type Hub struct {
	cfg    Config
	tasks  *store.TaskStore
	tokens *tokens.Service
	regs   *store.RegistrationStore

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	workers map[string]*ConnectedWorker

	pendingCancel sync.Map // taskID -> chan struct{}, closed when resolved
}

// New constructs a Hub.
func New(cfg Config, taskStore *store.TaskStore, tokenService *tokens.Service, regStore *store.RegistrationStore, allowedOrigins []string) *Hub {
	return &Hub{
		cfg:     cfg,
		tasks:   taskStore,
		tokens:  tokenService,
		regs:    regStore,
		workers: make(map[string]*ConnectedWorker),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades the connection and runs its lifecycle until close.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	h.handleConnection(conn)
}

func (h *Hub) handleConnection(conn *websocket.Conn) {
	frame, err := h.readAuthFrame(conn)
	if err != nil {
		logger.Debugw("auth handshake failed", "error", err)
		closeWithCode(conn, CloseAuthFailed, "auth timeout or malformed frame")
		return
	}

	worker, tok, err := h.authenticate(frame)
	if err != nil {
		_ = conn.WriteJSON(Frame{Type: MsgAuthResult, Success: false, Error: err.Error()})
		closeWithCode(conn, CloseAuthFailed, err.Error())
		return
	}

	if err := conn.WriteJSON(Frame{Type: MsgAuthResult, Success: true, WorkerID: worker.ID}); err != nil {
		return
	}

	h.register(worker)
	defer h.unregister(worker)

	if spawnedID, ok := spawnedWorkerID(worker.Metadata); ok {
		worker.markPendingTermination()
		logger.Infow("worker flagged to drain after one task (backend-spawned)", "worker_id", worker.ID, "spawned_id", spawnedID)
	}

	logger.Infow("worker registered", "worker_id", worker.ID, "capabilities", worker.Capabilities, "token_scope", tok.Scope)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.writeLoop(ctx, conn, worker)
	h.readLoop(ctx, cancel, conn, worker)
}

// readAuthFrame waits up to AuthTimeout for the first frame, which must be an auth frame.
func (h *Hub) readAuthFrame(conn *websocket.Conn) (*Frame, error) {
	conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, errors.Wrap(err, "read auth frame")
	}
	if frame.Type != MsgAuth {
		return nil, errors.Newf("expected auth frame, got %s", frame.Type)
	}
	conn.SetReadDeadline(time.Time{})
	return &frame, nil
}

func (h *Hub) authenticate(frame *Frame) (*ConnectedWorker, *store.WorkerToken, error) {
	tok, err := h.tokens.Validate(frame.Token)
	if err != nil {
		return nil, nil, err
	}
	if frame.Registration == nil {
		return nil, nil, errors.New("auth frame missing registration")
	}

	reg, effective, err := h.tokens.RegisterWorker(tok, frame.Registration.SystemID, frame.Registration.Capabilities, frame.Registration.Labels, frame.Registration.Metadata)
	if err != nil {
		return nil, nil, err
	}

	workerID := uuid.NewString()
	if err := h.regs.SetWorkerID(reg.ID, workerID); err != nil {
		return nil, nil, err
	}

	worker := newConnectedWorker(workerID, reg.ID, effective, frame.Registration.Metadata, tok)
	return worker, tok, nil
}

// spawnedWorkerID reports the spawned_id a backend-spawned worker declares
// in its registration metadata, per the external-interfaces metadata
// contract. Such workers are drained after a single task rather than left
// idle-polling indefinitely.
func spawnedWorkerID(metadata map[string]interface{}) (string, bool) {
	raw, ok := metadata["spawned_id"]
	if !ok {
		return "", false
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (h *Hub) register(w *ConnectedWorker) {
	h.mu.Lock()
	h.workers[w.ID] = w
	h.mu.Unlock()
}

func (h *Hub) unregister(w *ConnectedWorker) {
	h.mu.Lock()
	delete(h.workers, w.ID)
	h.mu.Unlock()

	close(w.done)

	if err := h.tokens.MarkOffline(w.RegistrationID); err != nil {
		logger.Warnw("mark worker offline failed", "worker_id", w.ID, "error", err)
	}

	// Fast reap: an in-flight task immediately returns to pending rather than
	// waiting for the periodic reaper.
	if taskID, _ := w.currentTask(); taskID != "" {
		if err := h.tasks.Fail(taskID, "worker disconnected", true); err != nil {
			logger.Warnw("fast reap on disconnect failed", "task_id", taskID, "error", err)
		}
	}

	logger.Infow("worker unregistered", "worker_id", w.ID)
}

// writeLoop is the sole writer for a connection's websocket.Conn, serializing
// sends from the worker's channel (gorilla/websocket requires exactly one
// writer goroutine per connection) and driving the heartbeat-miss reaper.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, w *ConnectedWorker) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-w.send:
			if !ok {
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				logger.Warnw("write to worker failed", "worker_id", w.ID, "error", err)
				return
			}
		case <-ticker.C:
			if h.missedTooManyHeartbeats(w) {
				logger.Warnw("worker missed heartbeats, reaping", "worker_id", w.ID)
				closeWithCode(conn, CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
		}
	}
}

func (h *Hub) missedTooManyHeartbeats(w *ConnectedWorker) bool {
	threshold := time.Duration(h.cfg.HeartbeatMissThreshold) * h.cfg.HeartbeatInterval
	w.mu.Lock()
	last := w.LastHeartbeat
	w.mu.Unlock()
	return time.Since(last) > threshold
}

func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, w *ConnectedWorker) {
	defer cancel()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case MsgHeartbeat:
			w.touchHeartbeat()
			if err := h.regs.Heartbeat(w.RegistrationID); err != nil {
				logger.Warnw("persist heartbeat failed", "worker_id", w.ID, "error", err)
			}
			select {
			case w.send <- Frame{Type: MsgHeartbeatAck, Timestamp: time.Now().UnixNano()}:
			default:
			}
			if frame.Timestamp > 0 {
				w.recordLatency(time.Since(time.Unix(0, frame.Timestamp)))
			}

		case MsgTaskProgress:
			// Observed as evidence of liveness; no persisted state change beyond
			// what the reaper already tracks via assigned_at.

		case MsgTaskComplete:
			h.handleTaskComplete(w, &frame)

		case MsgTaskError:
			h.handleTaskError(w, &frame)

		case MsgShutdown:
			return

		default:
			logger.Debugw("unrecognized frame type from worker", "worker_id", w.ID, "type", frame.Type)
		}
	}
}

func (h *Hub) handleTaskComplete(w *ConnectedWorker, frame *Frame) {
	if err := h.tasks.Complete(frame.TaskID, frame.Result); err != nil {
		logger.Warnw("complete task failed", "task_id", frame.TaskID, "error", err)
	}
	h.resolveCancelWait(frame.TaskID)
	w.clearTask()

	w.mu.Lock()
	pending := w.PendingTermination
	w.mu.Unlock()
	if pending {
		select {
		case w.send <- Frame{Type: MsgServerShutdown}:
		default:
		}
	}
}

func (h *Hub) handleTaskError(w *ConnectedWorker, frame *Frame) {
	if err := h.tasks.Fail(frame.TaskID, frame.Reason, frame.Retryable); err != nil {
		logger.Warnw("fail task failed", "task_id", frame.TaskID, "error", err)
	}
	h.resolveCancelWait(frame.TaskID)
	w.clearTask()
}

// MarkPendingTermination flags a worker to be skipped for new assignments
// and shut down on its next completion, used to drain spawned workers.
func (h *Hub) MarkPendingTermination(workerID string) {
	h.mu.RLock()
	w, ok := h.workers[workerID]
	h.mu.RUnlock()
	if ok {
		w.markPendingTermination()
	}
}

// IdleCapableWorkers returns connected, idle workers able to serve capability
// directly (primary) or any of fallbacks (in declared order).
func (h *Hub) IdleCapableWorkers(capability string, fallbacks []string) []*ConnectedWorker {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var primary []*ConnectedWorker
	for _, w := range h.workers {
		if w.IsIdle() && w.HasCapability(capability) {
			primary = append(primary, w)
		}
	}
	if len(primary) > 0 {
		return primary
	}

	for _, fb := range fallbacks {
		var candidates []*ConnectedWorker
		for _, w := range h.workers {
			if w.IsIdle() && w.HasCapability(fb) {
				candidates = append(candidates, w)
			}
		}
		if len(candidates) > 0 {
			return candidates
		}
	}
	return nil
}

// Assign runs the assignment algorithm for a single ready task: pick the
// best idle, capable, scope-authorized candidate (lowest mean latency over
// its recent samples, a plain average rather than an exponentially weighted
// one, then random for fairness), atomically claim the task, and push
// task:assign. On
// a lost claim race it retries against the next candidate.
func (h *Hub) Assign(task *store.Task) (bool, error) {
	candidates := authorizedForTask(h.IdleCapableWorkers(task.RequiredCapability, task.FallbackCapabilities), task)
	if len(candidates) == 0 {
		return false, nil
	}

	sortByLatencyThenRandom(candidates)

	for _, w := range candidates {
		claimed, err := h.tasks.ClaimNext([]string{task.RequiredCapability}, w.ID, time.Now())
		if err != nil {
			return false, err
		}
		if claimed == nil || claimed.ID != task.ID {
			// Someone else claimed it, or it matched a different row; try next.
			continue
		}

		w.assignTask(claimed.ID, string(claimed.Type))
		frame := Frame{
			Type:               MsgTaskAssign,
			TaskID:             claimed.ID,
			TaskType:           string(claimed.Type),
			RequiredCapability: claimed.RequiredCapability,
			Payload:            claimed.Payload,
		}
		select {
		case w.send <- frame:
		default:
			logger.Warnw("worker send buffer full, dropping assignment push", "worker_id", w.ID, "task_id", claimed.ID)
		}

		if err := h.tasks.MarkProcessing(claimed.ID, w.ID); err != nil {
			logger.Warnw("mark processing failed", "task_id", claimed.ID, "error", err)
		}
		return true, nil
	}

	return false, nil
}

// authorizedForTask narrows candidates to those whose token scope permits
// this task, per tokens.AuthorizeAssignment: group-scoped workers only for
// tasks belonging to this hub, project-scoped workers only for tasks whose
// payload project matches their filter.
func authorizedForTask(candidates []*ConnectedWorker, task *store.Task) []*ConnectedWorker {
	project := taskProject(task.Payload)

	out := candidates[:0:0]
	for _, w := range candidates {
		tok := &store.WorkerToken{Scope: w.Scope, HubID: w.HubID, ProjectFilter: w.ProjectFilter}
		if tokens.AuthorizeAssignment(tok, store.BuiltinHubID, project) {
			out = append(out, w)
		}
	}
	return out
}

// taskProject extracts the payload's "project" key, the field project-scope
// tokens are authorized against. A payload without one (or not a JSON
// object) yields "", which only an unfiltered or instance-scope token
// matches.
func taskProject(payload json.RawMessage) string {
	var fields struct {
		Project string `json:"project"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	return fields.Project
}

func sortByLatencyThenRandom(workers []*ConnectedWorker) {
	rand.Shuffle(len(workers), func(i, j int) { workers[i], workers[j] = workers[j], workers[i] })
	for i := 1; i < len(workers); i++ {
		j := i
		for j > 0 && workers[j-1].AvgLatency() > workers[j].AvgLatency() {
			workers[j-1], workers[j] = workers[j], workers[j-1]
			j--
		}
	}
}

// Cancel sends task:cancel to the assigned worker and waits up to the
// configured grace period for a terminal response; on expiry it marks the
// task failed locally and the worker is treated as stuck.
func (h *Hub) Cancel(taskID, reason string) error {
	h.mu.RLock()
	var target *ConnectedWorker
	for _, w := range h.workers {
		if id, _ := w.currentTask(); id == taskID {
			target = w
			break
		}
	}
	h.mu.RUnlock()

	if target == nil {
		return errors.Classify(errors.KindNotFound, errors.Newf("no worker currently holds task %s", taskID))
	}

	waitCh := make(chan struct{})
	h.pendingCancel.Store(taskID, waitCh)
	defer h.pendingCancel.Delete(taskID)

	select {
	case target.send <- Frame{Type: MsgTaskCancel, TaskID: taskID, Reason: reason}:
	default:
		return errors.New("worker send buffer full, cannot deliver cancel")
	}

	select {
	case <-waitCh:
		return nil
	case <-time.After(h.cfg.CancelGrace):
		if err := h.tasks.Fail(taskID, "cancellation grace period expired", false); err != nil {
			return err
		}
		target.markPendingTermination()
		return nil
	}
}

func (h *Hub) resolveCancelWait(taskID string) {
	if ch, ok := h.pendingCancel.Load(taskID); ok {
		if c, ok := ch.(chan struct{}); ok {
			select {
			case <-c:
			default:
				close(c)
			}
		}
	}
}

// Snapshot reports aggregate connected/active-worker counts and the mean
// latency across connections, for the local hub's health telemetry.
func (h *Hub) Snapshot() (connected, active int, avgLatencyMS float64, capabilities []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	capSet := make(map[string]struct{})
	var totalLatency time.Duration
	var latencySamples int

	for _, w := range h.workers {
		connected++
		if !w.IsIdle() {
			active++
		}
		for _, c := range w.Capabilities {
			capSet[c] = struct{}{}
		}
		if l := w.AvgLatency(); l > 0 {
			totalLatency += l
			latencySamples++
		}
	}

	for c := range capSet {
		capabilities = append(capabilities, c)
	}
	if latencySamples > 0 {
		avgLatencyMS = float64(totalLatency.Milliseconds()) / float64(latencySamples)
	}
	return connected, active, avgLatencyMS, capabilities
}

// HasCapableIdleWorker reports whether any connected idle worker declares capability.
func (h *Hub) HasCapableIdleWorker(capability string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.workers {
		if w.IsIdle() && w.HasCapability(capability) {
			return true
		}
	}
	return false
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
