// Package workerclient implements the worker side of the Worker Hub's
// WebSocket protocol: authenticate, register declared capabilities,
// heartbeat, accept task assignments, and report progress/completion/error.
// It deliberately has no knowledge of what a task actually does — executing
// a task's payload (calling an AI provider, running an observation pass) is
// supplied by the caller as a TaskHandler, since provider adapters are
// outside this substrate's scope.
package workerclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/hub"
	"github.com/loomhub/loomhub/logger"
)

// HeartbeatInterval mirrors the hub's default H; a worker that does not
// send heartbeats at roughly this cadence will be reaped as unresponsive.
const HeartbeatInterval = 30 * time.Second

// TaskResult is returned by a TaskHandler on success.
type TaskResult struct {
	Payload json.RawMessage
}

// TaskHandler executes one assigned task. ctx is cancelled if the hub sends
// task:cancel for this task id. A non-nil error is reported as task:error;
// retryable controls whether the hub will re-enqueue it.
type TaskHandler func(ctx context.Context, taskID, taskType, capability string, payload json.RawMessage) (result *TaskResult, retryable bool, err error)

// Identity is the worker's self-declared registration, sent on auth.
type Identity struct {
	SystemID     string
	Capabilities []string
	Labels       map[string]string
	Metadata     map[string]interface{}
}

// Client is a single worker's connection to one hub.
type Client struct {
	conn    *websocket.Conn
	handler TaskHandler

	send chan hub.Frame
	done chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	// ShutdownRequested is closed when the hub sends server:shutdown, so
	// callers (e.g. workerlock.Signals.ServerShutdown) can react.
	ShutdownRequested chan struct{}
}

// Dial connects to the hub at wsURL, authenticates with token, and blocks
// in the read/write loop until the connection closes or ctx is cancelled.
// handler is invoked (in its own goroutine, so a slow task does not stall
// heartbeats) for every task:assign frame received.
func Dial(ctx context.Context, wsURL, token string, identity Identity, handler TaskHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial hub %s", wsURL)
	}

	c := &Client{
		conn:              conn,
		handler:           handler,
		send:              make(chan hub.Frame, 16),
		done:              make(chan struct{}),
		cancels:           make(map[string]context.CancelFunc),
		ShutdownRequested: make(chan struct{}),
	}

	authFrame := hub.Frame{
		Type:  hub.MsgAuth,
		Token: token,
		Registration: &hub.RegistrationFrame{
			SystemID:     identity.SystemID,
			Capabilities: identity.Capabilities,
			Labels:       identity.Labels,
			Metadata:     identity.Metadata,
		},
	}
	if err := conn.WriteJSON(authFrame); err != nil {
		conn.Close()
		return errors.Wrap(err, "send auth frame")
	}

	var result hub.Frame
	if err := conn.ReadJSON(&result); err != nil {
		conn.Close()
		return errors.Wrap(err, "read auth result")
	}
	if result.Type != hub.MsgAuthResult || !result.Success {
		conn.Close()
		return errors.Newf("auth rejected: %s", result.Error)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(runCtx)
	return c.readLoop(runCtx)
}

func (c *Client) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.WriteJSON(hub.Frame{Type: hub.MsgHeartbeat, Timestamp: time.Now().UnixMilli()})
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				logger.Warnw("worker write failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	defer close(c.done)
	defer c.conn.Close()

	for {
		var frame hub.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "read frame")
			}
		}

		switch frame.Type {
		case hub.MsgHeartbeatAck:
			// no-op: liveness confirmed.
		case hub.MsgTaskAssign:
			go c.runTask(ctx, frame)
		case hub.MsgTaskCancel:
			c.cancelTask(frame.TaskID)
		case hub.MsgServerShutdown:
			close(c.ShutdownRequested)
			return nil
		case hub.MsgConfigUpdate:
			// Config hot-reload is out of this client's scope; the hub's own
			// config watcher governs dispatcher/hub tunables.
		}
	}
}

func (c *Client) runTask(ctx context.Context, frame hub.Frame) {
	taskCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[frame.TaskID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, frame.TaskID)
		c.mu.Unlock()
		cancel()
	}()

	result, retryable, err := c.handler(taskCtx, frame.TaskID, frame.TaskType, frame.RequiredCapability, frame.Payload)
	if err != nil {
		c.trySend(hub.Frame{
			Type:      hub.MsgTaskError,
			TaskID:    frame.TaskID,
			Reason:    err.Error(),
			Retryable: retryable,
		})
		return
	}

	var payload json.RawMessage
	if result != nil {
		payload = result.Payload
	}
	c.trySend(hub.Frame{Type: hub.MsgTaskComplete, TaskID: frame.TaskID, Result: payload})
}

func (c *Client) cancelTask(taskID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[taskID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) trySend(frame hub.Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}
