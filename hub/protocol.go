package hub

import "encoding/json"

// MessageType enumerates the JSON frame types exchanged between a worker
// and the hub over a single WebSocket connection.
type MessageType string

const (
	// Worker -> Hub
	MsgAuth         MessageType = "auth"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgTaskComplete MessageType = "task:complete"
	MsgTaskError    MessageType = "task:error"
	MsgTaskProgress MessageType = "task:progress"
	MsgShutdown     MessageType = "shutdown"

	// Hub -> Worker
	MsgAuthResult    MessageType = "auth:result"
	MsgHeartbeatAck  MessageType = "heartbeat:ack"
	MsgTaskAssign    MessageType = "task:assign"
	MsgTaskCancel    MessageType = "task:cancel"
	MsgServerShutdown MessageType = "server:shutdown"
	MsgConfigUpdate  MessageType = "config:update"
)

// Trace threads request/trace/span identifiers from hook through backend to
// worker, per the external-interfaces trace-propagation contract.
type Trace struct {
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	SpanID    string `json:"span_id,omitempty"`
	ParentID  string `json:"parent_span_id,omitempty"`
}

// Frame is the envelope for every WebSocket message. Fields not applicable
// to a given Type are omitted.
type Frame struct {
	Type   MessageType     `json:"type"`
	TaskID string          `json:"task_id,omitempty"`
	Trace  *Trace          `json:"trace,omitempty"`

	// auth (worker->hub)
	Token        string              `json:"token,omitempty"`
	Registration *RegistrationFrame  `json:"registration,omitempty"`

	// auth:result (hub->worker)
	Success  bool   `json:"success,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
	Error    string `json:"error,omitempty"`

	// task:assign (hub->worker)
	TaskType           string          `json:"task_type,omitempty"`
	RequiredCapability string          `json:"required_capability,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`

	// task:progress (worker->hub)
	Progress *ProgressFrame `json:"progress,omitempty"`

	// task:complete (worker->hub)
	Result json.RawMessage `json:"result,omitempty"`

	// task:error (worker->hub)
	Retryable bool   `json:"retryable,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// config:update (hub->worker)
	Config json.RawMessage `json:"config,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// RegistrationFrame carries the worker's self-declared identity on auth.
type RegistrationFrame struct {
	SystemID     string                 `json:"system_id"`
	Capabilities []string               `json:"capabilities"`
	Labels       map[string]string      `json:"labels,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ProgressFrame carries a worker's self-reported progress on its current task.
type ProgressFrame struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Close codes, per the external WebSocket protocol contract.
const (
	CloseAuthFailed       = 4401
	CloseHeartbeatTimeout = 4408
	CloseInternalError    = 4500
	CloseNormal           = 1000
)
