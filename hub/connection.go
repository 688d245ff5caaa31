package hub

import (
	"sync"
	"time"

	"github.com/loomhub/loomhub/store"
)

// connState is the per-connection lifecycle state described in the Worker
// Hub's state machine: Opened -> Registered -> Busy, with Reaped/Draining
// as terminal transitions out of Registered.
type connState int

const (
	stateOpened connState = iota
	stateRegistered
	stateBusy
	stateClosed
)

// ConnectedWorker is the in-memory, authenticated live session of a
// WorkerRegistration. It is owned exclusively by the Hub: the Hub is the
// sole mutator of CurrentTaskID.
type ConnectedWorker struct {
	ID             string
	RegistrationID string
	Capabilities   []string
	Metadata       map[string]interface{}

	// Scope, HubID, and ProjectFilter mirror the auth token's scope
	// restrictions (see tokens.AuthorizeAssignment), captured at
	// authentication time so Assign can enforce them without a store
	// round-trip per candidate.
	Scope         store.TokenScope
	HubID         string
	ProjectFilter string

	ConnectedAt   time.Time
	LastHeartbeat time.Time

	mu                 sync.Mutex
	state              connState
	CurrentTaskID      string
	CurrentTaskType    string
	PendingTermination bool

	latencies    []time.Duration
	maxLatencies int

	send chan Frame
	done chan struct{}
}

// newConnectedWorker builds a ConnectedWorker for a just-authenticated
// session. tok is nil in tests that bypass the auth handshake entirely; a
// nil token carries no scope restriction (instance scope).
func newConnectedWorker(id, registrationID string, capabilities []string, metadata map[string]interface{}, tok *store.WorkerToken) *ConnectedWorker {
	now := time.Now()
	w := &ConnectedWorker{
		ID:             id,
		RegistrationID: registrationID,
		Capabilities:   capabilities,
		Metadata:       metadata,
		Scope:          store.ScopeInstance,
		ConnectedAt:    now,
		LastHeartbeat:  now,
		state:          stateRegistered,
		maxLatencies:   50,
		send:           make(chan Frame, 16),
		done:           make(chan struct{}),
	}
	if tok != nil {
		w.Scope = tok.Scope
		w.HubID = tok.HubID
		w.ProjectFilter = tok.ProjectFilter
	}
	return w
}

// IsIdle reports whether the worker has no in-flight task and is not marked
// for pending termination.
func (w *ConnectedWorker) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.CurrentTaskID == "" && !w.PendingTermination && w.state == stateRegistered
}

// HasCapability reports whether capability is among the worker's declared set.
func (w *ConnectedWorker) HasCapability(capability string) bool {
	for _, c := range w.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// assignTask marks the worker busy with a task, transitioning Registered -> Busy.
func (w *ConnectedWorker) assignTask(taskID, taskType string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.CurrentTaskID = taskID
	w.CurrentTaskType = taskType
	w.state = stateBusy
}

// clearTask releases the worker back to idle, transitioning Busy -> Registered.
func (w *ConnectedWorker) clearTask() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.CurrentTaskID = ""
	w.CurrentTaskType = ""
	w.state = stateRegistered
}

func (w *ConnectedWorker) markPendingTermination() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.PendingTermination = true
}

func (w *ConnectedWorker) touchHeartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastHeartbeat = time.Now()
}

func (w *ConnectedWorker) recordLatency(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latencies = append(w.latencies, d)
	if len(w.latencies) > w.maxLatencies {
		w.latencies = w.latencies[1:]
	}
}

// AvgLatency returns the average of recent ping/pong round-trip samples.
func (w *ConnectedWorker) AvgLatency() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range w.latencies {
		total += l
	}
	return total / time.Duration(len(w.latencies))
}

func (w *ConnectedWorker) currentTask() (id, taskType string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.CurrentTaskID, w.CurrentTaskType
}
