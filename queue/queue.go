// Package queue implements the Task Queue: enqueue, claim, completion,
// deduplication, retry-with-backoff, and periodic reaping of stale tasks,
// layered over the Persistent Store's task table.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomhub/loomhub/logger"
	"github.com/loomhub/loomhub/store"
)

// Queue is the Task Queue component: a thin orchestration layer over
// store.TaskStore that additionally runs the periodic stale-task reaper and
// the terminal-row cleanup sweep.
type Queue struct {
	tasks *store.TaskStore

	reapInterval    time.Duration
	cleanupWindow   time.Duration
}

// New constructs a Queue. reapInterval and cleanupWindow configure the
// background sweeps started by Run.
func New(taskStore *store.TaskStore, reapInterval, cleanupWindow time.Duration) *Queue {
	return &Queue{
		tasks:         taskStore,
		reapInterval:  reapInterval,
		cleanupWindow: cleanupWindow,
	}
}

// Enqueue adds a new task, honoring deduplication by key.
func (q *Queue) Enqueue(taskType store.TaskType, capability string, fallbacks []string, priority int, payload json.RawMessage, dedupKey string) (id string, wasNew bool, err error) {
	return q.tasks.Enqueue(taskType, capability, fallbacks, priority, payload, dedupKey)
}

// ClaimNext atomically claims the next eligible task for workerID.
func (q *Queue) ClaimNext(capabilities []string, workerID string) (*store.Task, error) {
	return q.tasks.ClaimNext(capabilities, workerID, time.Now())
}

// MarkProcessing acknowledges an assignment.
func (q *Queue) MarkProcessing(id, workerID string) error {
	return q.tasks.MarkProcessing(id, workerID)
}

// Complete records a successful result.
func (q *Queue) Complete(id string, result json.RawMessage) error {
	return q.tasks.Complete(id, result)
}

// Fail records a worker-reported error and schedules a retry or terminal failure.
func (q *Queue) Fail(id, taskErr string, retryable bool) error {
	return q.tasks.Fail(id, taskErr, retryable)
}

// Get fetches a task by id.
func (q *Queue) Get(id string) (*store.Task, error) {
	return q.tasks.Get(id)
}

// PeekReady returns up to limit ready-to-route tasks without claiming them.
func (q *Queue) PeekReady(limit int) ([]*store.Task, error) {
	return q.tasks.PeekReady(limit)
}

// CountByStatus reports the queue depth broken down by status.
func (q *Queue) CountByStatus() (map[store.TaskStatus]int, error) {
	return q.tasks.CountByStatus()
}

// Subscribe returns a channel of task state changes, used by the Dispatcher
// Loop to wake on enqueue/claim/completion without polling.
func (q *Queue) Subscribe() chan *store.Task {
	return q.tasks.Subscribe()
}

// Unsubscribe releases a previously-subscribed channel.
func (q *Queue) Unsubscribe(ch chan *store.Task) {
	q.tasks.Unsubscribe(ch)
}

// FastReap immediately returns an in-flight task to pending on worker
// disconnect, incrementing retry_count, rather than waiting for the next
// periodic reap tick.
func (q *Queue) FastReap(taskID string) error {
	return q.tasks.Fail(taskID, "worker disconnected", true)
}

// Run starts the periodic reaper and cleanup sweeps. It blocks until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	reapTicker := time.NewTicker(q.reapInterval)
	defer reapTicker.Stop()

	cleanupTicker := time.NewTicker(q.cleanupWindow / 4)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reapTicker.C:
			count, err := q.tasks.Reap(time.Now())
			if err != nil {
				logger.Errorw("reap stale tasks failed", "error", err)
				continue
			}
			if count > 0 {
				logger.Infow("reaped stale tasks", "count", count)
			}
		case <-cleanupTicker.C:
			count, err := q.tasks.Cleanup(q.cleanupWindow)
			if err != nil {
				logger.Errorw("cleanup terminal tasks failed", "error", err)
				continue
			}
			if count > 0 {
				logger.Infow("cleaned up terminal tasks", "count", count)
			}
		}
	}
}
