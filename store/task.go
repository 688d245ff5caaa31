package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhub/loomhub/errors"
)

// TaskType identifies the kind of work a task performs.
type TaskType string

const (
	TaskObservation      TaskType = "observation"
	TaskSummarize        TaskType = "summarize"
	TaskEmbedding        TaskType = "embedding"
	TaskContextGenerate  TaskType = "context-generate"
	TaskClaudeMD         TaskType = "claude-md"
	TaskQdrantSync       TaskType = "qdrant-sync"
	TaskSemanticSearch   TaskType = "semantic-search"
	TaskCompression      TaskType = "compression"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTimeout    TaskStatus = "timeout"
)

// IsTerminal reports whether status is one from which no further
// transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout:
		return true
	default:
		return false
	}
}

// DefaultMaxRetries is applied to tasks enqueued without an explicit override.
const DefaultMaxRetries = 3

// RetryBaseDelay and RetryCapDelay parameterize the exponential backoff
// formula used by ComputeRetryAfter: min(cap, base*2^n) + jitter.
const (
	RetryBaseDelay = time.Second
	RetryCapDelay  = 5 * time.Minute
)

// StaleTimeout returns the per-type deadline used by the reaper for tasks
// stuck in assigned/processing.
func StaleTimeout(t TaskType) time.Duration {
	switch t {
	case TaskObservation:
		return 2 * time.Minute
	case TaskSummarize, TaskCompression:
		return 5 * time.Minute
	case TaskContextGenerate, TaskClaudeMD:
		return 10 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Task is a unit of work dispatched to a worker.
type Task struct {
	ID                   string
	Type                 TaskType
	Status               TaskStatus
	RequiredCapability   string
	FallbackCapabilities []string
	Priority             int
	Payload              json.RawMessage
	Result               json.RawMessage
	Error                string
	RetryCount           int
	MaxRetries           int
	AssignedWorkerID     string
	CreatedAt            time.Time
	AssignedAt           *time.Time
	CompletedAt          *time.Time
	RetryAfter           *time.Time
	DeduplicationKey     string
}

// ComputeRetryAfter applies the configured exponential-backoff formula at
// retry attempt n, returning an absolute time relative to now.
func ComputeRetryAfter(now time.Time, retryCount int) time.Time {
	backoff := RetryBaseDelay * time.Duration(1<<uint(retryCount))
	if backoff > RetryCapDelay || backoff <= 0 {
		backoff = RetryCapDelay
	}
	jitter := time.Duration(rand.Int63n(int64(RetryBaseDelay) + 1))
	return now.Add(backoff + jitter)
}

// TaskStore persists tasks and fans out change notifications to subscribers
// (the Worker Hub watches this stream so newly-ready tasks can be dispatched
// without waiting on a poll tick).
type TaskStore struct {
	db *sql.DB

	mu          sync.RWMutex
	subscribers []chan *Task
}

// SubscriberBufferSize bounds the per-subscriber channel; notifications are
// dropped non-blockingly if a subscriber falls behind rather than stalling
// the writer that produced the event.
const SubscriberBufferSize = 128

// NewTaskStore constructs a TaskStore over an already-migrated database.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Subscribe returns a channel that receives every task whose state changes
// via this store (enqueue, claim, completion, failure, reap).
func (s *TaskStore) Subscribe() chan *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Task, SubscriberBufferSize)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed; the
// caller owns its lifecycle.
func (s *TaskStore) Unsubscribe(ch chan *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

func (s *TaskStore) notify(t *Task) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := *t
	for _, ch := range s.subscribers {
		select {
		case ch <- &cp:
		default:
		}
	}
}

// Enqueue inserts a new task, or, on dedup_key collision with a non-terminal
// task, returns the existing task's id with wasNew=false.
func (s *TaskStore) Enqueue(taskType TaskType, capability string, fallbacks []string, priority int, payload json.RawMessage, dedupKey string) (id string, wasNew bool, err error) {
	if dedupKey != "" {
		existing, ferr := s.findNonTerminalByDedupKey(dedupKey)
		if ferr != nil {
			return "", false, ferr
		}
		if existing != "" {
			return existing, false, nil
		}
	}

	task := &Task{
		ID:                   uuid.NewString(),
		Type:                 taskType,
		Status:               TaskPending,
		RequiredCapability:   capability,
		FallbackCapabilities: fallbacks,
		Priority:             priority,
		Payload:              payload,
		MaxRetries:           DefaultMaxRetries,
		CreatedAt:            time.Now(),
		DeduplicationKey:     dedupKey,
	}

	fallbacksJSON, err := json.Marshal(task.FallbackCapabilities)
	if err != nil {
		return "", false, errors.Wrap(err, "marshal fallback capabilities")
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (
			id, type, status, required_capability, fallback_capabilities,
			priority, payload, retry_count, max_retries, created_at, deduplication_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`,
		task.ID, task.Type, task.Status, task.RequiredCapability, string(fallbacksJSON),
		task.Priority, string(task.Payload), task.MaxRetries, task.CreatedAt, nullableString(task.DeduplicationKey),
	)
	if err != nil {
		// A concurrent enqueue may have won the unique dedup index race; treat
		// that as the same idempotent collision case rather than an error.
		if dedupKey != "" {
			if existing, ferr := s.findNonTerminalByDedupKey(dedupKey); ferr == nil && existing != "" {
				return existing, false, nil
			}
		}
		return "", false, errors.Wrap(err, "enqueue task")
	}

	s.notify(task)
	return task.ID, true, nil
}

func (s *TaskStore) findNonTerminalByDedupKey(dedupKey string) (string, error) {
	var id string
	err := s.db.QueryRow(`
		SELECT id FROM tasks
		WHERE deduplication_key = ?
		  AND status NOT IN ('completed', 'failed', 'timeout')
		LIMIT 1
	`, dedupKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "lookup dedup key")
	}
	return id, nil
}

// ClaimNext selects the highest-priority, oldest eligible pending task whose
// required_capability is in capabilities, and atomically flips it to
// assigned for workerID. It retries the conditional update on a lost race
// against another claimer, and returns (nil, nil) if nothing is eligible.
func (s *TaskStore) ClaimNext(capabilities []string, workerID string, now time.Time) (*Task, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(capabilities))
	for i := range capabilities {
		placeholders[i] = "?"
	}
	args := append([]interface{}{now}, toArgs(capabilities)...)

	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE status = 'pending'
		  AND (retry_after IS NULL OR retry_after <= ?)
		  AND required_capability IN (%s)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 5
	`, taskColumns, joinPlaceholders(placeholders))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query claimable tasks")
	}

	var candidates []*Task
	for rows.Next() {
		t, serr := scanTask(rows)
		if serr != nil {
			rows.Close()
			return nil, serr
		}
		candidates = append(candidates, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate claimable tasks")
	}

	for _, candidate := range candidates {
		result, err := s.db.Exec(`
			UPDATE tasks
			SET status = 'assigned', assigned_worker_id = ?, assigned_at = ?
			WHERE id = ? AND status = 'pending' AND assigned_worker_id IS NULL
		`, workerID, now, candidate.ID)
		if err != nil {
			return nil, errors.Wrap(err, "claim task")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "claim task rows affected")
		}
		if affected == 1 {
			candidate.Status = TaskAssigned
			candidate.AssignedWorkerID = workerID
			candidate.AssignedAt = &now
			s.notify(candidate)
			return candidate, nil
		}
		// Lost the race to another claimer; try the next candidate.
	}

	return nil, nil
}

// PeekReady returns up to limit pending, retry-eligible tasks ordered by
// priority then age, without claiming them. Used by the Dispatcher Loop to
// decide what to route before a hub commits an atomic claim via ClaimNext.
func (s *TaskStore) PeekReady(limit int) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, time.Now(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query ready tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, serr := scanTask(rows)
		if serr != nil {
			return nil, serr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkProcessing transitions an assigned task to processing once the worker
// acknowledges the assignment.
func (s *TaskStore) MarkProcessing(id string, workerID string) error {
	result, err := s.db.Exec(`
		UPDATE tasks SET status = 'processing', assigned_worker_id = ?
		WHERE id = ? AND status = 'assigned'
	`, workerID, id)
	if err != nil {
		return errors.Wrapf(err, "mark task %s processing", id)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.Newf("task %s not in assigned state", id)
	}

	t, err := s.Get(id)
	if err == nil {
		s.notify(t)
	}
	return nil
}

// Complete records a successful result and moves the task to completed. A
// task already in a terminal status is left untouched: a late duplicate
// completion frame (retried by a worker that never saw the ack) must not
// regress a terminal row back through completed/failed/timeout.
func (s *TaskStore) Complete(id string, result json.RawMessage) error {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'completed', result = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'timeout')
	`, string(result), now, id)
	if err != nil {
		return errors.Wrapf(err, "complete task %s", id)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil
	}

	t, err := s.Get(id)
	if err == nil {
		s.notify(t)
	}
	return nil
}

// Fail records a worker-reported error. If retryable and retries remain, the
// task returns to pending with an exponential-backoff retry_after;
// otherwise it becomes terminally failed. A task already in a terminal
// status is left untouched, guarding against a late duplicate failure frame
// regressing a completed task back to failed.
func (s *TaskStore) Fail(id string, taskErr string, retryable bool) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	var res sql.Result
	if retryable && t.RetryCount < t.MaxRetries {
		retryAfter := ComputeRetryAfter(now, t.RetryCount)
		res, err = s.db.Exec(`
			UPDATE tasks
			SET status = 'pending', error = ?, retry_count = retry_count + 1,
			    retry_after = ?, assigned_worker_id = NULL
			WHERE id = ? AND status NOT IN ('completed', 'failed', 'timeout')
		`, taskErr, retryAfter, id)
		if err != nil {
			return errors.Wrapf(err, "retry task %s", id)
		}
	} else {
		res, err = s.db.Exec(`
			UPDATE tasks SET status = 'failed', error = ?, completed_at = ?
			WHERE id = ? AND status NOT IN ('completed', 'failed', 'timeout')
		`, taskErr, now, id)
		if err != nil {
			return errors.Wrapf(err, "fail task %s", id)
		}
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil
	}

	if updated, err := s.Get(id); err == nil {
		s.notify(updated)
	}
	return nil
}

// Reap returns assigned/processing tasks older than their per-type stale
// threshold to pending (incrementing retry_count), or to terminal timeout if
// retries are exhausted. Returns the number of tasks affected.
func (s *TaskStore) Reap(now time.Time) (int, error) {
	rows, err := s.db.Query(`
		SELECT ` + taskColumns + ` FROM tasks WHERE status IN ('assigned', 'processing')
	`)
	if err != nil {
		return 0, errors.Wrap(err, "query reapable tasks")
	}

	var stale []*Task
	for rows.Next() {
		t, serr := scanTask(rows)
		if serr != nil {
			rows.Close()
			return 0, serr
		}
		if t.AssignedAt != nil && now.Sub(*t.AssignedAt) > StaleTimeout(t.Type) {
			stale = append(stale, t)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate reapable tasks")
	}

	count := 0
	for _, t := range stale {
		if t.RetryCount+1 >= t.MaxRetries {
			_, err := s.db.Exec(`
				UPDATE tasks SET status = 'timeout', retry_count = retry_count + 1,
				    completed_at = ?, assigned_worker_id = NULL
				WHERE id = ?
			`, now, t.ID)
			if err != nil {
				return count, errors.Wrapf(err, "timeout task %s", t.ID)
			}
		} else {
			_, err := s.db.Exec(`
				UPDATE tasks SET status = 'pending', retry_count = retry_count + 1,
				    retry_after = NULL, assigned_worker_id = NULL, assigned_at = NULL
				WHERE id = ?
			`, t.ID)
			if err != nil {
				return count, errors.Wrapf(err, "reap task %s", t.ID)
			}
		}
		count++
		if updated, gerr := s.Get(t.ID); gerr == nil {
			s.notify(updated)
		}
	}

	return count, nil
}

// Get fetches a task by id.
func (s *TaskStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTaskRow(row)
}

// CountByStatus returns the number of tasks in each status.
func (s *TaskStore) CountByStatus() (map[TaskStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count tasks by status")
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "scan task status count")
		}
		counts[TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

// Cleanup deletes terminal tasks older than olderThan.
func (s *TaskStore) Cleanup(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.Exec(`
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'timeout')
		  AND COALESCE(completed_at, created_at) < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup tasks")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cleanup rows affected")
	}
	return int(affected), nil
}

const taskColumns = `
	id, type, status, required_capability, fallback_capabilities,
	priority, payload, result, error, retry_count, max_retries,
	assigned_worker_id, created_at, assigned_at, completed_at,
	retry_after, deduplication_key
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(r rowScanner) (*Task, error) {
	return scanTaskRow(r)
}

func scanTaskRow(r rowScanner) (*Task, error) {
	var t Task
	var fallbacksJSON string
	var payload, result sql.NullString
	var taskErr sql.NullString
	var assignedWorkerID sql.NullString
	var dedupKey sql.NullString
	var assignedAt, completedAt, retryAfter sql.NullTime

	err := r.Scan(
		&t.ID, &t.Type, &t.Status, &t.RequiredCapability, &fallbacksJSON,
		&t.Priority, &payload, &result, &taskErr, &t.RetryCount, &t.MaxRetries,
		&assignedWorkerID, &t.CreatedAt, &assignedAt, &completedAt,
		&retryAfter, &dedupKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("task not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan task")
	}

	if fallbacksJSON != "" {
		if err := json.Unmarshal([]byte(fallbacksJSON), &t.FallbackCapabilities); err != nil {
			return nil, errors.Wrap(err, "unmarshal fallback capabilities")
		}
	}
	if payload.Valid {
		t.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = taskErr.String
	t.AssignedWorkerID = assignedWorkerID.String
	t.DeduplicationKey = dedupKey.String
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if retryAfter.Valid {
		t.RetryAfter = &retryAfter.Time
	}

	return &t, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func joinPlaceholders(ps []string) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

func toArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
