// Package offlinequeue implements the Offline Hook Queue: a process-local
// durable FIFO that captures hook events when the backend is unreachable,
// and replays them once connectivity returns.
package offlinequeue

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/logger"
)

// MaxRetries bounds how many sync attempts an entry gets before mark_retried
// reports it exceeded.
const MaxRetries = 5

// MaxEntries is the absolute cap on queue depth; beyond it, enqueue drops the
// oldest entry and records an audit log line via the ambient logger rather
// than growing the backing file unboundedly (Design Note resolution for the
// overflow Open Question).
const MaxEntries = 1000

// Entry is one captured hook event awaiting delivery to the backend.
type Entry struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

// Queue is a file-backed FIFO plus an in-memory index rebuilt on load. The
// backing file is rewritten in full on every mutation, not appended to.
// Not safe across processes sharing the same file — only within a
// single process's goroutines, guarded by mu.
type Queue struct {
	path string
	mu   sync.Mutex

	entries []Entry
	dropped int
}

// Open loads path's existing entries (if any) and returns a ready Queue.
// The backing file is created on first Enqueue if it does not yet exist.
func Open(path string) (*Queue, error) {
	q := &Queue{path: path}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open offline queue file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			logger.Warnw("skipping corrupt offline queue line", "error", err)
			continue
		}
		q.entries = append(q.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read offline queue file %s", path)
	}

	return q, nil
}

// Enqueue appends a new entry, dropping the oldest if the queue is at
// MaxEntries.
func (q *Queue) Enqueue(eventType string, payload json.RawMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= MaxEntries {
		oldest := q.entries[0]
		q.entries = q.entries[1:]
		q.dropped++
		logger.Warnw("offline queue overflow, dropping oldest entry",
			"dropped_id", oldest.ID, "dropped_event_type", oldest.EventType, "total_dropped", q.dropped)
	}

	entry := Entry{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	q.entries = append(q.entries, entry)

	if err := q.persist(); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Peek returns up to n oldest entries, non-destructively.
func (q *Queue) Peek(n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]Entry, n)
	copy(out, q.entries[:n])
	return out
}

// Remove drops acknowledged entries by id.
func (q *Queue) Remove(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	q.entries = kept

	return q.persist()
}

// MarkRetried increments retry_count for the given ids and returns the ids
// whose count now exceeds MaxRetries.
func (q *Queue) MarkRetried(ids []string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	var exceeded []string
	for i := range q.entries {
		if _, ok := want[q.entries[i].ID]; !ok {
			continue
		}
		q.entries[i].RetryCount++
		if q.entries[i].RetryCount > MaxRetries {
			exceeded = append(exceeded, q.entries[i].ID)
		}
	}

	if err := q.persist(); err != nil {
		return nil, err
	}
	return exceeded, nil
}

// Size reports the current entry count.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsEmpty reports whether the queue has no entries.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// persist rewrites the backing file in full; simple and correct for the
// small, bounded (MaxEntries) queue this component holds, at the cost of
// O(n) work per mutation rather than true append-only O(1).
func (q *Queue) persist() error {
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open offline queue temp file %s", tmp)
	}

	w := bufio.NewWriter(f)
	for _, e := range q.entries {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return errors.Wrap(err, "marshal offline queue entry")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return errors.Wrapf(err, "write offline queue entry")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush offline queue")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close offline queue temp file")
	}

	if err := os.Rename(tmp, q.path); err != nil {
		return errors.Wrapf(err, "replace offline queue file %s", q.path)
	}
	return nil
}
