package offlinequeue

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loomhub/loomhub/logger"
)

// SyncBatchSize caps how many entries a single sync pass attempts.
const SyncBatchSize = 50

// HealthChecker reports whether the backend is currently reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// HTTPHealthChecker probes a health endpoint with a short timeout.
type HTTPHealthChecker struct {
	URL    string
	Client *http.Client
}

// Healthy does a best-effort GET against URL, treating any non-2xx or
// network error as unhealthy.
func (h *HTTPHealthChecker) Healthy(ctx context.Context) bool {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Syncer drains a Queue against a backend endpoint: skip if already
// syncing, skip if empty or unhealthy, batch-POST, partition into
// remove/retry in one pass.
type Syncer struct {
	queue   *Queue
	health  HealthChecker
	post    func(ctx context.Context, path string, body []byte) (ok bool, err error)
	inFlight atomic.Bool
}

// NewSyncer constructs a Syncer. post performs the actual delivery of one
// entry's (path, body) and reports whether it was accepted (2xx).
func NewSyncer(q *Queue, health HealthChecker, post func(ctx context.Context, path string, body []byte) (bool, error)) *Syncer {
	return &Syncer{queue: q, health: health, post: post}
}

// SyncOnce performs a single sync pass. It returns immediately (doing
// nothing) if a sync is already in flight, the queue is empty, or the
// backend health check fails.
func (s *Syncer) SyncOnce(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	if s.queue.IsEmpty() {
		return
	}
	if !s.health.Healthy(ctx) {
		return
	}

	batch := s.queue.Peek(SyncBatchSize)
	if len(batch) == 0 {
		return
	}

	var toRemove, toRetry []string
	for _, entry := range batch {
		path := "/hooks/" + entry.EventType
		ok, err := s.post(ctx, path, entry.Payload)
		if err != nil {
			logger.Warnw("offline queue entry post failed", "entry_id", entry.ID, "error", err)
		}
		if ok {
			toRemove = append(toRemove, entry.ID)
		} else {
			toRetry = append(toRetry, entry.ID)
		}
	}

	if len(toRemove) > 0 {
		if err := s.queue.Remove(toRemove); err != nil {
			logger.Errorw("offline queue remove failed", "error", err)
		}
	}
	if len(toRetry) > 0 {
		exceeded, err := s.queue.MarkRetried(toRetry)
		if err != nil {
			logger.Errorw("offline queue mark_retried failed", "error", err)
			return
		}
		if len(exceeded) > 0 {
			logger.Warnw("offline queue entries exceeded retry cap", "ids", exceeded)
			if err := s.queue.Remove(exceeded); err != nil {
				logger.Errorw("offline queue drop exceeded entries failed", "error", err)
			}
		}
	}
}

// Run periodically calls SyncOnce until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}
