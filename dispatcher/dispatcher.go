// Package dispatcher implements the Dispatcher Loop: the single
// responsibility of keeping workers saturated and retries honoured by
// repeatedly claiming ready tasks, routing them through the Federated
// Router, and letting the chosen hub assign them.
package dispatcher

import (
	"context"
	"time"

	"github.com/loomhub/loomhub/federation"
	"github.com/loomhub/loomhub/logger"
	"github.com/loomhub/loomhub/queue"
	"github.com/loomhub/loomhub/store"
)

// CoalesceWindow batches bursty wake events so a flurry of enqueues
// triggers one dispatch pass rather than one per event.
const CoalesceWindow = 50 * time.Millisecond

// PeekBatchSize bounds how many ready tasks are considered per pass.
const PeekBatchSize = 32

// Dispatcher wakes on task/worker events and drives the claim-route-assign
// loop until a pass makes no further progress.
type Dispatcher struct {
	queue  *queue.Queue
	router *federation.Router

	wake chan struct{}
}

// New constructs a Dispatcher over q, routing ready tasks through router.
func New(q *queue.Queue, router *federation.Router) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		router: router,
		wake:   make(chan struct{}, 1),
	}
}

// Wake schedules a dispatch pass. Safe to call from any goroutine (task
// enqueued, worker went idle, worker joined, retry timer fired); redundant
// wakes within the coalescing window collapse into one pass.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run subscribes to task state changes and drives dispatch passes until ctx
// is cancelled. It also wakes periodically as a backstop against missed
// signals (e.g. a retry_after timer elapsing with no other event).
func (d *Dispatcher) Run(ctx context.Context) {
	taskEvents := d.queue.Subscribe()
	defer d.queue.Unsubscribe(taskEvents)

	backstop := time.NewTicker(time.Second)
	defer backstop.Stop()

	coalesce := time.NewTimer(CoalesceWindow)
	if !coalesce.Stop() {
		<-coalesce.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case t := <-taskEvents:
			if t.Status == store.TaskPending && !pending {
				pending = true
				coalesce.Reset(CoalesceWindow)
			}

		case <-d.wake:
			if !pending {
				pending = true
				coalesce.Reset(CoalesceWindow)
			}

		case <-backstop.C:
			if !pending {
				pending = true
				coalesce.Reset(CoalesceWindow)
			}

		case <-coalesce.C:
			pending = false
			if err := d.runUntilNoProgress(); err != nil {
				logger.Errorw("dispatch pass failed", "error", err)
			}
		}
	}
}

// runUntilNoProgress repeats claim->route->assign until a pass routes
// nothing. Each iteration's row-level atomicity lives entirely inside the
// claim the chosen hub performs; the dispatcher itself holds no lock
// across iterations.
func (d *Dispatcher) runUntilNoProgress() error {
	for {
		progressed, err := d.pass()
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

func (d *Dispatcher) pass() (bool, error) {
	ready, err := d.queue.PeekReady(PeekBatchSize)
	if err != nil {
		return false, err
	}
	if len(ready) == 0 {
		return false, nil
	}

	progressed := false
	for _, task := range ready {
		_, assigned, err := d.router.Route(federation.RouteRequest{Task: task})
		if err != nil {
			logger.Warnw("route failed", "task_id", task.ID, "error", err)
			continue
		}
		if assigned {
			progressed = true
		}
	}
	return progressed, nil
}
