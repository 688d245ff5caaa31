// Package federation implements the Federated Router: selecting a target
// hub for a task by capability, health, region, labels, priority, and
// weight, then delegating the actual assignment to whichever hub (local or
// external) claims it.
package federation

import (
	"math/rand"
	"time"

	"github.com/loomhub/loomhub/errors"
	"github.com/loomhub/loomhub/hubregistry"
	"github.com/loomhub/loomhub/store"
)

// Dispatcher is satisfied by both the local (builtin) hub and a RemoteHub
// client, so the router never distinguishes "local" from "external" beyond
// which Dispatcher a store.Hub row resolves to.
type Dispatcher interface {
	// TryAssign attempts to hand task to this hub. false, nil means the hub
	// declined (no capable idle worker); the router falls through to the
	// next candidate.
	TryAssign(task *store.Task) (bool, error)
}

// RouteRequest carries a task plus the routing hints a caller (the
// Dispatcher Loop) may supply beyond what's stored on the task itself.
type RouteRequest struct {
	Task   *store.Task
	Region string
	Labels map[string]string
}

// Router selects and invokes a target hub for a task.
type Router struct {
	registry      *hubregistry.Registry
	dispatchers   map[string]Dispatcher
	remoteTimeout time.Duration
}

// New constructs a Router. dispatchers maps hub id to a Dispatcher that
// cannot be derived from a store.Hub row alone — in practice just the
// builtin hub's LocalDispatcher. Any registry-listed external hub not
// present in dispatchers gets a RemoteHub built on the fly from its stored
// endpoint, so a hub registered via `hubs register` (or loaded from
// [federation.external_hubs] at startup) is routable immediately, without
// restarting the process or updating this map out of band.
func New(registry *hubregistry.Registry, dispatchers map[string]Dispatcher, remoteTimeout time.Duration) *Router {
	return &Router{registry: registry, dispatchers: dispatchers, remoteTimeout: remoteTimeout}
}

// RegisterDispatcher associates a hub id with the Dispatcher that serves it.
func (r *Router) RegisterDispatcher(hubID string, d Dispatcher) {
	r.dispatchers[hubID] = d
}

// Route filters eligible hubs, groups the external ones by descending
// priority, picks weighted-randomly within the top non-empty group, and
// falls through to the next group on refusal. The builtin hub (fixed
// priority 100) is tried last, as the final backstop.
func (r *Router) Route(req RouteRequest) (hubID string, assigned bool, err error) {
	candidates, err := r.eligibleHubs(req)
	if err != nil {
		return "", false, err
	}
	if len(candidates) == 0 {
		return "", false, nil
	}

	var builtin *store.Hub
	external := candidates[:0:0]
	for _, h := range candidates {
		if h.Type == store.HubBuiltin {
			builtin = h
			continue
		}
		external = append(external, h)
	}

	groups := groupByPriorityDescending(external)
	if builtin != nil {
		groups = append(groups, []*store.Hub{builtin})
	}

	for _, group := range groups {
		ordered := weightedShuffle(group)
		for _, h := range ordered {
			d := r.dispatcherFor(h)
			if d == nil {
				continue
			}
			ok, err := d.TryAssign(req.Task)
			if err != nil {
				return "", false, errors.Wrapf(err, "dispatch to hub %s", h.ID)
			}
			if ok {
				return h.ID, true, nil
			}
		}
	}

	return "", false, nil
}

// dispatcherFor resolves the Dispatcher to invoke for h: a statically-wired
// entry (the builtin hub) if present, otherwise a RemoteHub built from the
// registry row's endpoint, for any external hub with one.
func (r *Router) dispatcherFor(h *store.Hub) Dispatcher {
	if d, ok := r.dispatchers[h.ID]; ok {
		return d
	}
	if h.Type == store.HubExternal && h.Endpoint != "" {
		return NewRemoteHub(h.Endpoint, r.remoteTimeout)
	}
	return nil
}

func (r *Router) eligibleHubs(req RouteRequest) ([]*store.Hub, error) {
	hubs, err := r.registry.HealthyHubs(req.Task.RequiredCapability)
	if err != nil {
		return nil, err
	}

	out := hubs[:0:0]
	for _, h := range hubs {
		if req.Region != "" && h.Region != "" && h.Region != req.Region {
			continue
		}
		if len(req.Labels) > 0 && !labelsSubsetMatch(req.Labels, h.Labels) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func labelsSubsetMatch(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// groupByPriorityDescending buckets hubs by priority, ordering the buckets
// highest-priority first.
func groupByPriorityDescending(hubs []*store.Hub) [][]*store.Hub {
	byPriority := make(map[int][]*store.Hub)
	var priorities []int
	for _, h := range hubs {
		if _, seen := byPriority[h.Priority]; !seen {
			priorities = append(priorities, h.Priority)
		}
		byPriority[h.Priority] = append(byPriority[h.Priority], h)
	}

	for i := 1; i < len(priorities); i++ {
		j := i
		for j > 0 && priorities[j-1] < priorities[j] {
			priorities[j-1], priorities[j] = priorities[j], priorities[j-1]
			j--
		}
	}

	groups := make([][]*store.Hub, len(priorities))
	for i, p := range priorities {
		groups[i] = byPriority[p]
	}
	return groups
}

// weightedShuffle returns hubs ordered by repeated weighted-random draw
// without replacement, so a caller trying candidates in order approximates
// "choose one by weighted random; on refusal, try the next most-likely pick"
// rather than a fixed or uniform order.
func weightedShuffle(hubs []*store.Hub) []*store.Hub {
	pool := append([]*store.Hub(nil), hubs...)
	var ordered []*store.Hub

	for len(pool) > 0 {
		total := 0
		for _, h := range pool {
			w := h.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		pick := rand.Intn(total)
		running := 0
		idx := 0
		for i, h := range pool {
			w := h.Weight
			if w <= 0 {
				w = 1
			}
			running += w
			if pick < running {
				idx = i
				break
			}
		}
		ordered = append(ordered, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return ordered
}
