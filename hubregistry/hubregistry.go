// Package hubregistry tracks local and external hubs, their priority,
// weight, region, labels, health, and aggregated capabilities (the Hub
// Registry).
package hubregistry

import (
	"time"

	"github.com/loomhub/loomhub/store"
)

// DegradedLatencyThreshold is the avg_latency_ms above which the local hub
// is considered degraded even with capable idle workers connected.
const DegradedLatencyThreshold = 2000.0

// Registry wraps the Hub persistent store with health-derivation logic for
// the local hub and query helpers used by the Federated Router.
type Registry struct {
	hubs *store.HubStore
}

// New constructs a Registry and ensures the builtin hub row exists.
func New(hubStore *store.HubStore) (*Registry, error) {
	r := &Registry{hubs: hubStore}
	if err := r.hubs.Initialize(); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterHub adds an external hub.
func (r *Registry) RegisterHub(name, endpoint string, priority, weight int, region string, labels map[string]string) (*store.Hub, error) {
	return r.hubs.RegisterHub(name, endpoint, priority, weight, region, labels)
}

// EnsureExternalHub upserts a statically-configured external hub by its
// stable config id, so hubs declared in [federation.external_hubs] are
// present in the registry (and therefore HealthyHubs-eligible) on every
// startup without accumulating duplicate rows across restarts.
func (r *Registry) EnsureExternalHub(id, name, endpoint string, priority, weight int, region string, labels map[string]string) (*store.Hub, error) {
	return r.hubs.EnsureExternalHub(id, name, endpoint, priority, weight, region, labels)
}

// UpdateHub updates an external hub's routing attributes.
func (r *Registry) UpdateHub(id, name, endpoint string, priority, weight int, region string, labels map[string]string) error {
	return r.hubs.UpdateHub(id, name, endpoint, priority, weight, region, labels)
}

// RemoveHub removes an external hub. A no-op-with-error for the builtin hub.
func (r *Registry) RemoveHub(id string) error {
	return r.hubs.RemoveHub(id)
}

// Get fetches a hub by id.
func (r *Registry) Get(id string) (*store.Hub, error) {
	return r.hubs.Get(id)
}

// List returns all hubs.
func (r *Registry) List() ([]*store.Hub, error) {
	return r.hubs.List()
}

// HealthyHubs returns hubs eligible for routing a task requiring capability.
func (r *Registry) HealthyHubs(capability string) ([]*store.Hub, error) {
	return r.hubs.HealthyHubs(capability)
}

// ByRegion filters hubs to a region.
func (r *Registry) ByRegion(region string) ([]*store.Hub, error) {
	return r.hubs.ByRegion(region)
}

// ByLabels filters hubs whose labels are a superset of the given map.
func (r *Registry) ByLabels(labels map[string]string) ([]*store.Hub, error) {
	return r.hubs.ByLabels(labels)
}

// DeriveLocalHealth computes the local (builtin) hub's status from its
// currently connected and capable-idle worker counts and mean latency:
// unhealthy with no reachable workers of any capability; degraded with at
// least one worker but latency over threshold or no idle capacity left;
// healthy otherwise. offline is reserved for explicit shutdown and is never
// derived here. degradedLatencyThreshold <= 0 falls back to
// DegradedLatencyThreshold.
func DeriveLocalHealth(connectedWorkers int, hasCapableIdleWorker bool, avgLatencyMS, degradedLatencyThreshold float64) store.HubStatus {
	if degradedLatencyThreshold <= 0 {
		degradedLatencyThreshold = DegradedLatencyThreshold
	}
	if connectedWorkers == 0 {
		return store.HubUnhealthy
	}
	if avgLatencyMS > degradedLatencyThreshold || !hasCapableIdleWorker {
		return store.HubDegraded
	}
	return store.HubHealthy
}

// UpdateLocalHealth recomputes and persists the builtin hub's health
// snapshot. degradedLatencyThreshold is the configured
// hub.degraded_latency_millis (0 uses the package default).
func (r *Registry) UpdateLocalHealth(connectedWorkers, activeWorkers int, hasCapableIdleWorker bool, avgLatencyMS float64, capabilities []string, degradedLatencyThreshold float64) error {
	status := DeriveLocalHealth(connectedWorkers, hasCapableIdleWorker, avgLatencyMS, degradedLatencyThreshold)
	latency := avgLatencyMS
	return r.hubs.UpdateHealth(store.BuiltinHubID, status, connectedWorkers, activeWorkers, &latency, capabilities)
}

// UpdateExternalHealth records a heartbeat snapshot reported by an external
// hub via POST /hub/health.
func (r *Registry) UpdateExternalHealth(id string, status store.HubStatus, connectedWorkers, activeWorkers int, avgLatencyMS *float64, capabilities []string) error {
	return r.hubs.UpdateHealth(id, status, connectedWorkers, activeWorkers, avgLatencyMS, capabilities)
}

// MarkOfflineIfStale transitions hubs whose last heartbeat predates cutoff
// to offline, for external hubs whose periodic health POST has stopped
// arriving.
func (r *Registry) MarkOfflineIfStale(staleAfter time.Duration) error {
	hubs, err := r.List()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-staleAfter)
	for _, h := range hubs {
		if h.Type == store.HubBuiltin {
			continue
		}
		if h.LastHeartbeat != nil && h.LastHeartbeat.Before(cutoff) && h.Status != store.HubOffline {
			if err := r.hubs.UpdateHealth(h.ID, store.HubOffline, 0, 0, nil, h.Capabilities); err != nil {
				return err
			}
		}
	}
	return nil
}
