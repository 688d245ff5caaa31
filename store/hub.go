package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomhub/loomhub/errors"
)

// BuiltinHubID is the fixed well-known id of the permanent local hub,
// seeded by migration 005 and protected from removal.
const BuiltinHubID = "builtin"

// HubType distinguishes the permanent local hub from registered external hubs.
type HubType string

const (
	HubBuiltin  HubType = "builtin"
	HubExternal HubType = "external"
)

// HubStatus reflects derived health of a routing endpoint.
type HubStatus string

const (
	HubHealthy   HubStatus = "healthy"
	HubDegraded  HubStatus = "degraded"
	HubUnhealthy HubStatus = "unhealthy"
	HubOffline   HubStatus = "offline"
)

// Hub is a routing endpoint: the local built-in hub or a registered external one.
type Hub struct {
	ID               string
	Name             string
	Type             HubType
	Endpoint         string
	Priority         int
	Weight           int
	Region           string
	Labels           map[string]string
	Capabilities     []string
	Status           HubStatus
	ConnectedWorkers int
	ActiveWorkers    int
	AvgLatencyMS     *float64
	LastHeartbeat    *time.Time
}

// HubStore persists Hub rows.
type HubStore struct {
	db *sql.DB
}

// NewHubStore constructs a HubStore over an already-migrated database.
func NewHubStore(db *sql.DB) *HubStore {
	return &HubStore{db: db}
}

// Initialize ensures the builtin hub row exists and is marked healthy. The
// row is normally seeded by migration 005; this guards against a database
// that predates that migration or was restored without it.
func (s *HubStore) Initialize() error {
	existing, err := s.Get(BuiltinHubID)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := s.db.Exec(`
			UPDATE hubs SET status = 'healthy', last_heartbeat = ? WHERE id = ?
		`, time.Now(), BuiltinHubID)
		return errors.Wrapf(err, "refresh builtin hub")
	}

	_, err = s.db.Exec(`
		INSERT INTO hubs (id, name, type, priority, weight, status, connected_workers, active_workers, last_heartbeat)
		VALUES (?, 'Local Hub', 'builtin', 100, 100, 'healthy', 0, 0, ?)
	`, BuiltinHubID, time.Now())
	if err != nil {
		return errors.Wrap(err, "seed builtin hub")
	}
	return nil
}

// RegisterHub adds an external hub. Returns an error if endpoint is empty.
func (s *HubStore) RegisterHub(name, endpoint string, priority, weight int, region string, labels map[string]string) (*Hub, error) {
	if endpoint == "" {
		return nil, errors.New("external hub requires a non-empty endpoint")
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, errors.Wrap(err, "marshal hub labels")
	}

	now := time.Now()
	hub := &Hub{
		ID:            uuid.NewString(),
		Name:          name,
		Type:          HubExternal,
		Endpoint:      endpoint,
		Priority:      priority,
		Weight:        weight,
		Region:        region,
		Labels:        labels,
		Status:        HubHealthy,
		LastHeartbeat: &now,
	}

	// A freshly registered external hub is presumed reachable (the operator
	// just typed its endpoint); status starts healthy with an implicit
	// heartbeat at registration time rather than offline, so it's routable
	// immediately. MarkOfflineIfStale demotes it once that heartbeat ages
	// out with nothing to replace it.
	_, err = s.db.Exec(`
		INSERT INTO hubs (id, name, type, endpoint, priority, weight, region, labels, status, connected_workers, active_workers, last_heartbeat)
		VALUES (?, ?, 'external', ?, ?, ?, ?, ?, 'healthy', 0, 0, ?)
	`, hub.ID, hub.Name, hub.Endpoint, hub.Priority, hub.Weight, nullableString(hub.Region), string(labelsJSON), now)
	if err != nil {
		return nil, errors.Wrap(err, "register external hub")
	}
	return hub, nil
}

// EnsureExternalHub upserts an external hub by a caller-supplied stable id
// (config-declared hubs keep the same id across restarts, unlike
// RegisterHub's random uuid). Routing attributes are refreshed on every
// call; health fields are left untouched once the row exists, since those
// are only ever written by UpdateHealth/UpdateLocalHealth.
func (s *HubStore) EnsureExternalHub(id, name, endpoint string, priority, weight int, region string, labels map[string]string) (*Hub, error) {
	if id == "" {
		return nil, errors.New("external hub requires a non-empty id")
	}
	if endpoint == "" {
		return nil, errors.New("external hub requires a non-empty endpoint")
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, errors.Wrap(err, "marshal hub labels")
	}

	// Same presumed-reachable seeding as RegisterHub, but only on first
	// insert; a restart that re-ensures an already-seen config hub must not
	// clobber health state a real heartbeat has since written.
	_, err = s.db.Exec(`
		INSERT INTO hubs (id, name, type, endpoint, priority, weight, region, labels, status, connected_workers, active_workers, last_heartbeat)
		VALUES (?, ?, 'external', ?, ?, ?, ?, ?, 'healthy', 0, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, endpoint = excluded.endpoint, priority = excluded.priority,
			weight = excluded.weight, region = excluded.region, labels = excluded.labels
	`, id, name, endpoint, priority, weight, nullableString(region), string(labelsJSON), time.Now())
	if err != nil {
		return nil, errors.Wrapf(err, "ensure external hub %s", id)
	}
	return s.Get(id)
}

// UpdateHub updates the mutable routing attributes of an external hub.
func (s *HubStore) UpdateHub(id, name, endpoint string, priority, weight int, region string, labels map[string]string) error {
	if id == BuiltinHubID {
		return errors.New("cannot update the builtin hub's routing attributes")
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return errors.Wrap(err, "marshal hub labels")
	}

	result, err := s.db.Exec(`
		UPDATE hubs SET name = ?, endpoint = ?, priority = ?, weight = ?, region = ?, labels = ?
		WHERE id = ? AND type = 'external'
	`, name, endpoint, priority, weight, nullableString(region), string(labelsJSON), id)
	if err != nil {
		return errors.Wrapf(err, "update hub %s", id)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.Newf("external hub not found: %s", id)
	}
	return nil
}

// RemoveHub deletes an external hub. Any attempt to remove the builtin hub
// has no effect and reports failure.
func (s *HubStore) RemoveHub(id string) error {
	if id == BuiltinHubID {
		return errors.New("the builtin hub cannot be removed")
	}
	result, err := s.db.Exec(`DELETE FROM hubs WHERE id = ? AND type = 'external'`, id)
	if err != nil {
		return errors.Wrapf(err, "remove hub %s", id)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.Newf("external hub not found: %s", id)
	}
	return nil
}

// UpdateHealth records a health snapshot, called on heartbeat from external
// hubs and by the local hub's own telemetry loop.
func (s *HubStore) UpdateHealth(id string, status HubStatus, connectedWorkers, activeWorkers int, avgLatencyMS *float64, capabilities []string) error {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return errors.Wrap(err, "marshal hub capabilities")
	}

	_, err = s.db.Exec(`
		UPDATE hubs
		SET status = ?, connected_workers = ?, active_workers = ?, avg_latency_ms = ?,
		    capabilities = ?, last_heartbeat = ?
		WHERE id = ?
	`, status, connectedWorkers, activeWorkers, avgLatencyMS, string(capsJSON), time.Now(), id)
	if err != nil {
		return errors.Wrapf(err, "update health for hub %s", id)
	}
	return nil
}

// Get fetches a hub by id.
func (s *HubStore) Get(id string) (*Hub, error) {
	return s.scanOne(s.db.QueryRow(`SELECT ` + hubColumns + ` FROM hubs WHERE id = ?`, id))
}

// List returns all hubs.
func (s *HubStore) List() ([]*Hub, error) {
	rows, err := s.db.Query(`SELECT ` + hubColumns + ` FROM hubs ORDER BY priority DESC, name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list hubs")
	}
	defer rows.Close()

	var hubs []*Hub
	for rows.Next() {
		hub, err := scanHubRow(rows)
		if err != nil {
			return nil, err
		}
		hubs = append(hubs, hub)
	}
	return hubs, rows.Err()
}

// HealthyHubs returns hubs in a {healthy, degraded} state, optionally
// filtered to those declaring capability (or no declared capabilities at
// all, i.e. wildcard hubs).
func (s *HubStore) HealthyHubs(capability string) ([]*Hub, error) {
	hubs, err := s.List()
	if err != nil {
		return nil, err
	}

	var out []*Hub
	for _, h := range hubs {
		if h.Status != HubHealthy && h.Status != HubDegraded {
			continue
		}
		if capability == "" || len(h.Capabilities) == 0 || containsString(h.Capabilities, capability) {
			out = append(out, h)
		}
	}
	return out, nil
}

// ByRegion filters hubs to a given region.
func (s *HubStore) ByRegion(region string) ([]*Hub, error) {
	hubs, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Hub
	for _, h := range hubs {
		if h.Region == region {
			out = append(out, h)
		}
	}
	return out, nil
}

// ByLabels filters hubs whose Labels are a superset of the given map.
func (s *HubStore) ByLabels(labels map[string]string) ([]*Hub, error) {
	hubs, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Hub
	for _, h := range hubs {
		if labelsMatch(h.Labels, labels) {
			out = append(out, h)
		}
	}
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

const hubColumns = `
	id, name, type, endpoint, priority, weight, region, labels, capabilities,
	status, connected_workers, active_workers, avg_latency_ms, last_heartbeat
`

func (s *HubStore) scanOne(row *sql.Row) (*Hub, error) {
	hub, err := scanHubRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return hub, err
}

func scanHubRow(r tokenRowScanner) (*Hub, error) {
	var hub Hub
	var endpoint, region sql.NullString
	var labelsJSON, capsJSON sql.NullString
	var avgLatency sql.NullFloat64
	var lastHeartbeat sql.NullTime

	err := r.Scan(
		&hub.ID, &hub.Name, &hub.Type, &endpoint, &hub.Priority, &hub.Weight,
		&region, &labelsJSON, &capsJSON, &hub.Status, &hub.ConnectedWorkers,
		&hub.ActiveWorkers, &avgLatency, &lastHeartbeat,
	)
	if err != nil {
		return nil, errors.Wrap(err, "scan hub")
	}

	hub.Endpoint = endpoint.String
	hub.Region = region.String
	if labelsJSON.Valid && labelsJSON.String != "" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &hub.Labels); err != nil {
			return nil, errors.Wrap(err, "unmarshal hub labels")
		}
	}
	if capsJSON.Valid && capsJSON.String != "" {
		if err := json.Unmarshal([]byte(capsJSON.String), &hub.Capabilities); err != nil {
			return nil, errors.Wrap(err, "unmarshal hub capabilities")
		}
	}
	if avgLatency.Valid {
		hub.AvgLatencyMS = &avgLatency.Float64
	}
	if lastHeartbeat.Valid {
		hub.LastHeartbeat = &lastHeartbeat.Time
	}

	return &hub, nil
}
