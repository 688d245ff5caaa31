package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomhub/loomhub/errors"
)

// RegistrationStatus is the persisted connectivity state of a WorkerRegistration.
type RegistrationStatus string

const (
	RegistrationOnline  RegistrationStatus = "online"
	RegistrationOffline RegistrationStatus = "offline"
)

// WorkerRegistration is a concrete worker instance tied to a token.
type WorkerRegistration struct {
	ID              string
	TokenID         string
	SystemID        string
	WorkerID        string
	Capabilities    []string
	Labels          map[string]string
	Metadata        map[string]interface{}
	Status          RegistrationStatus
	ConnectedAt     *time.Time
	DisconnectedAt  *time.Time
	LastHeartbeat   *time.Time
}

// RegistrationStore persists WorkerRegistration rows.
type RegistrationStore struct {
	db *sql.DB
}

// NewRegistrationStore constructs a RegistrationStore over an already-migrated database.
func NewRegistrationStore(db *sql.DB) *RegistrationStore {
	return &RegistrationStore{db: db}
}

// Upsert inserts or updates the registration for (tokenID, systemID) and
// transitions it to online.
func (s *RegistrationStore) Upsert(tokenID, systemID string, capabilities []string, labels map[string]string, metadata map[string]interface{}) (*WorkerRegistration, error) {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, errors.Wrap(err, "marshal capabilities")
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, errors.Wrap(err, "marshal labels")
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "marshal metadata")
	}

	now := time.Now()

	existing, err := s.getByTokenAndSystem(tokenID, systemID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		_, err := s.db.Exec(`
			UPDATE worker_registrations
			SET capabilities = ?, labels = ?, metadata = ?, status = 'online',
			    connected_at = ?, disconnected_at = NULL, last_heartbeat = ?
			WHERE id = ?
		`, string(capsJSON), string(labelsJSON), string(metaJSON), now, now, existing.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "update registration %s", existing.ID)
		}
		return s.Get(existing.ID)
	}

	reg := &WorkerRegistration{
		ID:            uuid.NewString(),
		TokenID:       tokenID,
		SystemID:      systemID,
		Capabilities:  capabilities,
		Labels:        labels,
		Metadata:      metadata,
		Status:        RegistrationOnline,
		ConnectedAt:   &now,
		LastHeartbeat: &now,
	}
	_, err = s.db.Exec(`
		INSERT INTO worker_registrations (
			id, token_id, system_id, capabilities, labels, metadata, status, connected_at, last_heartbeat
		) VALUES (?, ?, ?, ?, ?, ?, 'online', ?, ?)
	`, reg.ID, reg.TokenID, reg.SystemID, string(capsJSON), string(labelsJSON), string(metaJSON), now, now)
	if err != nil {
		return nil, errors.Wrap(err, "create registration")
	}
	return reg, nil
}

// SetWorkerID records the worker_id assigned on a successful WS handshake.
func (s *RegistrationStore) SetWorkerID(id, workerID string) error {
	_, err := s.db.Exec(`UPDATE worker_registrations SET worker_id = ? WHERE id = ?`, workerID, id)
	if err != nil {
		return errors.Wrapf(err, "set worker_id for registration %s", id)
	}
	return nil
}

// Heartbeat records the most recent liveness ping.
func (s *RegistrationStore) Heartbeat(id string) error {
	_, err := s.db.Exec(`UPDATE worker_registrations SET last_heartbeat = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return errors.Wrapf(err, "heartbeat registration %s", id)
	}
	return nil
}

// MarkOffline transitions a registration to offline on socket close or a
// missed-heartbeat reap.
func (s *RegistrationStore) MarkOffline(id string) error {
	_, err := s.db.Exec(`
		UPDATE worker_registrations SET status = 'offline', disconnected_at = ? WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return errors.Wrapf(err, "mark registration %s offline", id)
	}
	return nil
}

// Get fetches a registration by id.
func (s *RegistrationStore) Get(id string) (*WorkerRegistration, error) {
	return s.scanOne(s.db.QueryRow(`SELECT `+registrationColumns+` FROM worker_registrations WHERE id = ?`, id))
}

func (s *RegistrationStore) getByTokenAndSystem(tokenID, systemID string) (*WorkerRegistration, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT `+registrationColumns+` FROM worker_registrations WHERE token_id = ? AND system_id = ?
	`, tokenID, systemID))
}

const registrationColumns = `
	id, token_id, system_id, worker_id, capabilities, labels, metadata,
	status, connected_at, disconnected_at, last_heartbeat
`

func (s *RegistrationStore) scanOne(row *sql.Row) (*WorkerRegistration, error) {
	var reg WorkerRegistration
	var workerID sql.NullString
	var capsJSON, labelsJSON, metaJSON sql.NullString
	var connectedAt, disconnectedAt, lastHeartbeat sql.NullTime

	err := row.Scan(
		&reg.ID, &reg.TokenID, &reg.SystemID, &workerID, &capsJSON, &labelsJSON, &metaJSON,
		&reg.Status, &connectedAt, &disconnectedAt, &lastHeartbeat,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan worker registration")
	}

	reg.WorkerID = workerID.String
	if capsJSON.Valid && capsJSON.String != "" {
		if err := json.Unmarshal([]byte(capsJSON.String), &reg.Capabilities); err != nil {
			return nil, errors.Wrap(err, "unmarshal registration capabilities")
		}
	}
	if labelsJSON.Valid && labelsJSON.String != "" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &reg.Labels); err != nil {
			return nil, errors.Wrap(err, "unmarshal registration labels")
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &reg.Metadata); err != nil {
			return nil, errors.Wrap(err, "unmarshal registration metadata")
		}
	}
	if connectedAt.Valid {
		reg.ConnectedAt = &connectedAt.Time
	}
	if disconnectedAt.Valid {
		reg.DisconnectedAt = &disconnectedAt.Time
	}
	if lastHeartbeat.Valid {
		reg.LastHeartbeat = &lastHeartbeat.Time
	}

	return &reg, nil
}
