package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomhub/loomhub/errors"
)

// TokenScope limits which tasks a worker authenticated with a given token
// may receive.
type TokenScope string

const (
	ScopeInstance TokenScope = "instance"
	ScopeGroup    TokenScope = "group"
	ScopeProject  TokenScope = "project"
)

// WorkerToken is a credential granting a class of workers the right to register.
type WorkerToken struct {
	ID            string
	Name          string
	TokenHash     string
	TokenPrefix   string
	Scope         TokenScope
	HubID         string
	ProjectFilter string
	Capabilities  []string
	Labels        map[string]string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	RevokedAt     *time.Time
	LastUsedAt    *time.Time
}

// IsRevoked reports whether the token has been permanently revoked.
func (t *WorkerToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired reports whether the token's expiry has passed.
func (t *WorkerToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// TokenStore persists WorkerToken rows.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore constructs a TokenStore over an already-migrated database.
func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db}
}

// Create inserts a new token record. Callers supply the already-hashed
// secret and display prefix; the plaintext token itself is never persisted.
func (s *TokenStore) Create(name, tokenHash, tokenPrefix string, scope TokenScope, hubID, projectFilter string, capabilities []string, labels map[string]string, expiresAt *time.Time) (*WorkerToken, error) {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return nil, errors.Wrap(err, "marshal capabilities")
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, errors.Wrap(err, "marshal labels")
	}

	tok := &WorkerToken{
		ID:            uuid.NewString(),
		Name:          name,
		TokenHash:     tokenHash,
		TokenPrefix:   tokenPrefix,
		Scope:         scope,
		HubID:         hubID,
		ProjectFilter: projectFilter,
		Capabilities:  capabilities,
		Labels:        labels,
		CreatedAt:     time.Now(),
		ExpiresAt:     expiresAt,
	}

	_, err = s.db.Exec(`
		INSERT INTO worker_tokens (
			id, name, token_hash, token_prefix, scope, hub_id, project_filter,
			capabilities, labels, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tok.ID, tok.Name, tok.TokenHash, tok.TokenPrefix, tok.Scope,
		nullableString(tok.HubID), nullableString(tok.ProjectFilter),
		string(capsJSON), string(labelsJSON), tok.CreatedAt, tok.ExpiresAt)
	if err != nil {
		return nil, errors.Wrap(err, "create worker token")
	}
	return tok, nil
}

// GetByHash looks up a token by its hash, as computed by the caller.
func (s *TokenStore) GetByHash(tokenHash string) (*WorkerToken, error) {
	return s.scanOne(s.db.QueryRow(`SELECT `+tokenColumns+` FROM worker_tokens WHERE token_hash = ?`, tokenHash))
}

// Get fetches a token by id.
func (s *TokenStore) Get(id string) (*WorkerToken, error) {
	return s.scanOne(s.db.QueryRow(`SELECT `+tokenColumns+` FROM worker_tokens WHERE id = ?`, id))
}

// List returns all tokens, most recently created first.
func (s *TokenStore) List() ([]*WorkerToken, error) {
	rows, err := s.db.Query(`SELECT ` + tokenColumns + ` FROM worker_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list worker tokens")
	}
	defer rows.Close()

	var tokens []*WorkerToken
	for rows.Next() {
		tok, err := scanTokenRow(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// Revoke sets revoked_at. Idempotent: revoking an already-revoked token is a no-op success.
func (s *TokenStore) Revoke(id string) error {
	_, err := s.db.Exec(`
		UPDATE worker_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, time.Now(), id)
	if err != nil {
		return errors.Wrapf(err, "revoke token %s", id)
	}
	return nil
}

// TouchLastUsed records the most recent successful validation time.
func (s *TokenStore) TouchLastUsed(id string) error {
	_, err := s.db.Exec(`UPDATE worker_tokens SET last_used_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return errors.Wrapf(err, "touch last_used_at for token %s", id)
	}
	return nil
}

const tokenColumns = `
	id, name, token_hash, token_prefix, scope, hub_id, project_filter,
	capabilities, labels, created_at, expires_at, revoked_at, last_used_at
`

type tokenRowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *TokenStore) scanOne(row *sql.Row) (*WorkerToken, error) {
	tok, err := scanTokenRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tok, err
}

func scanTokenRow(r tokenRowScanner) (*WorkerToken, error) {
	var tok WorkerToken
	var hubID, projectFilter sql.NullString
	var capsJSON, labelsJSON sql.NullString
	var expiresAt, revokedAt, lastUsedAt sql.NullTime

	err := r.Scan(
		&tok.ID, &tok.Name, &tok.TokenHash, &tok.TokenPrefix, &tok.Scope,
		&hubID, &projectFilter, &capsJSON, &labelsJSON, &tok.CreatedAt,
		&expiresAt, &revokedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "scan worker token")
	}

	tok.HubID = hubID.String
	tok.ProjectFilter = projectFilter.String
	if capsJSON.Valid && capsJSON.String != "" {
		if err := json.Unmarshal([]byte(capsJSON.String), &tok.Capabilities); err != nil {
			return nil, errors.Wrap(err, "unmarshal token capabilities")
		}
	}
	if labelsJSON.Valid && labelsJSON.String != "" {
		if err := json.Unmarshal([]byte(labelsJSON.String), &tok.Labels); err != nil {
			return nil, errors.Wrap(err, "unmarshal token labels")
		}
	}
	if expiresAt.Valid {
		tok.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		tok.RevokedAt = &revokedAt.Time
	}
	if lastUsedAt.Valid {
		tok.LastUsedAt = &lastUsedAt.Time
	}

	return &tok, nil
}
