package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/loomhub/loomhub/errors"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session identifies a user interaction with the AI editor.
type Session struct {
	ID                string
	ContentSessionID  string
	MemorySessionID   string
	Project           string
	Status            SessionStatus
	StartedAt         time.Time
	CompletedAt       *time.Time
	PromptCounter     int
	Repo              string
	Branch            string
	CWD               string
	Worktree          string
	PlanMode          bool
}

// SessionStore persists Session rows.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore constructs a SessionStore over an already-migrated database.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new session, generating its opaque id.
func (s *SessionStore) Create(contentSessionID, project string) (*Session, error) {
	sess := &Session{
		ID:               uuid.NewString(),
		ContentSessionID: contentSessionID,
		Project:          project,
		Status:           SessionActive,
		StartedAt:        time.Now(),
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, content_session_id, project, status, started_at, prompt_counter, plan_mode)
		VALUES (?, ?, ?, ?, ?, 0, 0)
	`, sess.ID, sess.ContentSessionID, sess.Project, sess.Status, sess.StartedAt)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	return sess, nil
}

// GetByContentSessionID looks up a session by the editor-assigned id.
func (s *SessionStore) GetByContentSessionID(contentSessionID string) (*Session, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions WHERE content_session_id = ?
	`, contentSessionID))
}

// Current returns the most recently started active session for a project,
// per the "at most one active session is current" invariant.
func (s *SessionStore) Current(project string) (*Session, error) {
	return s.scanOne(s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE project = ? AND status = 'active'
		ORDER BY started_at DESC
		LIMIT 1
	`, project))
}

// IncrementPromptCounter bumps the prompt counter on each ingested user prompt.
func (s *SessionStore) IncrementPromptCounter(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET prompt_counter = prompt_counter + 1 WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "increment prompt counter for %s", id)
	}
	return nil
}

// Complete marks a session completed, either explicitly (stop hook) or by
// the stale-session reaper.
func (s *SessionStore) Complete(id string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE sessions SET status = 'completed', completed_at = ? WHERE id = ? AND status = 'active'
	`, now, id)
	if err != nil {
		return errors.Wrapf(err, "complete session %s", id)
	}
	return nil
}

// ReapStale completes any active session whose started_at (as a proxy for
// last observed activity) is older than inactivityWindow.
func (s *SessionStore) ReapStale(inactivityWindow time.Duration) (int, error) {
	cutoff := time.Now().Add(-inactivityWindow)
	result, err := s.db.Exec(`
		UPDATE sessions SET status = 'completed', completed_at = ?
		WHERE status = 'active' AND started_at < ?
	`, time.Now(), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "reap stale sessions")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "reap stale sessions rows affected")
	}
	return int(affected), nil
}

const sessionColumns = `
	id, content_session_id, memory_session_id, project, status, started_at,
	completed_at, prompt_counter, repo, branch, cwd, worktree, plan_mode
`

func (s *SessionStore) scanOne(row *sql.Row) (*Session, error) {
	var sess Session
	var memorySessionID, repo, branch, cwd, worktree sql.NullString
	var completedAt sql.NullTime
	var planMode int

	err := row.Scan(
		&sess.ID, &sess.ContentSessionID, &memorySessionID, &sess.Project, &sess.Status,
		&sess.StartedAt, &completedAt, &sess.PromptCounter, &repo, &branch, &cwd, &worktree, &planMode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan session")
	}

	sess.MemorySessionID = memorySessionID.String
	sess.Repo = repo.String
	sess.Branch = branch.String
	sess.CWD = cwd.String
	sess.Worktree = worktree.String
	sess.PlanMode = planMode != 0
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}

	return &sess, nil
}
