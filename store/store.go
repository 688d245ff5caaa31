// Package store provides transactional persistence for sessions, tasks,
// worker tokens, worker registrations, and hubs (the Persistent Store).
package store

import (
	"database/sql"
)

// Store wraps the shared database handle for all persistent-store operations.
type Store struct {
	db *sql.DB
}

// New creates a Store backed by an already-opened, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle, for callers that need to share
// a transaction across store operations.
func (s *Store) DB() *sql.DB {
	return s.db
}
