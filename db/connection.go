// Package db provides SQLite connection and migration utilities for the
// Persistent Store (Session, Task, WorkerToken, WorkerRegistration, Hub).
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/loomhub/loomhub/errors"
)

const (
	// SQLiteJournalMode configures the database journal mode (WAL enables concurrent reads).
	SQLiteJournalMode = "WAL"

	// SQLiteBusyTimeoutMS sets how long to wait for locks before returning SQLITE_BUSY.
	SQLiteBusyTimeoutMS = 5000
)

// Open opens a SQLite database at the specified path with WAL mode, foreign
// keys, and a busy timeout. If log is nil, operates silently.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	if log != nil {
		log.Debugw("opening database", "component", "db", "path", path)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create database directory: %s", dir)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	if _, err := conn.Exec("PRAGMA journal_mode = " + SQLiteJournalMode); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to enable %s mode for %s", SQLiteJournalMode, path)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to enable foreign keys for %s", path)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to set busy timeout to %dms for %s", SQLiteBusyTimeoutMS, path)
	}

	if log != nil {
		log.Infow("database opened", "component", "db", "path", path, "wal_mode", true, "foreign_keys", true)
	}

	return conn, nil
}

// OpenWithMigrations opens a SQLite database and runs pending migrations.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	conn, err := Open(path, log)
	if err != nil {
		return nil, err
	}

	if err := Migrate(conn, log); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to run migrations for %s", path)
	}

	return conn, nil
}
