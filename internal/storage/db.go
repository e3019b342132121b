package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// DB wraps the SQLite database of one peer directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	log  *logrus.Entry
}

// Open opens or creates data.db in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "data.db")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			id              TEXT PRIMARY KEY,
			call_id         TEXT DEFAULT '',
			conversation_id TEXT DEFAULT '',
			peer_id         TEXT NOT NULL,
			peer_name       TEXT DEFAULT '',
			direction       TEXT NOT NULL,
			call_type       TEXT NOT NULL,
			status          TEXT NOT NULL,
			duration        INTEGER DEFAULT 0,
			started_at      INTEGER NOT NULL,
			connected_at    INTEGER,
			ended_at        INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call history table: %w", err)
	}

	// Migration: index added after the first release
	db.Exec(`CREATE INDEX IF NOT EXISTS call_history_ended ON call_history(ended_at DESC)`)

	d := &DB{db: db, path: dbPath, log: logrus.WithField("component", "storage")}
	d.log.WithField("path", dbPath).Debug("Database opened")
	return d, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// GetMeta reads a value from the metadata table.
func (d *DB) GetMeta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

// SetMeta writes a value into the metadata table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}
