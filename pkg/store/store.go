// Package store persists node state with database/sql. It supports both
// Postgres and SQLite via standard drivers; the journal table is the
// durable source of truth, the remaining tables are queryable snapshots.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Open opens a database handle for the given driver ("sqlite" or
// "postgres") and DSN.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return db, nil
}

// Store wraps a SQL database with the node's schema.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS journal_entries (
	seq INTEGER PRIMARY KEY,
	event_type TEXT NOT NULL,
	actor TEXT NOT NULL,
	payload TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	agent_id INTEGER NOT NULL,
	asset TEXT NOT NULL,
	total INTEGER NOT NULL,
	locked INTEGER NOT NULL,
	PRIMARY KEY (agent_id, asset)
);

CREATE TABLE IF NOT EXISTS withdrawal_entries (
	agent_id INTEGER NOT NULL,
	asset TEXT NOT NULL,
	position INTEGER NOT NULL,
	amount INTEGER NOT NULL,
	release_time TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, asset, position)
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	creator TEXT NOT NULL,
	asset TEXT NOT NULL,
	reward INTEGER NOT NULL,
	bond INTEGER NOT NULL,
	agent_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	commitment_id TEXT NOT NULL DEFAULT '',
	metadata_ref TEXT NOT NULL DEFAULT '',
	input_ref TEXT NOT NULL DEFAULT '',
	paid_out BOOLEAN NOT NULL,
	created_at TIMESTAMP NOT NULL,
	claim_deadline TIMESTAMP,
	completion_deadline TIMESTAMP,
	completion_window_s INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pools (
	asset TEXT PRIMARY KEY,
	treasury INTEGER NOT NULL,
	insurance INTEGER NOT NULL,
	rewards INTEGER NOT NULL
);
`
