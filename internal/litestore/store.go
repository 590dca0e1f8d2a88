// Package litestore is the single-node durable backend on SQLite. State
// survives restarts but is not shared between processes; use the Postgres
// store for multi-replica deployments.
package litestore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store owns one SQLite database. All access goes through a single connection,
// so every transaction is serialized and appends and reservations are atomic
// without further locking.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	turns INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, conversation_id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS conversation_turns (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS quota_ledger (
	limiter TEXT NOT NULL,
	subject TEXT NOT NULL,
	available INTEGER NOT NULL CHECK (available >= 0),
	replenished_at INTEGER NOT NULL,
	PRIMARY KEY (limiter, subject)
);

CREATE VIRTUAL TABLE IF NOT EXISTS reference_documents USING fts5(
	source_id UNINDEXED,
	title,
	body,
	tokenize = 'porter unicode61'
);
`

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for turn timestamps and lazily
// created ledger entries.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
