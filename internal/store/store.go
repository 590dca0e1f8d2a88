// Package store is the shared durable backend on PostgreSQL. Every replica
// points at the same database; per-conversation and per-subject ordering is
// enforced with row locks inside short transactions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// SetClock replaces the time source used for turn timestamps and lazily
// created ledger entries.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the tables warden needs if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	turns           INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, conversation_id)
);
CREATE INDEX IF NOT EXISTS conversations_updated_at_idx ON conversations (updated_at);
CREATE INDEX IF NOT EXISTS conversations_user_updated_idx ON conversations (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS conversation_turns (
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, conversation_id, seq),
	FOREIGN KEY (user_id, conversation_id)
		REFERENCES conversations (user_id, conversation_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS quota_ledger (
	limiter        TEXT NOT NULL,
	subject        TEXT NOT NULL,
	available      BIGINT NOT NULL CHECK (available >= 0),
	replenished_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (limiter, subject)
);

CREATE TABLE IF NOT EXISTS reference_documents (
	source_id  TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	tsv        TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', title || ' ' || body)) STORED,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS reference_documents_tsv_idx ON reference_documents USING GIN (tsv);
`
