package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
)

// Transcripts implements conversation.Cache on the conversations and
// conversation_turns tables.
type Transcripts struct {
	store      *Store
	maxEntries int
	logger     *slog.Logger
}

// Transcripts returns the transcript backend. When maxEntries is positive the
// least recently updated conversations beyond it are removed after each
// append.
func (s *Store) Transcripts(maxEntries int, logger *slog.Logger) *Transcripts {
	return &Transcripts{store: s, maxEntries: maxEntries, logger: logger}
}

func (t *Transcripts) Get(ctx context.Context, key conversation.Key) (conversation.Transcript, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	tr, err := readTurns(ctx, t.store.pool, key)
	if err != nil {
		return nil, conversation.Unavailable("get transcript", err)
	}
	return tr, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readTurns(ctx context.Context, q querier, key conversation.Key) (conversation.Transcript, error) {
	rows, err := q.Query(ctx, `
		SELECT role, content, created_at
		FROM conversation_turns
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY seq`, key.User, key.ID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	tr := conversation.Transcript{}
	for rows.Next() {
		var turn conversation.Turn
		var role string
		if err := rows.Scan(&role, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = conversation.Role(role)
		tr = append(tr, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return tr, nil
}

// Append locks the conversation head row for the duration of the transaction,
// so appends to one conversation are serialized across replicas while other
// conversations are untouched.
func (t *Transcripts) Append(ctx context.Context, key conversation.Key, base int, turns ...conversation.Turn) (conversation.Transcript, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := t.store.now().UTC()
	turns = conversation.Stamp(turns, now)

	tr, err := t.append(ctx, key, base, turns, now)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidTurn) || errors.Is(err, conversation.ErrStale) {
			return nil, err
		}
		return nil, conversation.Unavailable("append turns", err)
	}
	if t.maxEntries > 0 {
		t.evict(ctx)
	}
	return tr, nil
}

func (t *Transcripts) append(ctx context.Context, key conversation.Key, base int, turns []conversation.Turn, now time.Time) (conversation.Transcript, error) {
	tx, err := t.store.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (user_id, conversation_id, turns, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (user_id, conversation_id) DO NOTHING`, key.User, key.ID, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	var count int
	err = tx.QueryRow(ctx, `
		SELECT turns FROM conversations
		WHERE user_id = $1 AND conversation_id = $2
		FOR UPDATE`, key.User, key.ID).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	if err := conversation.CheckAppend(count, base, turns); err != nil {
		return nil, err
	}

	batch := &pgx.Batch{}
	for i, turn := range turns {
		batch.Queue(`
			INSERT INTO conversation_turns (user_id, conversation_id, seq, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			key.User, key.ID, count+i, string(turn.Role), turn.Content, turn.Timestamp)
	}
	batch.Queue(`
		UPDATE conversations SET turns = $3, updated_at = $4
		WHERE user_id = $1 AND conversation_id = $2`,
		key.User, key.ID, count+len(turns), now)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert turns: %w", err)
	}

	tr, err := readTurns(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return tr, nil
}

// evict trims the table to maxEntries conversations, oldest update first.
// The append already succeeded, so failures are only logged.
func (t *Transcripts) evict(ctx context.Context) {
	tag, err := t.store.pool.Exec(ctx, `
		DELETE FROM conversations
		WHERE (user_id, conversation_id) IN (
			SELECT user_id, conversation_id FROM conversations
			ORDER BY updated_at DESC, user_id, conversation_id
			OFFSET $1
		)`, t.maxEntries)
	if err != nil {
		t.logger.Warn("conversation eviction failed", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		t.logger.Info("evicted conversations", "count", n, "max_entries", t.maxEntries)
	}
}

func (t *Transcripts) Delete(ctx context.Context, key conversation.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	tag, err := t.store.pool.Exec(ctx,
		`DELETE FROM conversations WHERE user_id = $1 AND conversation_id = $2`, key.User, key.ID)
	if err != nil {
		return false, conversation.Unavailable("delete conversation", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *Transcripts) List(ctx context.Context, user string) ([]conversation.Summary, error) {
	if err := conversation.ValidateUser(user); err != nil {
		return nil, err
	}
	rows, err := t.store.pool.Query(ctx, `
		SELECT conversation_id, turns, updated_at
		FROM conversations
		WHERE user_id = $1 AND turns > 0
		ORDER BY updated_at DESC, conversation_id`, user)
	if err != nil {
		return nil, conversation.Unavailable("list conversations", err)
	}
	defer rows.Close()

	out := []conversation.Summary{}
	for rows.Next() {
		var s conversation.Summary
		if err := rows.Scan(&s.ID, &s.Turns, &s.UpdatedAt); err != nil {
			return nil, conversation.Unavailable("list conversations", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, conversation.Unavailable("list conversations", err)
	}
	return out, nil
}
