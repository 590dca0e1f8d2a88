package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
)

// Transcripts implements conversation.Cache. Turns are rows keyed by
// (user_id, conversation_id, seq); the conversations row carries the turn
// count.
type Transcripts struct {
	store      *Store
	maxEntries int
}

// Transcripts returns the transcript backend. A positive maxEntries bounds the
// number of stored conversations, dropping the least recently updated.
func (s *Store) Transcripts(maxEntries int) *Transcripts {
	return &Transcripts{store: s, maxEntries: maxEntries}
}

func (t *Transcripts) Get(ctx context.Context, key conversation.Key) (conversation.Transcript, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	tx, err := t.store.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, conversation.Unavailable("get transcript", err)
	}
	defer tx.Rollback()

	tr, err := readTurns(ctx, tx, key)
	if err != nil {
		return nil, conversation.Unavailable("get transcript", err)
	}
	return tr, nil
}

func readTurns(ctx context.Context, tx *sql.Tx, key conversation.Key) (conversation.Transcript, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT role, content, created_at FROM conversation_turns
		WHERE user_id = ? AND conversation_id = ? ORDER BY seq`, key.User, key.ID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	tr := conversation.Transcript{}
	for rows.Next() {
		var role, content string
		var created int64
		if err := rows.Scan(&role, &content, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		tr = append(tr, conversation.Turn{
			Role:      conversation.Role(role),
			Content:   content,
			Timestamp: time.Unix(0, created).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return tr, nil
}

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
	return tr, nil
}

func (t *Transcripts) append(ctx context.Context, key conversation.Key, base int, turns []conversation.Turn, now time.Time) (conversation.Transcript, error) {
	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT turns FROM conversations WHERE user_id = ? AND conversation_id = ?`,
		key.User, key.ID).Scan(&count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		count = 0
	case err != nil:
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	if err := conversation.CheckAppend(count, base, turns); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (user_id, conversation_id, turns, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, conversation_id) DO UPDATE
		SET turns = excluded.turns, updated_at = excluded.updated_at`,
		key.User, key.ID, count+len(turns), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	for i, turn := range turns {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_turns (user_id, conversation_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			key.User, key.ID, count+i, string(turn.Role), turn.Content, turn.Timestamp.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("insert turn: %w", err)
		}
	}

	if t.maxEntries > 0 {
		for _, table := range []string{"conversation_turns", "conversations"} {
			_, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE (user_id, conversation_id) IN (
				SELECT user_id, conversation_id FROM conversations
				ORDER BY updated_at DESC, user_id, conversation_id
				LIMIT -1 OFFSET ?
			)`, t.maxEntries)
			if err != nil {
				return nil, fmt.Errorf("evict conversations: %w", err)
			}
		}
	}

	tr, err := readTurns(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return tr, nil
}

func (t *Transcripts) Delete(ctx context.Context, key conversation.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	deleted, err := t.delete(ctx, key)
	if err != nil {
		return false, conversation.Unavailable("delete conversation", err)
	}
	return deleted, nil
}

func (t *Transcripts) delete(ctx context.Context, key conversation.Key) (bool, error) {
	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_turns WHERE user_id = ? AND conversation_id = ?`, key.User, key.ID); err != nil {
		return false, fmt.Errorf("delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE user_id = ? AND conversation_id = ?`, key.User, key.ID)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

func (t *Transcripts) List(ctx context.Context, user string) ([]conversation.Summary, error) {
	if err := conversation.ValidateUser(user); err != nil {
		return nil, err
	}
	rows, err := t.store.db.QueryContext(ctx, `
		SELECT conversation_id, turns, updated_at FROM conversations
		WHERE user_id = ? AND turns > 0
		ORDER BY updated_at DESC, conversation_id`, user)
	if err != nil {
		return nil, conversation.Unavailable("list conversations", err)
	}
	defer rows.Close()

	out := []conversation.Summary{}
	for rows.Next() {
		var s conversation.Summary
		var updated int64
		if err := rows.Scan(&s.ID, &s.Turns, &updated); err != nil {
			return nil, conversation.Unavailable("list conversations", err)
		}
		s.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, conversation.Unavailable("list conversations", err)
	}
	return out, nil
}
