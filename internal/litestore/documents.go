package litestore

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/MikeSquared-Agency/warden/internal/prompt"
)

// Documents is an FTS5 retriever over reference_documents. Scores are the
// negated bm25 of each hit divided by the best hit, so the top hit scores 1.
type Documents struct {
	store *Store
}

func (s *Store) Documents() *Documents {
	return &Documents{store: s}
}

func (d *Documents) Retrieve(ctx context.Context, query string, topK int) ([]prompt.Document, error) {
	match := matchExpr(query)
	if match == "" || topK <= 0 {
		return nil, nil
	}
	rows, err := d.store.db.QueryContext(ctx, `
		SELECT source_id, title, body, -bm25(reference_documents) AS rank
		FROM reference_documents
		WHERE reference_documents MATCH ?
		ORDER BY rank DESC, source_id
		LIMIT ?`, match, topK)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []prompt.Document
	var best float64
	for rows.Next() {
		var doc prompt.Document
		if err := rows.Scan(&doc.SourceID, &doc.Title, &doc.Text, &doc.Score); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if doc.Score > best {
			best = doc.Score
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	for i := range docs {
		if best > 0 {
			docs[i].Score /= best
		} else {
			docs[i].Score = 0
		}
	}
	return docs, nil
}

// Put inserts or replaces a reference document.
func (d *Documents) Put(ctx context.Context, sourceID, title, body string) error {
	tx, err := d.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reference_documents WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("replace document %s: %w", sourceID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reference_documents (source_id, title, body) VALUES (?, ?, ?)`,
		sourceID, title, body); err != nil {
		return fmt.Errorf("insert document %s: %w", sourceID, err)
	}
	return tx.Commit()
}

// matchExpr turns free text into an FTS5 query matching any of its words.
// Words are quoted so operators and punctuation in the question are inert.
func matchExpr(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	quoted := make([]string, 0, len(words))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		quoted = append(quoted, `"`+w+`"`)
	}
	return strings.Join(quoted, " OR ")
}
