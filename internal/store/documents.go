package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/warden/internal/prompt"
)

// Documents is a full-text retriever over reference_documents. Scores are the
// ts_rank of each hit divided by the best rank in the result, so the top hit
// scores 1 and the minimum-score filter stays meaningful across queries.
type Documents struct {
	store *Store
}

func (s *Store) Documents() *Documents {
	return &Documents{store: s}
}

func (d *Documents) Retrieve(ctx context.Context, query string, topK int) ([]prompt.Document, error) {
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return nil, nil
	}
	rows, err := d.store.pool.Query(ctx, `
		WITH hits AS (
			SELECT source_id, title, body, ts_rank(tsv, q) AS rank
			FROM reference_documents, plainto_tsquery('english', $1) q
			WHERE tsv @@ q
			ORDER BY rank DESC, source_id
			LIMIT $2
		)
		SELECT source_id, title, body,
			COALESCE(rank / NULLIF(MAX(rank) OVER (), 0), 0)::float8 AS score
		FROM hits
		ORDER BY score DESC, source_id`, query, topK)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []prompt.Document
	for rows.Next() {
		var doc prompt.Document
		if err := rows.Scan(&doc.SourceID, &doc.Title, &doc.Text, &doc.Score); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return docs, nil
}

// Put inserts or replaces a reference document.
func (d *Documents) Put(ctx context.Context, sourceID, title, body string) error {
	_, err := d.store.pool.Exec(ctx, `
		INSERT INTO reference_documents (source_id, title, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (source_id) DO UPDATE
		SET title = EXCLUDED.title, body = EXCLUDED.body, updated_at = now()`,
		sourceID, title, body)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", sourceID, err)
	}
	return nil
}
