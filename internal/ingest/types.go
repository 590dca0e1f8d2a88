// Package ingest loads reference documents from a directory into the
// retrieval index, split into chunks small enough to place in a prompt.
package ingest

import "context"

// Chunk is one retrievable piece of a source file.
type Chunk struct {
	SourceID string // relative path + chunk index
	Title    string
	Text     string
}

// Sink stores chunks. *store.Documents satisfies it.
type Sink interface {
	Put(ctx context.Context, sourceID, title, body string) error
}
