package conversation

import (
	"context"
	"slices"
	"strings"
)

// Cache maps conversation keys to transcripts. Implementations must serialize
// appends to the same conversation; appends to different conversations may run
// in parallel.
//
// Get returns an empty transcript for an unknown key. Append validates the
// turns against the stored transcript, persists all of them or none and
// returns the updated transcript. When base is not AtEnd, Append fails with
// ErrStale unless the stored transcript still has exactly base turns. List
// returns the user's conversations, most recently updated first. Backend
// failures are wrapped with Unavailable.
type Cache interface {
	Get(ctx context.Context, key Key) (Transcript, error)
	Append(ctx context.Context, key Key, base int, turns ...Turn) (Transcript, error)
	Delete(ctx context.Context, key Key) (bool, error)
	List(ctx context.Context, user string) ([]Summary, error)
}

// SortSummaries orders a listing most recently updated first, then by ID.
func SortSummaries(s []Summary) {
	slices.SortFunc(s, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
