//go:build integration

package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/warden/internal/conversation"
	"github.com/MikeSquared-Agency/warden/internal/conversation/conversationtest"
	"github.com/MikeSquared-Agency/warden/internal/quota"
	"github.com/MikeSquared-Agency/warden/internal/quota/quotatest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func truncate(t *testing.T, s *Store, tables string) {
	t.Helper()
	if _, err := s.pool.Exec(context.Background(), "TRUNCATE "+tables+" CASCADE"); err != nil {
		t.Fatalf("truncate %s: %v", tables, err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIntegration_Transcripts(t *testing.T) {
	s := setupTestStore(t)
	conversationtest.Run(t, func(t *testing.T) conversation.Cache {
		truncate(t, s, "conversations, conversation_turns")
		return s.Transcripts(0, quietLogger())
	})
}

func TestIntegration_TranscriptEviction(t *testing.T) {
	s := setupTestStore(t)
	truncate(t, s, "conversations, conversation_turns")
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	t.Cleanup(func() { s.SetClock(time.Now) })

	tr := s.Transcripts(2, quietLogger())
	for _, id := range []string{"evict-a", "evict-b", "evict-c"} {
		clock = clock.Add(time.Second)
		if _, err := tr.Append(ctx, conversation.Key{User: "u1", ID: id}, 0, conversation.Turn{Role: conversation.RoleUser, Content: "q"}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	got, err := tr.Get(ctx, conversation.Key{User: "u1", ID: "evict-a"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected oldest conversation to be evicted, got %d turns", len(got))
	}
	got, err = tr.Get(ctx, conversation.Key{User: "u1", ID: "evict-c"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected newest conversation to survive, got %d turns", len(got))
	}
}

func TestIntegration_Ledger(t *testing.T) {
	s := setupTestStore(t)
	t.Cleanup(func() { s.SetClock(time.Now) })
	quotatest.Run(t, func(t *testing.T, base time.Time) quota.Ledger {
		truncate(t, s, "quota_ledger")
		s.SetClock(func() time.Time { return base })
		return s.Ledger(quotatest.Limiters)
	})
}

func TestIntegration_Documents(t *testing.T) {
	s := setupTestStore(t)
	truncate(t, s, "reference_documents")
	ctx := context.Background()
	docs := s.Documents()

	seed := []struct{ id, title, body string }{
		{"kb-1", "Quota policy", "Each user receives a monthly token quota that is replenished every period."},
		{"kb-2", "Billing", "Invoices are sent at the end of each month."},
		{"kb-3", "Quota increase", "A quota increase is granted per elapsed period, quota quota quota."},
	}
	for _, d := range seed {
		if err := docs.Put(ctx, d.id, d.title, d.body); err != nil {
			t.Fatalf("put %s: %v", d.id, err)
		}
	}

	got, err := docs.Retrieve(ctx, "quota", 5)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got[0].Score != 1 {
		t.Errorf("expected top hit to be normalized to 1, got %f", got[0].Score)
	}
	for _, d := range got {
		if d.SourceID == "kb-2" {
			t.Error("billing document must not match")
		}
	}

	got, err = docs.Retrieve(ctx, "   ", 5)
	if err != nil || got != nil {
		t.Errorf("expected no hits for a blank query, got %v, %v", got, err)
	}
}
