package hermes

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCommitFailedEventParsing(t *testing.T) {
	raw := `{
		"conversation_id": "conv-001",
		"user_id": "u1",
		"reservation_id": "7d0f5c1e-4e0b-4a3e-8d1b-6b2f6c1f9a77",
		"stage": "append",
		"tokens_used": 42,
		"question": "how do I scale a deployment?",
		"answer": "use kubectl scale",
		"error": "conversation cache unavailable",
		"timestamp": "2026-01-02T03:04:05Z"
	}`

	var evt CommitFailedEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("failed to parse CommitFailedEvent: %v", err)
	}
	if evt.ConversationID != "conv-001" {
		t.Errorf("expected conversation_id 'conv-001', got '%s'", evt.ConversationID)
	}
	if evt.Stage != "append" {
		t.Errorf("expected stage 'append', got '%s'", evt.Stage)
	}
	if evt.TokensUsed != 42 {
		t.Errorf("expected tokens_used 42, got %d", evt.TokensUsed)
	}
	if !evt.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %v", evt.Timestamp)
	}
}

func TestQuotaExceededEventFields(t *testing.T) {
	evt := QuotaExceededEvent{Limiter: "user_monthly_limits", Subject: "u1", Available: 0, Needed: 1}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if m["limiter"] != "user_monthly_limits" {
		t.Errorf("expected limiter field, got %v", m["limiter"])
	}
	if m["available"] != float64(0) {
		t.Errorf("expected available 0, got %v", m["available"])
	}
}

func TestSubjectConstants(t *testing.T) {
	if SubjectCommitFailed != "swarm.warden.commit.failed" {
		t.Errorf("unexpected SubjectCommitFailed %q", SubjectCommitFailed)
	}
	if SubjectQuotaExceeded != "swarm.warden.quota.exceeded" {
		t.Errorf("unexpected SubjectQuotaExceeded %q", SubjectQuotaExceeded)
	}
}
