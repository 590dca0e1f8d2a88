package hermes

import "time"

// Governance event subjects published by warden.
const (
	SubjectQuotaExceeded    = "swarm.warden.quota.exceeded"
	SubjectQuotaReplenished = "swarm.warden.quota.replenished"
	SubjectCommitFailed     = "swarm.warden.commit.failed"
	SubjectRegistered       = "swarm.agent.warden.registered"
)

// QuotaExceededEvent is emitted when admission denies a request.
type QuotaExceededEvent struct {
	ConversationID string    `json:"conversation_id"`
	Limiter        string    `json:"limiter"`
	Subject        string    `json:"subject"`
	Available      int64     `json:"available"`
	Needed         int64     `json:"needed"`
	Timestamp      time.Time `json:"timestamp"`
}

// CommitFailedEvent carries enough of a finished exchange to reconcile the
// transcript or ledger after a failed commit.
type CommitFailedEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReservationID  string    `json:"reservation_id"`
	Stage          string    `json:"stage"` // "append" or "settle"
	TokensUsed     int64     `json:"tokens_used"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	Error          string    `json:"error"`
	Timestamp      time.Time `json:"timestamp"`
}

// ReplenishedEvent summarises one scheduler tick for a limiter.
type ReplenishedEvent struct {
	Limiter   string    `json:"limiter"`
	Subjects  int       `json:"subjects"`
	Increase  int64     `json:"quota_increase"`
	Timestamp time.Time `json:"timestamp"`
}
