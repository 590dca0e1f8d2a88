// Package conversation holds transcript types and the Cache contract shared
// by every transcript backend.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	maxIDLength   = 128
	maxUserLength = 256
)

// AtEnd as the base of an append skips the stale-write check.
const AtEnd = -1

var (
	// ErrInvalidTurn is returned when a turn would break user/assistant alternation
	// or carries no content.
	ErrInvalidTurn = errors.New("invalid turn")

	// ErrInvalidID is returned for conversation IDs that are empty, too long or
	// contain characters outside the allowed set.
	ErrInvalidID = errors.New("invalid conversation id")

	// ErrInvalidUser is returned for an empty or oversized owner.
	ErrInvalidUser = errors.New("invalid user id")

	// ErrStale is returned when an append names a base length that no longer
	// matches the stored transcript.
	ErrStale = errors.New("transcript changed since it was read")

	// ErrUnavailable wraps every backend read/write failure. Callers must treat it
	// as retryable and never as an empty transcript.
	ErrUnavailable = errors.New("conversation cache unavailable")
)

// Key identifies a conversation. Conversations belong to the user that
// created them; the same ID under another user is a different conversation.
type Key struct {
	User string
	ID   string
}

// Validate checks both parts of the key.
func (k Key) Validate() error {
	if err := ValidateUser(k.User); err != nil {
		return err
	}
	return ValidateID(k.ID)
}

// Summary describes one stored conversation in a listing.
type Summary struct {
	ID        string    `json:"conversation_id"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"last_message_at"`
}

// Turn is one side of an exchange. Turns are immutable once written.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the chronological turn history of one conversation.
type Transcript []Turn

// Last returns the newest turn, or false for an empty transcript.
func (t Transcript) Last() (Turn, bool) {
	if len(t) == 0 {
		return Turn{}, false
	}
	return t[len(t)-1], true
}

// NextRole is the role the next appended turn must carry.
func (t Transcript) NextRole() Role {
	return nextRole(len(t))
}

// CanAppend reports whether turns may be appended to t, in order.
func (t Transcript) CanAppend(turns ...Turn) error {
	return CheckBatch(len(t), turns)
}

// Validate checks the whole transcript: first turn user, strict alternation,
// non-empty content.
func (t Transcript) Validate() error {
	for i, turn := range t {
		if err := CheckNext(i, turn); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
	}
	return nil
}

// CheckNext validates turn as the turn at position count (zero-based). Backends
// that only know the turn count use this instead of loading the transcript.
func CheckNext(count int, turn Turn) error {
	if strings.TrimSpace(turn.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidTurn)
	}
	want := nextRole(count)
	if turn.Role != want {
		return fmt.Errorf("%w: expected %s turn at position %d, got %q", ErrInvalidTurn, want, count, turn.Role)
	}
	return nil
}

// CheckBatch validates turns as the turns following position count.
func CheckBatch(count int, turns []Turn) error {
	if len(turns) == 0 {
		return fmt.Errorf("%w: no turns to append", ErrInvalidTurn)
	}
	for i, turn := range turns {
		if err := CheckNext(count+i, turn); err != nil {
			return err
		}
	}
	return nil
}

// CheckAppend validates turns as an append to a transcript of count turns
// that the caller last saw with base turns. A negative base accepts any count.
func CheckAppend(count, base int, turns []Turn) error {
	if base >= 0 && base != count {
		return fmt.Errorf("%w: stored %d turns, expected %d", ErrStale, count, base)
	}
	return CheckBatch(count, turns)
}

// Holds reports whether t contains turns, by role and content, starting at
// position base.
func (t Transcript) Holds(base int, turns []Turn) bool {
	if base < 0 || len(t) < base+len(turns) {
		return false
	}
	for i, turn := range turns {
		got := t[base+i]
		if got.Role != turn.Role || got.Content != turn.Content {
			return false
		}
	}
	return true
}

// Stamp returns a copy of turns with zero timestamps set to now.
func Stamp(turns []Turn, now time.Time) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		out[i] = t
	}
	return out
}

func nextRole(count int) Role {
	if count%2 == 0 {
		return RoleUser
	}
	return RoleAssistant
}

// ValidateUser checks the owner part of a key.
func ValidateUser(user string) error {
	if strings.TrimSpace(user) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUser)
	}
	if len(user) > maxUserLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidUser, maxUserLength)
	}
	return nil
}

// ValidateID checks a caller-supplied conversation ID.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, maxIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidID, r)
		}
	}
	return nil
}

// Unavailable wraps a backend error so it matches ErrUnavailable while keeping
// the cause inspectable.
func Unavailable(op string, err error) error {
	return &backendError{op: op, err: err}
}

type backendError struct {
	op  string
	err error
}

func (e *backendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.op, e.err)
}

func (e *backendError) Unwrap() []error {
	return []error{ErrUnavailable, e.err}
}
