package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrExceeded matches every *ExceededError.
	ErrExceeded = errors.New("quota exceeded")

	ErrUnknownLimiter = errors.New("unknown limiter")
	ErrInvalidAmount  = errors.New("quota amount must be positive")

	// ErrUnavailable wraps ledger backend failures; callers may retry.
	ErrUnavailable = errors.New("quota ledger unavailable")
)

// ExceededError reports the first limiter that denied a reservation.
type ExceededError struct {
	Limiter   string
	Subject   string
	Available int64
	Needed    int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: limiter %s subject %s has %d tokens, %d needed",
		e.Limiter, e.Subject, e.Available, e.Needed)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// Unavailable wraps a backend failure so it matches ErrUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Claim asks for Amount tokens from Subject under Limiter.
type Claim struct {
	Limiter string `json:"limiter"`
	Subject string `json:"subject"`
	Amount  int64  `json:"amount"`
}

// Decision is the outcome of a single TryConsume.
type Decision struct {
	Granted   bool  `json:"granted"`
	Remaining int64 `json:"remaining"`
}

// Reservation is a debit held against one or more ledgers until it is
// released (refunded) or settled to the actual consumption.
type Reservation struct {
	ID         uuid.UUID
	Claims     []Claim
	ReservedAt time.Time

	done atomic.Bool
}

// Done reports whether the reservation was already released or settled.
func (r *Reservation) Done() bool { return r.done.Load() }

// MarkDone is called by a backend after a successful Release or Settle.
func (r *Reservation) MarkDone() { r.done.Store(true) }

// Ledger tracks available quota per (limiter, subject).
//
// Reserve is all-or-nothing: if any claim cannot be met, nothing is debited
// and an *ExceededError is returned. Available never drops below zero.
type Ledger interface {
	TryConsume(ctx context.Context, limiter, subject string, amount int64) (Decision, error)
	Reserve(ctx context.Context, claims []Claim) (*Reservation, error)
	Release(ctx context.Context, r *Reservation) error
	Settle(ctx context.Context, r *Reservation, actual int64) error
	Available(ctx context.Context, limiter, subject string) (int64, error)
	Replenish(ctx context.Context, l Limiter, now time.Time) (int, error)
}

// NewReservation builds a reservation for already-debited claims.
func NewReservation(claims []Claim, at time.Time) *Reservation {
	return &Reservation{ID: uuid.New(), Claims: claims, ReservedAt: at}
}

// NormalizeClaims validates claims, merges duplicates and sorts them by
// (limiter, subject). Backends lock in this order.
func NormalizeClaims(claims []Claim, limiters map[string]Limiter) ([]Claim, error) {
	if len(claims) == 0 {
		return nil, errors.New("no claims")
	}
	merged := make(map[[2]string]int64, len(claims))
	for _, c := range claims {
		if c.Amount <= 0 {
			return nil, fmt.Errorf("%w: %s/%s: %d", ErrInvalidAmount, c.Limiter, c.Subject, c.Amount)
		}
		if _, ok := limiters[c.Limiter]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLimiter, c.Limiter)
		}
		if c.Subject == "" {
			return nil, fmt.Errorf("claim on %s: empty subject", c.Limiter)
		}
		merged[[2]string{c.Limiter, c.Subject}] += c.Amount
	}
	out := make([]Claim, 0, len(merged))
	for k, amount := range merged {
		out = append(out, Claim{Limiter: k[0], Subject: k[1], Amount: amount})
	}
	slices.SortFunc(out, func(a, b Claim) int {
		if c := strings.Compare(a.Limiter, b.Limiter); c != 0 {
			return c
		}
		return strings.Compare(a.Subject, b.Subject)
	})
	return out, nil
}

// SettleDelta returns how much must be debited (positive) or refunded
// (negative) to turn a reservation of reserved into a charge of actual, given
// the current balance. Extra debit is clamped so the balance stays >= 0.
func SettleDelta(reserved, actual, available int64) int64 {
	if actual < 0 {
		actual = 0
	}
	delta := actual - reserved
	if delta > available {
		delta = available
	}
	return delta
}

// Index builds the name lookup backends use.
func Index(limiters []Limiter) map[string]Limiter {
	m := make(map[string]Limiter, len(limiters))
	for _, l := range limiters {
		m[l.Name] = l
	}
	return m
}
