package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type entryKey struct {
	limiter string
	subject string
}

type entry struct {
	mu            sync.Mutex
	available     int64
	replenishedAt time.Time
}

// MemoryLedger is the single-process Ledger. Each subject has its own lock so
// different subjects never contend; multi-claim reservations take the locks
// in NormalizeClaims order.
type MemoryLedger struct {
	limiters map[string]Limiter
	now      func() time.Time

	mu      sync.Mutex
	entries map[entryKey]*entry
}

func NewMemoryLedger(limiters []Limiter) *MemoryLedger {
	return &MemoryLedger{
		limiters: Index(limiters),
		now:      time.Now,
		entries:  make(map[entryKey]*entry),
	}
}

// SetClock replaces the time source used for lazily created entries.
func (m *MemoryLedger) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryLedger) entry(limiter, subject string) (*entry, error) {
	l, ok := m.limiters[limiter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLimiter, limiter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey{limiter, subject}
	e, ok := m.entries[k]
	if !ok {
		e = &entry{available: l.InitialQuota, replenishedAt: m.now()}
		m.entries[k] = e
	}
	return e, nil
}

func (m *MemoryLedger) TryConsume(ctx context.Context, limiter, subject string, amount int64) (Decision, error) {
	r, err := m.Reserve(ctx, []Claim{{Limiter: limiter, Subject: subject, Amount: amount}})
	if err != nil {
		var ex *ExceededError
		if errors.As(err, &ex) {
			return Decision{Granted: false, Remaining: ex.Available}, nil
		}
		return Decision{}, err
	}
	r.MarkDone()
	remaining, err := m.Available(ctx, limiter, subject)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Granted: true, Remaining: remaining}, nil
}

func (m *MemoryLedger) Reserve(_ context.Context, claims []Claim) (*Reservation, error) {
	claims, err := NormalizeClaims(claims, m.limiters)
	if err != nil {
		return nil, err
	}
	entries := make([]*entry, len(claims))
	for i, c := range claims {
		e, err := m.entry(c.Limiter, c.Subject)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}

	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for _, e := range entries {
			e.mu.Unlock()
		}
	}()

	for i, c := range claims {
		if entries[i].available < c.Amount {
			return nil, &ExceededError{
				Limiter:   c.Limiter,
				Subject:   c.Subject,
				Available: entries[i].available,
				Needed:    c.Amount,
			}
		}
	}
	for i, c := range claims {
		entries[i].available -= c.Amount
	}
	return NewReservation(claims, m.now()), nil
}

func (m *MemoryLedger) Release(_ context.Context, r *Reservation) error {
	if r == nil || r.Done() {
		return nil
	}
	for _, c := range r.Claims {
		e, err := m.entry(c.Limiter, c.Subject)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.available += c.Amount
		e.mu.Unlock()
	}
	r.MarkDone()
	return nil
}

func (m *MemoryLedger) Settle(_ context.Context, r *Reservation, actual int64) error {
	if r == nil || r.Done() {
		return nil
	}
	for _, c := range r.Claims {
		e, err := m.entry(c.Limiter, c.Subject)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.available -= SettleDelta(c.Amount, actual, e.available)
		e.mu.Unlock()
	}
	r.MarkDone()
	return nil
}

func (m *MemoryLedger) Available(_ context.Context, limiter, subject string) (int64, error) {
	e, err := m.entry(limiter, subject)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.available, nil
}

// Replenish credits every subject of l whose period has elapsed. Each subject
// is updated under its own lock only.
func (m *MemoryLedger) Replenish(_ context.Context, l Limiter, now time.Time) (int, error) {
	if _, ok := m.limiters[l.Name]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLimiter, l.Name)
	}
	m.mu.Lock()
	due := make([]*entry, 0, len(m.entries))
	for k, e := range m.entries {
		if k.limiter == l.Name {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	granted := 0
	for _, e := range due {
		e.mu.Lock()
		var periods int64
		e.available, e.replenishedAt, periods = Grant(l, e.available, e.replenishedAt, now)
		e.mu.Unlock()
		if periods > 0 {
			granted++
		}
	}
	return granted, nil
}
