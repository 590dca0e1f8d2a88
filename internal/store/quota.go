package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/warden/internal/quota"
)

// Ledger implements quota.Ledger on the quota_ledger table. Each balance is a
// row; reservations lock their rows with SELECT ... FOR UPDATE in claim order
// so concurrent multi-limiter reservations cannot deadlock.
type Ledger struct {
	store    *Store
	limiters map[string]quota.Limiter
}

func (s *Store) Ledger(limiters []quota.Limiter) *Ledger {
	return &Ledger{store: s, limiters: quota.Index(limiters)}
}

func (l *Ledger) TryConsume(ctx context.Context, limiter, subject string, amount int64) (quota.Decision, error) {
	claims, err := quota.NormalizeClaims([]quota.Claim{{Limiter: limiter, Subject: subject, Amount: amount}}, l.limiters)
	if err != nil {
		return quota.Decision{}, err
	}
	remaining, err := l.reserve(ctx, claims)
	if err != nil {
		var ex *quota.ExceededError
		if errors.As(err, &ex) {
			return quota.Decision{Granted: false, Remaining: ex.Available}, nil
		}
		return quota.Decision{}, err
	}
	return quota.Decision{Granted: true, Remaining: remaining[0]}, nil
}

func (l *Ledger) Reserve(ctx context.Context, claims []quota.Claim) (*quota.Reservation, error) {
	claims, err := quota.NormalizeClaims(claims, l.limiters)
	if err != nil {
		return nil, err
	}
	if _, err := l.reserve(ctx, claims); err != nil {
		return nil, err
	}
	return quota.NewReservation(claims, l.store.now()), nil
}

// reserve debits every claim or none and returns the balances left.
func (l *Ledger) reserve(ctx context.Context, claims []quota.Claim) ([]int64, error) {
	tx, err := l.store.pool.Begin(ctx)
	if err != nil {
		return nil, quota.Unavailable("reserve", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := l.ensure(ctx, tx, claims); err != nil {
		return nil, quota.Unavailable("reserve", err)
	}

	balances := make([]int64, len(claims))
	for i, c := range claims {
		balances[i], err = lockBalance(ctx, tx, c.Limiter, c.Subject)
		if err != nil {
			return nil, quota.Unavailable("reserve", err)
		}
	}
	for i, c := range claims {
		if balances[i] < c.Amount {
			return nil, &quota.ExceededError{
				Limiter:   c.Limiter,
				Subject:   c.Subject,
				Available: balances[i],
				Needed:    c.Amount,
			}
		}
	}

	batch := &pgx.Batch{}
	for i, c := range claims {
		batch.Queue(`UPDATE quota_ledger SET available = available - $3 WHERE limiter = $1 AND subject = $2`,
			c.Limiter, c.Subject, c.Amount)
		balances[i] -= c.Amount
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, quota.Unavailable("reserve", fmt.Errorf("debit: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, quota.Unavailable("reserve", fmt.Errorf("commit: %w", err))
	}
	return balances, nil
}

// ensure creates missing rows at the limiter's initial quota.
func (l *Ledger) ensure(ctx context.Context, tx pgx.Tx, claims []quota.Claim) error {
	now := l.store.now().UTC()
	batch := &pgx.Batch{}
	for _, c := range claims {
		batch.Queue(`
			INSERT INTO quota_ledger (limiter, subject, available, replenished_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (limiter, subject) DO NOTHING`,
			c.Limiter, c.Subject, l.limiters[c.Limiter].InitialQuota, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("ensure ledger rows: %w", err)
	}
	return nil
}

func lockBalance(ctx context.Context, tx pgx.Tx, limiter, subject string) (int64, error) {
	var available int64
	err := tx.QueryRow(ctx, `
		SELECT available FROM quota_ledger
		WHERE limiter = $1 AND subject = $2
		FOR UPDATE`, limiter, subject).Scan(&available)
	if err != nil {
		return 0, fmt.Errorf("lock %s/%s: %w", limiter, subject, err)
	}
	return available, nil
}

func (l *Ledger) Release(ctx context.Context, r *quota.Reservation) error {
	if r == nil || r.Done() {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range r.Claims {
		batch.Queue(`UPDATE quota_ledger SET available = available + $3 WHERE limiter = $1 AND subject = $2`,
			c.Limiter, c.Subject, c.Amount)
	}
	if err := l.store.pool.SendBatch(ctx, batch).Close(); err != nil {
		return quota.Unavailable("release", err)
	}
	r.MarkDone()
	return nil
}

func (l *Ledger) Settle(ctx context.Context, r *quota.Reservation, actual int64) error {
	if r == nil || r.Done() {
		return nil
	}
	tx, err := l.store.pool.Begin(ctx)
	if err != nil {
		return quota.Unavailable("settle", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, c := range r.Claims {
		available, err := lockBalance(ctx, tx, c.Limiter, c.Subject)
		if err != nil {
			return quota.Unavailable("settle", err)
		}
		delta := quota.SettleDelta(c.Amount, actual, available)
		if delta == 0 {
			continue
		}
		_, err = tx.Exec(ctx, `UPDATE quota_ledger SET available = available - $3 WHERE limiter = $1 AND subject = $2`,
			c.Limiter, c.Subject, delta)
		if err != nil {
			return quota.Unavailable("settle", fmt.Errorf("update %s/%s: %w", c.Limiter, c.Subject, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return quota.Unavailable("settle", fmt.Errorf("commit: %w", err))
	}
	r.MarkDone()
	return nil
}

func (l *Ledger) Available(ctx context.Context, limiter, subject string) (int64, error) {
	lim, ok := l.limiters[limiter]
	if !ok {
		return 0, fmt.Errorf("%w: %s", quota.ErrUnknownLimiter, limiter)
	}
	var available int64
	err := l.store.pool.QueryRow(ctx, `
		INSERT INTO quota_ledger (limiter, subject, available, replenished_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (limiter, subject) DO UPDATE SET limiter = EXCLUDED.limiter
		RETURNING available`,
		limiter, subject, lim.InitialQuota, l.store.now().UTC()).Scan(&available)
	if err != nil {
		return 0, quota.Unavailable("available", err)
	}
	return available, nil
}

// Replenish credits every due subject of lim. Each subject is updated in its
// own short transaction so a large limiter never holds many row locks.
func (l *Ledger) Replenish(ctx context.Context, lim quota.Limiter, now time.Time) (int, error) {
	if _, ok := l.limiters[lim.Name]; !ok {
		return 0, fmt.Errorf("%w: %s", quota.ErrUnknownLimiter, lim.Name)
	}
	if lim.Period <= 0 || lim.QuotaIncrease <= 0 {
		return 0, nil
	}

	due, err := l.dueSubjects(ctx, lim, now)
	if err != nil {
		return 0, quota.Unavailable("replenish", err)
	}

	granted := 0
	var errs []error
	for _, subject := range due {
		ok, err := l.replenishOne(ctx, lim, subject, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			granted++
		}
	}
	if len(errs) > 0 {
		return granted, quota.Unavailable("replenish", errors.Join(errs...))
	}
	return granted, nil
}

func (l *Ledger) dueSubjects(ctx context.Context, lim quota.Limiter, now time.Time) ([]string, error) {
	rows, err := l.store.pool.Query(ctx, `
		SELECT subject FROM quota_ledger
		WHERE limiter = $1 AND replenished_at <= $2
		ORDER BY subject`, lim.Name, now.Add(-lim.Period))
	if err != nil {
		return nil, fmt.Errorf("query due subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return subjects, nil
}

func (l *Ledger) replenishOne(ctx context.Context, lim quota.Limiter, subject string, now time.Time) (bool, error) {
	tx, err := l.store.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var available int64
	var last time.Time
	err = tx.QueryRow(ctx, `
		SELECT available, replenished_at FROM quota_ledger
		WHERE limiter = $1 AND subject = $2
		FOR UPDATE`, lim.Name, subject).Scan(&available, &last)
	if err != nil {
		return false, fmt.Errorf("lock %s/%s: %w", lim.Name, subject, err)
	}

	next, at, periods := quota.Grant(lim, available, last, now)
	if periods == 0 {
		return false, nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE quota_ledger SET available = $3, replenished_at = $4
		WHERE limiter = $1 AND subject = $2`, lim.Name, subject, next, at.UTC())
	if err != nil {
		return false, fmt.Errorf("update %s/%s: %w", lim.Name, subject, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
