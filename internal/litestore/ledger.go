package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/warden/internal/quota"
)

// Ledger implements quota.Ledger on the quota_ledger table.
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

func (l *Ledger) reserve(ctx context.Context, claims []quota.Claim) ([]int64, error) {
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, quota.Unavailable("reserve", err)
	}
	defer tx.Rollback()

	balances := make([]int64, len(claims))
	for i, c := range claims {
		balances[i], err = l.balance(ctx, tx, c.Limiter, c.Subject)
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
	for i, c := range claims {
		if err := adjust(ctx, tx, c.Limiter, c.Subject, -c.Amount); err != nil {
			return nil, quota.Unavailable("reserve", err)
		}
		balances[i] -= c.Amount
	}
	if err := tx.Commit(); err != nil {
		return nil, quota.Unavailable("reserve", fmt.Errorf("commit: %w", err))
	}
	return balances, nil
}

// balance returns the current balance, creating the row at the limiter's
// initial quota on first reference.
func (l *Ledger) balance(ctx context.Context, tx *sql.Tx, limiter, subject string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quota_ledger (limiter, subject, available, replenished_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (limiter, subject) DO NOTHING`,
		limiter, subject, l.limiters[limiter].InitialQuota, l.store.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("ensure %s/%s: %w", limiter, subject, err)
	}
	var available int64
	err = tx.QueryRowContext(ctx, `SELECT available FROM quota_ledger WHERE limiter = ? AND subject = ?`,
		limiter, subject).Scan(&available)
	if err != nil {
		return 0, fmt.Errorf("read %s/%s: %w", limiter, subject, err)
	}
	return available, nil
}

func adjust(ctx context.Context, tx *sql.Tx, limiter, subject string, delta int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE quota_ledger SET available = available + ? WHERE limiter = ? AND subject = ?`,
		delta, limiter, subject)
	if err != nil {
		return fmt.Errorf("adjust %s/%s: %w", limiter, subject, err)
	}
	return nil
}

func (l *Ledger) Release(ctx context.Context, r *quota.Reservation) error {
	if r == nil || r.Done() {
		return nil
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range r.Claims {
			if err := adjust(ctx, tx, c.Limiter, c.Subject, c.Amount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return quota.Unavailable("release", err)
	}
	r.MarkDone()
	return nil
}

func (l *Ledger) Settle(ctx context.Context, r *quota.Reservation, actual int64) error {
	if r == nil || r.Done() {
		return nil
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range r.Claims {
			available, err := l.balance(ctx, tx, c.Limiter, c.Subject)
			if err != nil {
				return err
			}
			if delta := quota.SettleDelta(c.Amount, actual, available); delta != 0 {
				if err := adjust(ctx, tx, c.Limiter, c.Subject, -delta); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return quota.Unavailable("settle", err)
	}
	r.MarkDone()
	return nil
}

func (l *Ledger) Available(ctx context.Context, limiter, subject string) (int64, error) {
	if _, ok := l.limiters[limiter]; !ok {
		return 0, fmt.Errorf("%w: %s", quota.ErrUnknownLimiter, limiter)
	}
	var available int64
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		available, err = l.balance(ctx, tx, limiter, subject)
		return err
	})
	if err != nil {
		return 0, quota.Unavailable("available", err)
	}
	return available, nil
}

// Replenish credits every due subject of lim in one transaction.
func (l *Ledger) Replenish(ctx context.Context, lim quota.Limiter, now time.Time) (int, error) {
	if _, ok := l.limiters[lim.Name]; !ok {
		return 0, fmt.Errorf("%w: %s", quota.ErrUnknownLimiter, lim.Name)
	}
	if lim.Period <= 0 || lim.QuotaIncrease <= 0 {
		return 0, nil
	}

	granted := 0
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		type row struct {
			subject   string
			available int64
			last      int64
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT subject, available, replenished_at FROM quota_ledger
			WHERE limiter = ? AND replenished_at <= ?`,
			lim.Name, now.Add(-lim.Period).UnixNano())
		if err != nil {
			return fmt.Errorf("query due subjects: %w", err)
		}
		var due []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.subject, &r.available, &r.last); err != nil {
				rows.Close()
				return fmt.Errorf("scan subject: %w", err)
			}
			due = append(due, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		for _, r := range due {
			next, at, periods := quota.Grant(lim, r.available, time.Unix(0, r.last), now)
			if periods == 0 {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE quota_ledger SET available = ?, replenished_at = ?
				WHERE limiter = ? AND subject = ?`, next, at.UnixNano(), lim.Name, r.subject)
			if err != nil {
				return fmt.Errorf("update %s/%s: %w", lim.Name, r.subject, err)
			}
			granted++
		}
		return nil
	})
	if err != nil {
		return 0, quota.Unavailable("replenish", err)
	}
	return granted, nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
