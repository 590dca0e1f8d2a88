package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/warden/internal/quota"
	"github.com/MikeSquared-Agency/warden/internal/quota/quotatest"
)

func newTestLedger(t *testing.T, db *fakeDynamo, base time.Time) *Ledger {
	t.Helper()
	l, err := NewLedger(db, "warden-conversations", quotatest.Limiters)
	require.NoError(t, err)
	l.now = func() time.Time { return base }
	return l
}

func TestLedgerContract(t *testing.T) {
	quotatest.Run(t, func(t *testing.T, base time.Time) quota.Ledger {
		return newTestLedger(t, newFakeDynamo(), base)
	})
}

func TestNewLedger_Validation(t *testing.T) {
	_, err := NewLedger(nil, "table", nil)
	require.Error(t, err)
	_, err = NewLedger(newFakeDynamo(), "", nil)
	require.Error(t, err)
}

func TestLedger_ReplicasShareBalances(t *testing.T) {
	db := newFakeDynamo()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestLedger(t, db, base)
	b := newTestLedger(t, db, base)
	ctx := context.Background()

	d, err := a.TryConsume(ctx, "user_monthly_limits", "u1", 6)
	require.NoError(t, err)
	require.True(t, d.Granted)

	d, err = b.TryConsume(ctx, "user_monthly_limits", "u1", 6)
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.EqualValues(t, 4, d.Remaining)
}

func TestLedger_ReplenishGrantsAPeriodOnce(t *testing.T) {
	db := newFakeDynamo()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := newTestLedger(t, db, base)
	b := newTestLedger(t, db, base)
	ctx := context.Background()
	user := quotatest.Limiters[0]

	_, err := a.Available(ctx, user.Name, "u1")
	require.NoError(t, err)
	n, err := a.Replenish(ctx, user, base.Add(user.Period))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = b.Replenish(ctx, user, base.Add(user.Period))
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := b.Available(ctx, user.Name, "u1")
	require.NoError(t, err)
	require.Equal(t, user.InitialQuota+user.QuotaIncrease, got)
}

func TestLedger_BackendErrorIsUnavailable(t *testing.T) {
	db := newFakeDynamo()
	db.updateErr = errors.New("throttled")
	l := newTestLedger(t, db, time.Now())

	_, err := l.TryConsume(context.Background(), "user_monthly_limits", "u1", 1)
	require.ErrorIs(t, err, quota.ErrUnavailable)
	require.Contains(t, err.Error(), "throttled")
}

func TestLedger_ReleaseFailureKeepsReservationOpen(t *testing.T) {
	db := newFakeDynamo()
	l := newTestLedger(t, db, time.Now())
	ctx := context.Background()
	r, err := l.Reserve(ctx, []quota.Claim{
		{Limiter: "user_monthly_limits", Subject: "u1", Amount: 2},
		{Limiter: "cluster_monthly_limits", Subject: quota.ClusterSubject, Amount: 1},
	})
	require.NoError(t, err)

	db.txErr = errors.New("throttled")
	require.ErrorIs(t, l.Release(ctx, r), quota.ErrUnavailable)
	require.False(t, r.Done())

	db.txErr = nil
	require.NoError(t, l.Release(ctx, r))
	got, err := l.Available(ctx, "user_monthly_limits", "u1")
	require.NoError(t, err)
	require.EqualValues(t, 10, got)
}
