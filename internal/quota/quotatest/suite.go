// Package quotatest provides the behavioural suite every quota.Ledger backend
// runs against itself.
package quotatest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/warden/internal/quota"
)

// Limiters are the limiter definitions the suite expects the factory to
// configure the ledger with.
var Limiters = []quota.Limiter{
	{Name: "user_monthly_limits", Kind: quota.KindUser, InitialQuota: 10, QuotaIncrease: 5, Period: 30 * time.Second},
	{Name: "cluster_monthly_limits", Kind: quota.KindCluster, InitialQuota: 3, QuotaIncrease: 1, Period: time.Minute},
	{Name: "capped", Kind: quota.KindUser, InitialQuota: 2, QuotaIncrease: 10, Period: time.Second, Cap: 15},
}

const (
	userLimiter    = "user_monthly_limits"
	clusterLimiter = "cluster_monthly_limits"
)

// Factory returns a fresh ledger configured with Limiters. Replenishment
// arithmetic is measured relative to base, which the ledger must use as "now"
// for lazily created entries.
type Factory func(t *testing.T, base time.Time) quota.Ledger

// Run exercises the Ledger contract.
func Run(t *testing.T, newLedger Factory) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("lazy initial quota", func(t *testing.T) {
		l := newLedger(t, base)
		got, err := l.Available(context.Background(), userLimiter, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 10, got)
	})

	t.Run("try consume never overdraws", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		d, err := l.TryConsume(ctx, userLimiter, "u1", 7)
		require.NoError(t, err)
		require.True(t, d.Granted)
		require.EqualValues(t, 3, d.Remaining)

		d, err = l.TryConsume(ctx, userLimiter, "u1", 4)
		require.NoError(t, err)
		require.False(t, d.Granted)
		require.EqualValues(t, 3, d.Remaining)
	})

	t.Run("concurrent consumers grant exactly the balance", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		const callers = 25

		var granted, denied atomic.Int64
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.TryConsume(ctx, userLimiter, "u-race", 1)
				if err != nil {
					errs <- err
					return
				}
				if d.Remaining < 0 {
					errs <- errors.New("observed negative remaining")
					return
				}
				if d.Granted {
					granted.Add(1)
				} else {
					denied.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		require.EqualValues(t, 10, granted.Load())
		require.EqualValues(t, callers-10, denied.Load())

		got, err := l.Available(ctx, userLimiter, "u-race")
		require.NoError(t, err)
		require.Zero(t, got)
	})

	t.Run("multi limiter denial debits nothing", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		_, err := l.Reserve(ctx, []quota.Claim{
			{Limiter: userLimiter, Subject: "u1", Amount: 5},
			{Limiter: clusterLimiter, Subject: quota.ClusterSubject, Amount: 5},
		})
		require.ErrorIs(t, err, quota.ErrExceeded)
		var ex *quota.ExceededError
		require.ErrorAs(t, err, &ex)
		require.Equal(t, clusterLimiter, ex.Limiter)
		require.EqualValues(t, 3, ex.Available)

		user, err := l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 10, user)
		cluster, err := l.Available(ctx, clusterLimiter, quota.ClusterSubject)
		require.NoError(t, err)
		require.EqualValues(t, 3, cluster)
	})

	t.Run("release refunds once", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		r, err := l.Reserve(ctx, []quota.Claim{
			{Limiter: userLimiter, Subject: "u1", Amount: 4},
			{Limiter: clusterLimiter, Subject: quota.ClusterSubject, Amount: 1},
		})
		require.NoError(t, err)

		got, err := l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 6, got)

		require.NoError(t, l.Release(ctx, r))
		require.NoError(t, l.Release(ctx, r))

		got, err = l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 10, got)
		got, err = l.Available(ctx, clusterLimiter, quota.ClusterSubject)
		require.NoError(t, err)
		require.EqualValues(t, 3, got)
	})

	t.Run("settle charges actual and clamps at zero", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		r, err := l.Reserve(ctx, []quota.Claim{{Limiter: userLimiter, Subject: "u1", Amount: 1}})
		require.NoError(t, err)
		require.NoError(t, l.Settle(ctx, r, 4))
		got, err := l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 6, got)

		r, err = l.Reserve(ctx, []quota.Claim{{Limiter: userLimiter, Subject: "u1", Amount: 1}})
		require.NoError(t, err)
		require.NoError(t, l.Settle(ctx, r, 500))
		got, err = l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.Zero(t, got)

		// A settled reservation cannot be refunded afterwards.
		require.NoError(t, l.Release(ctx, r))
		got, err = l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.Zero(t, got)
	})

	t.Run("settle below reservation refunds the difference", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		r, err := l.Reserve(ctx, []quota.Claim{{Limiter: userLimiter, Subject: "u1", Amount: 8}})
		require.NoError(t, err)
		require.NoError(t, l.Settle(ctx, r, 3))
		got, err := l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 7, got)
	})

	t.Run("unknown limiter", func(t *testing.T) {
		l := newLedger(t, base)
		_, err := l.TryConsume(context.Background(), "nope", "u1", 1)
		require.ErrorIs(t, err, quota.ErrUnknownLimiter)
	})

	t.Run("replenish catches up missed periods", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		user := Limiters[0]
		_, err := l.TryConsume(ctx, userLimiter, "u1", 10)
		require.NoError(t, err)

		n, err := l.Replenish(ctx, user, base.Add(20*time.Second))
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = l.Replenish(ctx, user, base.Add(65*time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		got, err := l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 10, got)

		// Phase is kept: the next period ends at base+90s, not base+95s.
		n, err = l.Replenish(ctx, user, base.Add(91*time.Second))
		require.NoError(t, err)
		require.Equal(t, 1, n)
		got, err = l.Available(ctx, userLimiter, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 15, got)
	})

	t.Run("replenish is additive without a cap", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		user := Limiters[0]
		_, err := l.Available(ctx, userLimiter, "u2")
		require.NoError(t, err)
		for m := int64(1); m <= 4; m++ {
			_, err := l.Replenish(ctx, user, base.Add(time.Duration(m)*user.Period))
			require.NoError(t, err)
			got, err := l.Available(ctx, userLimiter, "u2")
			require.NoError(t, err)
			require.Equal(t, user.InitialQuota+m*user.QuotaIncrease, got)
		}
	})

	t.Run("replenish respects a configured cap", func(t *testing.T) {
		l := newLedger(t, base)
		ctx := context.Background()
		capped := Limiters[2]
		_, err := l.Available(ctx, capped.Name, "u1")
		require.NoError(t, err)
		_, err = l.Replenish(ctx, capped, base.Add(10*time.Second))
		require.NoError(t, err)
		got, err := l.Available(ctx, capped.Name, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 15, got)
	})
}
