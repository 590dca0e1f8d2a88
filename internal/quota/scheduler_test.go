package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/warden/internal/hermes"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []hermes.ReplenishedEvent
}

func (p *recordingPublisher) Publish(subject string, data any) error {
	if subject != hermes.SubjectQuotaReplenished {
		return errors.New("unexpected subject " + subject)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, data.(hermes.ReplenishedEvent))
	return nil
}

type failingReplenisher struct{}

func (failingReplenisher) Replenish(context.Context, Limiter, time.Time) (int, error) {
	return 0, Unavailable("replenish", errDummy)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerTick(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiters := []Limiter{
		{Name: "user_monthly_limits", Kind: KindUser, QuotaIncrease: 5, Period: 30 * time.Second},
		{Name: "fixed", Kind: KindCluster, InitialQuota: 100},
	}
	ledger := NewMemoryLedger(limiters)
	ledger.SetClock(func() time.Time { return base })
	ctx := context.Background()
	for _, u := range []string{"u1", "u2"} {
		_, err := ledger.Available(ctx, "user_monthly_limits", u)
		require.NoError(t, err)
	}

	pub := &recordingPublisher{}
	s := NewScheduler(ledger, limiters, time.Second, pub, discardLogger())

	s.now = func() time.Time { return base.Add(10 * time.Second) }
	granted, err := s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, granted["user_monthly_limits"])
	require.Empty(t, pub.events)

	s.now = func() time.Time { return base.Add(65 * time.Second) }
	granted, err = s.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, granted["user_monthly_limits"])
	_, ok := granted["fixed"]
	require.False(t, ok)

	got, err := ledger.Available(ctx, "user_monthly_limits", "u1")
	require.NoError(t, err)
	require.EqualValues(t, 10, got)

	require.Len(t, pub.events, 1)
	require.Equal(t, "user_monthly_limits", pub.events[0].Limiter)
	require.Equal(t, 2, pub.events[0].Subjects)
	require.EqualValues(t, 5, pub.events[0].Increase)
}

func TestSchedulerTickJoinsErrors(t *testing.T) {
	limiters := []Limiter{
		{Name: "a", Kind: KindUser, QuotaIncrease: 1, Period: time.Second},
		{Name: "b", Kind: KindUser, QuotaIncrease: 1, Period: time.Second},
	}
	s := NewScheduler(failingReplenisher{}, limiters, 0, nil, discardLogger())
	require.Equal(t, DefaultTick, s.tick)

	_, err := s.Tick(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	limiters := []Limiter{{Name: "u", Kind: KindUser, QuotaIncrease: 1, Period: time.Millisecond}}
	ledger := NewMemoryLedger(limiters)
	_, err := ledger.Available(context.Background(), "u", "u1")
	require.NoError(t, err)

	s := NewScheduler(ledger, limiters, 5*time.Millisecond, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := ledger.Available(context.Background(), "u", "u1")
		return err == nil && got > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
