package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGrantCatchUp(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Limiter{Name: "user_monthly_limits", Kind: KindUser, InitialQuota: 0, QuotaIncrease: 5, Period: 30 * time.Second}

	available, at, periods := Grant(l, l.InitialQuota, base, base.Add(65*time.Second))
	require.EqualValues(t, 10, available)
	require.EqualValues(t, 2, periods)
	require.Equal(t, base.Add(60*time.Second), at)
}

func TestGrantBeforePeriod(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Limiter{Name: "u", Kind: KindUser, QuotaIncrease: 5, Period: time.Minute}

	available, at, periods := Grant(l, 3, base, base.Add(59*time.Second))
	require.EqualValues(t, 3, available)
	require.Zero(t, periods)
	require.Equal(t, base, at)
}

func TestGrantAdditive(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Limiter{Name: "u", Kind: KindUser, InitialQuota: 100, QuotaIncrease: 7, Period: time.Hour}

	for m := int64(0); m < 10; m++ {
		available, _, _ := Grant(l, l.InitialQuota, base, base.Add(time.Duration(m)*time.Hour))
		require.Equal(t, l.InitialQuota+m*l.QuotaIncrease, available)
	}
}

func TestGrantCap(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := Limiter{Name: "u", Kind: KindUser, QuotaIncrease: 10, Period: time.Second, Cap: 25}

	available, _, periods := Grant(l, 20, base, base.Add(3*time.Second))
	require.EqualValues(t, 25, available)
	require.EqualValues(t, 3, periods)

	// A balance already above the cap is never reduced by replenishment.
	available, _, _ = Grant(l, 40, base, base.Add(3*time.Second))
	require.EqualValues(t, 40, available)
}

func TestGrantDisabled(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	available, at, periods := Grant(Limiter{Name: "fixed", Kind: KindUser}, 4, base, base.Add(time.Hour))
	require.EqualValues(t, 4, available)
	require.Zero(t, periods)
	require.Equal(t, base, at)
}

func TestLimiterValidate(t *testing.T) {
	tests := []struct {
		name    string
		limiter Limiter
		wantErr bool
	}{
		{"valid user", Limiter{Name: "u", Kind: KindUser, InitialQuota: 10, QuotaIncrease: 1, Period: time.Minute}, false},
		{"valid cluster", Limiter{Name: "c", Kind: KindCluster, InitialQuota: 10}, false},
		{"missing name", Limiter{Kind: KindUser}, true},
		{"bad kind", Limiter{Name: "x", Kind: "team"}, true},
		{"negative quota", Limiter{Name: "x", Kind: KindUser, InitialQuota: -1}, true},
		{"increase without period", Limiter{Name: "x", Kind: KindUser, QuotaIncrease: 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limiter.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLimiterSubject(t *testing.T) {
	require.Equal(t, "alice", Limiter{Kind: KindUser}.Subject("alice"))
	require.Equal(t, ClusterSubject, Limiter{Kind: KindCluster}.Subject("alice"))
}

func TestNormalizeClaims(t *testing.T) {
	limiters := Index([]Limiter{
		{Name: "b", Kind: KindUser},
		{Name: "a", Kind: KindCluster},
	})
	got, err := NormalizeClaims([]Claim{
		{Limiter: "b", Subject: "u1", Amount: 2},
		{Limiter: "a", Subject: ClusterSubject, Amount: 1},
		{Limiter: "b", Subject: "u1", Amount: 3},
	}, limiters)
	require.NoError(t, err)
	require.Equal(t, []Claim{
		{Limiter: "a", Subject: ClusterSubject, Amount: 1},
		{Limiter: "b", Subject: "u1", Amount: 5},
	}, got)

	_, err = NormalizeClaims([]Claim{{Limiter: "b", Subject: "u1", Amount: 0}}, limiters)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NormalizeClaims([]Claim{{Limiter: "zzz", Subject: "u1", Amount: 1}}, limiters)
	require.ErrorIs(t, err, ErrUnknownLimiter)

	_, err = NormalizeClaims(nil, limiters)
	require.Error(t, err)
}

func TestSettleDelta(t *testing.T) {
	require.EqualValues(t, 3, SettleDelta(1, 4, 100))
	require.EqualValues(t, -5, SettleDelta(8, 3, 0))
	require.EqualValues(t, 2, SettleDelta(1, 50, 2))
	require.EqualValues(t, -1, SettleDelta(1, -10, 0))
}

func TestExceededErrorIs(t *testing.T) {
	err := error(&ExceededError{Limiter: "u", Subject: "s", Available: 0, Needed: 1})
	require.ErrorIs(t, err, ErrExceeded)
	require.Contains(t, err.Error(), "limiter u")
}

func TestUnavailable(t *testing.T) {
	err := Unavailable("reserve", errDummy)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, errDummy)
}

var errDummy = errorString("connection refused")

type errorString string

func (e errorString) Error() string { return string(e) }
