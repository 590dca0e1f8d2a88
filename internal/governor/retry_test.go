package governor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 50 * time.Millisecond, Max: time.Second}
	require.Equal(t, 50*time.Millisecond, b.delay(1))
	require.Equal(t, 100*time.Millisecond, b.delay(2))
	require.Equal(t, 400*time.Millisecond, b.delay(4))
	require.Equal(t, time.Second, b.delay(6))
	require.Equal(t, time.Second, b.delay(60))
}

func TestDoStopsOnPermanentError(t *testing.T) {
	r := retrier{backoff: DefaultBackoff(), after: instant, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	permanent := errors.New("permanent")
	calls := 0
	_, err := do(context.Background(), r, "op", 5, func(err error) bool { return err != permanent },
		func(context.Context) (int, error) {
			calls++
			return 0, permanent
		})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	r := retrier{backoff: DefaultBackoff(), after: instant, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	calls := 0
	v, err := do(context.Background(), r, "op", 3, func(error) bool { return true },
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("blip")
			}
			return "done", nil
		})
	require.NoError(t, err)
	require.Equal(t, "done", v)
	require.Equal(t, 3, calls)
}

func TestDoHonoursCancellationBetweenAttempts(t *testing.T) {
	never := func(time.Duration) <-chan time.Time { return nil }
	r := retrier{backoff: DefaultBackoff(), after: never, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	blip := errors.New("blip")
	calls := 0
	_, err := do(ctx, r, "op", 3, func(error) bool { return true },
		func(context.Context) (int, error) {
			calls++
			return 0, blip
		})
	require.ErrorIs(t, err, blip)
	require.Equal(t, 1, calls)
}

func TestErrorCodes(t *testing.T) {
	cause := errors.New("cause")
	err := error(newError(CodeCacheUnavailable, "load transcript", cause))
	require.ErrorIs(t, err, ErrCacheUnavailable)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrUpstream)
	require.Equal(t, CodeCacheUnavailable, CodeOf(err))
	require.Equal(t, CodeInternal, CodeOf(cause))
	require.Equal(t, "governor: cache_unavailable (load transcript): cause", err.Error())
	require.Equal(t, "governor: invalid_request (x)", newError(CodeInvalidRequest, "x", nil).Error())
}
