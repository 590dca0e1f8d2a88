package governor

import (
	"context"
	"log/slog"
	"time"
)

// Backoff doubles from Initial up to Max between attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 50 * time.Millisecond, Max: time.Second}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}

type retrier struct {
	backoff Backoff
	after   func(time.Duration) <-chan time.Time
	logger  *slog.Logger
}

// do runs fn up to 1+retries times while transient reports its error as worth
// retrying. The context bounds the total time spent.
func do[T any](ctx context.Context, r retrier, op string, retries int, transient func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-r.after(r.backoff.delay(attempt)):
			}
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !transient(err) || ctx.Err() != nil {
			return zero, err
		}
		if attempt < retries {
			r.logger.Warn("transient failure, retrying", "op", op, "attempt", attempt+1, "error", err)
		}
	}
	return zero, lastErr
}
