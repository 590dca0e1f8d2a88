package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/warden/internal/hermes"
)

const DefaultTick = 300 * time.Second

// Replenisher is the ledger capability the scheduler needs.
type Replenisher interface {
	Replenish(ctx context.Context, l Limiter, now time.Time) (int, error)
}

// Scheduler periodically applies replenishment rules to a ledger. It shares
// nothing with request handling except the ledger itself.
type Scheduler struct {
	ledger   Replenisher
	limiters []Limiter
	tick     time.Duration
	events   hermes.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(ledger Replenisher, limiters []Limiter, tick time.Duration, events hermes.Publisher, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if events == nil {
		events = hermes.Discard{}
	}
	return &Scheduler{
		ledger:   ledger,
		limiters: limiters,
		tick:     tick,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. The first pass runs immediately so a
// restarted process catches up without waiting a full tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("quota scheduler started", "tick", s.tick, "limiters", len(s.limiters))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("quota replenishment failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("quota scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one replenishment pass over every limiter and returns how many
// subjects were credited per limiter. A failing limiter does not stop the
// others; their errors are joined.
func (s *Scheduler) Tick(ctx context.Context) (map[string]int, error) {
	now := s.now()
	granted := make(map[string]int, len(s.limiters))
	var errs []error
	for _, l := range s.limiters {
		if l.QuotaIncrease <= 0 || l.Period <= 0 {
			continue
		}
		n, err := s.ledger.Replenish(ctx, l, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		granted[l.Name] = n
		if n == 0 {
			continue
		}
		s.logger.Info("quota replenished", "limiter", l.Name, "subjects", n, "increase", l.QuotaIncrease)
		if err := s.events.Publish(hermes.SubjectQuotaReplenished, hermes.ReplenishedEvent{
			Limiter:   l.Name,
			Subjects:  n,
			Increase:  l.QuotaIncrease,
			Timestamp: now.UTC(),
		}); err != nil {
			s.logger.Warn("failed to publish replenishment", "limiter", l.Name, "error", err)
		}
	}
	return granted, errors.Join(errs...)
}
