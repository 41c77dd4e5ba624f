package sla

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"gigverify/internal/verification/metrics"
	"gigverify/internal/verification/models"
)

// EntityLister lists registry entities. The verification service satisfies it.
type EntityLister interface {
	ListEntities(ctx context.Context, role models.Role) ([]*models.Entity, error)
}

// Sweeper periodically recomputes the review queue and publishes the
// pending-by-tier gauges.
type Sweeper struct {
	calc      *Calculator
	entities  EntityLister
	metrics   *metrics.Metrics
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
	scheduler *gocron.Scheduler
}

func NewSweeper(calc *Calculator, entities EntityLister, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		calc:      calc,
		entities:  entities,
		metrics:   m,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// Sweep runs one pass and returns the per-tier counts it published.
func (s *Sweeper) Sweep(ctx context.Context) (map[Tier]int, error) {
	list, err := s.entities.ListEntities(ctx, "")
	if err != nil {
		return nil, err
	}
	counts := CountByTier(s.calc.Queue(list, s.now()))

	gauges := make(map[string]int, len(counts))
	for tier, n := range counts {
		gauges[string(tier)] = n
	}
	s.metrics.SetPending(gauges)

	if counts[TierCritical] > 0 {
		s.logger.WarnContext(ctx, "pending entities past critical SLA",
			"critical", counts[TierCritical],
			"warning", counts[TierWarning],
		)
	}
	return counts, nil
}

// Start runs Sweep immediately and then every interval until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "sla sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	return nil
}

func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}
