package sweep

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler runs SweepOnce on a cron schedule.
type Scheduler struct {
	sweeper  *Sweeper
	schedule string
}

func NewScheduler(s *Sweeper, schedule string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	return &Scheduler{sweeper: s, schedule: schedule}, nil
}

// Run blocks until ctx ends. A pass still running when a tick fires makes
// that tick a no-op.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.schedule, func() {
		if _, err := s.sweeper.SweepOnce(ctx); err != nil {
			log.Error().Err(err).Msg("Sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	log.Info().Str("schedule", s.schedule).Msg("Sweep scheduler started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("Sweep scheduler stopped")
	return nil
}
