package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper closes attempts whose deadline has passed.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ExpirySweeper runs Sweeper on a cron schedule so abandoned attempts are
// finalized even when the candidate never comes back.
type ExpirySweeper struct {
	sweeper  Sweeper
	schedule string
	timeout  time.Duration
	log      zerolog.Logger
}

func NewExpirySweeper(sweeper Sweeper, schedule string, log zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		sweeper:  sweeper,
		schedule: schedule,
		timeout:  30 * time.Second,
		log:      log.With().Str("component", "expiry_sweeper").Logger(),
	}
}

// Start schedules the sweep and blocks until ctx is cancelled.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.log.Info().Str("schedule", s.schedule).Msg("ExpirySweeper started")
	c.Start()
	<-ctx.Done()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(ShutdownFlush):
		s.log.Warn().Msg("Sweep still running at shutdown")
	}
	s.log.Info().Msg("ExpirySweeper stopped")
	return nil
}

// RunOnce performs a single sweep.
func (s *ExpirySweeper) RunOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	closed, err := s.sweeper.SweepExpired(sweepCtx)
	if err != nil {
		s.log.Error().Err(err).Int("closed", closed).Msg("Expiry sweep failed")
		return closed
	}
	if closed > 0 {
		s.log.Info().Int("closed", closed).Msg("Expired attempts finalized")
	}
	return closed
}
