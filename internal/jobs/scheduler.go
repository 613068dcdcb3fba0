package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"katasu/internal/config"
)

const sweepTimeout = 5 * time.Minute

type Sweeper interface {
	RequeueStale(ctx context.Context) (int, error)
	PurgeOrphans(ctx context.Context) (int, error)
}

// Scheduler runs the reconciliation sweeps. A sweep that is still running
// when its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	cfg     config.SweepConfig
	log     zerolog.Logger
}

func NewScheduler(sweeper Sweeper, cfg config.SweepConfig, log zerolog.Logger) *Scheduler {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Scheduler{
		cron:    c,
		sweeper: sweeper,
		cfg:     cfg,
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if !s.cfg.Enabled || s.sweeper == nil {
		s.log.Info().Msg("sweeps disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.StaleSchedule, s.requeueStale); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.OrphanSchedule, s.purgeOrphans); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop waits for running sweeps until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn().Msg("sweeps still running at shutdown")
	}
}

func (s *Scheduler) requeueStale() {
	s.run("requeue-stale", s.sweeper.RequeueStale)
}

func (s *Scheduler) purgeOrphans() {
	s.run("purge-orphans", s.sweeper.PurgeOrphans)
}

func (s *Scheduler) run(name string, sweep func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("sweep", name).Int("affected", n).Msg("sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Str("sweep", name).Int("affected", n).Msg("sweep finished")
	}
}
