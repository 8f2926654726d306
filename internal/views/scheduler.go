package views

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is one scheduled refresh cycle.
type Job func(ctx context.Context) error

// Scheduler runs a refresh cycle on a fixed interval. A cycle still running
// when the next one is due causes that run to be skipped, so refreshes never
// overlap.
type Scheduler struct {
	cron *gocron.Scheduler
	job  Job
	log  *zap.Logger
}

// NewScheduler creates a Scheduler for job.
func NewScheduler(job Job) *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	return &Scheduler{
		cron: cron,
		job:  job,
		log:  zap.L().With(zap.String("component", "views.scheduler")),
	}
}

// Run executes job immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return eris.Errorf("views: refresh interval must be positive, got %s", every)
	}

	_, err := s.cron.Every(every).Do(func() {
		s.log.Info("scheduled refresh cycle starting")
		if err := s.job(ctx); err != nil {
			s.log.Error("scheduled refresh cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return eris.Wrap(err, "views: schedule refresh")
	}

	s.log.Info("refresh scheduler started", zap.Duration("interval", every))
	s.cron.StartAsync()

	<-ctx.Done()

	s.cron.Stop()
	s.log.Info("refresh scheduler stopped")
	return nil
}
