// Package worker runs background maintenance loops.
package worker

import (
	"context"
	"time"

	"subs_server/core/service/jobqueue"
	"subs_server/pkg/logger"
)

// =============================================================================
// JobSweeper - stuck job recovery and terminal job retention
// =============================================================================

const (
	SweepInterval = 5 * time.Minute
	startupGrace  = 30 * time.Second
)

// JobSweeper periodically force-fails jobs whose worker died and purges
// terminal jobs past the retention window.
type JobSweeper struct {
	jobs          *jobqueue.Service
	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewJobSweeper(jobs *jobqueue.Service) *JobSweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobSweeper{
		jobs:          jobs,
		sweepInterval: SweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the sweeper loop.
func (s *JobSweeper) Start() {
	logger.Info("[JobSweeper] Starting...")
	go s.run()
}

// Stop stops the sweeper loop.
func (s *JobSweeper) Stop() {
	logger.Info("[JobSweeper] Stopping...")
	s.cancel()
}

func (s *JobSweeper) run() {
	// Let the server settle before the first sweep
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(startupGrace):
	}

	// Sweep once at startup to recover jobs orphaned by a crash
	s.sweep()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[JobSweeper] Stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *JobSweeper) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, 1*time.Minute)
	defer cancel()

	failed, err := s.jobs.SweepStuck(ctx)
	if err != nil {
		logger.Error("[JobSweeper] Failed to sweep stuck jobs: %v", err)
	} else if failed > 0 {
		logger.Warn("[JobSweeper] Force-failed %d stuck jobs", failed)
	}

	purged, err := s.jobs.PurgeOld(ctx)
	if err != nil {
		logger.Error("[JobSweeper] Failed to purge old jobs: %v", err)
	} else if purged > 0 {
		logger.Info("[JobSweeper] Purged %d terminal jobs past retention", purged)
	}
}
