// Package jobqueue owns the sync-job state machine and the
// single-flight-per-connection rule.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"subs_server/core/domain"
	"subs_server/core/port/out"
	"subs_server/pkg/apperr"
	"subs_server/pkg/logger"
)

// =============================================================================
// JobQueue
// =============================================================================

const (
	DefaultStuckTimeout = 2 * time.Hour
	DefaultRetention    = 7 * 24 * time.Hour
)

type Service struct {
	repo         out.SyncJobRepository
	stuckTimeout time.Duration
	retention    time.Duration
}

func NewService(repo out.SyncJobRepository) *Service {
	return &Service{
		repo:         repo,
		stuckTimeout: DefaultStuckTimeout,
		retention:    DefaultRetention,
	}
}

// WithTimeouts overrides the sweep thresholds.
func (s *Service) WithTimeouts(stuck, retention time.Duration) *Service {
	if stuck > 0 {
		s.stuckTimeout = stuck
	}
	if retention > 0 {
		s.retention = retention
	}
	return s
}

// Enqueue creates a pending job unless a non-terminal job already
// exists for the connection. The uniqueness is enforced atomically at
// the storage layer, not by a read-then-write check.
func (s *Service) Enqueue(ctx context.Context, connectionID int64, syncType domain.SyncType) (*domain.SyncJob, error) {
	now := time.Now()
	job := &domain.SyncJob{
		ID:           uuid.New().String(),
		ConnectionID: connectionID,
		Type:         syncType,
		Status:       domain.JobPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.InsertIfIdle(ctx, job); err != nil {
		if errors.Is(err, out.ErrDuplicate) {
			return nil, apperr.Conflict("a sync job is already active for this connection")
		}
		return nil, fmt.Errorf("enqueue sync job: %w", err)
	}

	logger.Info("[JobQueue.Enqueue] Created %s job %s for connection %d", syncType, job.ID, connectionID)
	return job, nil
}

// Start transitions a pending job to running.
func (s *Service) Start(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, domain.JobRunning, "")
}

// UpdateProgress applies a counter snapshot. Counters only move forward.
func (s *Service) UpdateProgress(ctx context.Context, jobID string, c domain.JobCounters) error {
	if err := s.repo.UpdateCounters(ctx, jobID, c); err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	return nil
}

// Complete finalizes a job.
func (s *Service) Complete(ctx context.Context, jobID string, success bool, errorMessage string) error {
	status := domain.JobCompleted
	if !success {
		status = domain.JobFailed
	}
	return s.transition(ctx, jobID, status, errorMessage)
}

// Cancel moves a non-terminal job to cancelled.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, domain.JobCancelled, "cancelled by operator")
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil, apperr.NotFound("sync job")
		}
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return job, nil
}

// ListForConnection returns recent jobs for a connection.
func (s *Service) ListForConnection(ctx context.Context, connectionID int64, limit int) ([]*domain.SyncJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	jobs, err := s.repo.ListByConnection(ctx, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	return jobs, nil
}

// EmergencyStop force-fails every running job. Operator-only.
func (s *Service) EmergencyStop(ctx context.Context) (int, error) {
	running, err := s.repo.ListByStatus(ctx, domain.JobRunning)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	stopped := 0
	for _, job := range running {
		if err := s.repo.UpdateStatus(ctx, job.ID, domain.JobFailed, "emergency stop"); err != nil {
			// Conflict means the job finished on its own while we iterated
			if !errors.Is(err, out.ErrConflict) {
				logger.Error("[JobQueue.EmergencyStop] Failed to stop job %s: %v", job.ID, err)
			}
			continue
		}
		stopped++
	}

	logger.Warn("[JobQueue.EmergencyStop] Force-failed %d running jobs", stopped)
	return stopped, nil
}

// SweepStuck fails running jobs older than the stuck timeout, and
// pending jobs of the same age whose runner crashed before starting.
// This is the crash-recovery path: without it an orphaned job would
// hold the connection's single-flight slot forever.
func (s *Service) SweepStuck(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.stuckTimeout)
	n, err := s.repo.FailStuck(ctx, cutoff, "job timed out, worker presumed dead")
	if err != nil {
		return 0, fmt.Errorf("fail stuck jobs: %w", err)
	}
	if n > 0 {
		logger.Warn("[JobQueue.SweepStuck] Force-failed %d stuck jobs", n)
	}
	return n, nil
}

// PurgeOld removes terminal jobs past the retention window.
func (s *Service) PurgeOld(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	n, err := s.repo.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old jobs: %w", err)
	}
	if n > 0 {
		logger.Info("[JobQueue.PurgeOld] Purged %d terminal jobs", n)
	}
	return n, nil
}

func (s *Service) transition(ctx context.Context, jobID string, next domain.JobStatus, errorMessage string) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return apperr.NotFound("sync job")
		}
		return fmt.Errorf("get sync job: %w", err)
	}

	if !job.Status.CanTransitionTo(next) {
		return apperr.Conflict(fmt.Sprintf("cannot transition job from %s to %s", job.Status, next))
	}

	if err := s.repo.UpdateStatus(ctx, jobID, next, errorMessage); err != nil {
		// The job reached a terminal state between the read above and the
		// conditional write, e.g. the sweeper force-failed it.
		if errors.Is(err, out.ErrConflict) {
			return apperr.Conflict(fmt.Sprintf("job %s already finished", jobID))
		}
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}
