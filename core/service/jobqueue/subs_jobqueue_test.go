package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"subs_server/core/domain"
	"subs_server/core/port/out"
	"subs_server/pkg/apperr"
)

// fakeJobRepo implements out.SyncJobRepository in memory with the same
// single-flight semantics the partial unique index provides.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*domain.SyncJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*domain.SyncJob)}
}

func (r *fakeJobRepo) InsertIfIdle(ctx context.Context, job *domain.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.jobs {
		if existing.ConnectionID == job.ConnectionID && !existing.Status.IsTerminal() {
			return out.ErrDuplicate
		}
	}
	clone := *job
	r.jobs[job.ID] = &clone
	return nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, id string) (*domain.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *fakeJobRepo) ListByConnection(ctx context.Context, connectionID int64, limit int) ([]*domain.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.SyncJob
	for _, job := range r.jobs {
		if job.ConnectionID == connectionID {
			clone := *job
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (r *fakeJobRepo) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.SyncJob
	for _, job := range r.jobs {
		if job.Status == status {
			clone := *job
			result = append(result, &clone)
		}
	}
	return result, nil
}

func (r *fakeJobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return out.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return out.ErrConflict
	}
	job.Status = status
	job.ErrorMessage = errorMessage
	if status == domain.JobRunning {
		job.StartedAt = time.Now()
	}
	if status.IsTerminal() {
		job.CompletedAt = time.Now()
	}
	return nil
}

func (r *fakeJobRepo) UpdateCounters(ctx context.Context, id string, c domain.JobCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return out.ErrNotFound
	}
	job.ApplyCounters(c)
	return nil
}

func (r *fakeJobRepo) FailStuck(ctx context.Context, cutoff time.Time, errorMessage string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, job := range r.jobs {
		stuckRunning := job.Status == domain.JobRunning && !job.StartedAt.IsZero() && job.StartedAt.Before(cutoff)
		orphanedPending := job.Status == domain.JobPending && job.CreatedAt.Before(cutoff)
		if stuckRunning || orphanedPending {
			job.Status = domain.JobFailed
			job.ErrorMessage = errorMessage
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, job := range r.jobs {
		if job.Status.IsTerminal() && !job.CompletedAt.IsZero() && job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func TestEnqueueSingleFlight(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}

	// Second enqueue while the first is pending must be rejected
	if _, err := svc.Enqueue(ctx, 1, domain.SyncManual); err == nil {
		t.Fatal("expected conflict for second enqueue")
	} else {
		var appErr *apperr.AppError
		if !errors.As(err, &appErr) || appErr.Code != apperr.CodeConflict {
			t.Errorf("expected conflict error, got %v", err)
		}
	}

	// A different connection is unaffected
	if _, err := svc.Enqueue(ctx, 2, domain.SyncManual); err != nil {
		t.Errorf("different connection should enqueue: %v", err)
	}

	// After the first reaches a terminal state, enqueue succeeds again
	if err := svc.Start(ctx, first.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := svc.Complete(ctx, first.ID, true, ""); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if _, err := svc.Enqueue(ctx, 1, domain.SyncIncremental); err != nil {
		t.Errorf("enqueue after terminal should succeed: %v", err)
	}
}

func TestTransitionRules(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// pending -> completed is not a legal transition
	if err := svc.Complete(ctx, job.ID, true, ""); err == nil {
		t.Error("expected error completing a pending job")
	}

	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := svc.Complete(ctx, job.ID, false, "credential failure"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// Terminal state is immutable
	if err := svc.Start(ctx, job.ID); err == nil {
		t.Error("expected error restarting a failed job")
	}
	if err := svc.Cancel(ctx, job.ID); err == nil {
		t.Error("expected error cancelling a failed job")
	}

	got, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.JobFailed || got.ErrorMessage != "credential failure" {
		t.Errorf("unexpected final state: %+v", got)
	}
}

func TestSweepStuckAndPurge(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo).WithTimeouts(2*time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	stuck, _ := svc.Enqueue(ctx, 1, domain.SyncManual)
	if err := svc.Start(ctx, stuck.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// Simulate a job started long ago
	repo.mu.Lock()
	repo.jobs[stuck.ID].StartedAt = time.Now().Add(-3 * time.Hour)
	repo.mu.Unlock()

	fresh, _ := svc.Enqueue(ctx, 2, domain.SyncManual)
	if err := svc.Start(ctx, fresh.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	n, err := svc.SweepStuck(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stuck job failed, got %d", n)
	}

	got, _ := svc.Get(ctx, stuck.ID)
	if got.Status != domain.JobFailed {
		t.Errorf("stuck job not failed: %s", got.Status)
	}
	freshGot, _ := svc.Get(ctx, fresh.ID)
	if freshGot.Status != domain.JobRunning {
		t.Errorf("fresh job should stay running: %s", freshGot.Status)
	}

	// Purge: make the stuck job old enough
	repo.mu.Lock()
	repo.jobs[stuck.ID].CompletedAt = time.Now().Add(-8 * 24 * time.Hour)
	repo.mu.Unlock()

	purged, err := svc.PurgeOld(ctx)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged job, got %d", purged)
	}
	if _, err := svc.Get(ctx, stuck.ID); err == nil {
		t.Error("purged job should not be found")
	}
}

func TestSweepRecoversOrphanedPending(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo).WithTimeouts(2*time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	// Enqueued but never started; the runner crashed before Start
	orphan, err := svc.Enqueue(ctx, 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	repo.mu.Lock()
	repo.jobs[orphan.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	repo.mu.Unlock()

	// A fresh pending job on another connection must survive the sweep
	fresh, err := svc.Enqueue(ctx, 2, domain.SyncManual)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	n, err := svc.SweepStuck(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 orphaned job failed, got %d", n)
	}

	got, _ := svc.Get(ctx, orphan.ID)
	if got.Status != domain.JobFailed {
		t.Errorf("orphaned pending job not failed: %s", got.Status)
	}
	freshGot, _ := svc.Get(ctx, fresh.ID)
	if freshGot.Status != domain.JobPending {
		t.Errorf("fresh pending job should survive: %s", freshGot.Status)
	}

	// The connection is no longer wedged
	if _, err := svc.Enqueue(ctx, 1, domain.SyncManual); err != nil {
		t.Errorf("enqueue after sweep should succeed: %v", err)
	}
}

func TestTerminalStateGuardedAtStorage(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, 1, domain.SyncManual)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Sweeper wins the race and force-fails the job
	repo.mu.Lock()
	repo.jobs[job.ID].StartedAt = time.Now().Add(-3 * time.Hour)
	repo.mu.Unlock()
	if _, err := svc.SweepStuck(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	// A straggler that read the job as running before the sweep must not
	// be able to overwrite the terminal state
	if err := repo.UpdateStatus(ctx, job.ID, domain.JobCompleted, ""); !errors.Is(err, out.ErrConflict) {
		t.Errorf("expected conflict writing to terminal job, got %v", err)
	}

	got, _ := svc.Get(ctx, job.ID)
	if got.Status != domain.JobFailed {
		t.Errorf("terminal state resurrected: %s", got.Status)
	}
}

func TestEmergencyStop(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		job, err := svc.Enqueue(ctx, i, domain.SyncManual)
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		if i < 3 {
			if err := svc.Start(ctx, job.ID); err != nil {
				t.Fatalf("start failed: %v", err)
			}
		}
	}

	stopped, err := svc.EmergencyStop(ctx)
	if err != nil {
		t.Fatalf("emergency stop failed: %v", err)
	}
	if stopped != 2 {
		t.Errorf("expected 2 running jobs stopped, got %d", stopped)
	}
}

func TestUpdateProgressMonotonic(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo)
	ctx := context.Background()

	job, _ := svc.Enqueue(ctx, 1, domain.SyncManual)
	if err := svc.Start(ctx, job.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := svc.UpdateProgress(ctx, job.ID, domain.JobCounters{Total: 100, Processed: 50}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := svc.UpdateProgress(ctx, job.ID, domain.JobCounters{Total: 100, Processed: 30}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, _ := svc.Get(ctx, job.ID)
	if got.ProcessedEmails != 50 {
		t.Errorf("counter went backwards: %d", got.ProcessedEmails)
	}
}
