package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"subs_server/core/domain"
	"subs_server/core/port/out"
)

// SyncJobAdapter implements out.SyncJobRepository. Single-flight is
// enforced here with a conditional insert backed by the partial unique
// index on (connection_id) for non-terminal jobs, so two workers racing
// to enqueue cannot both win.
type SyncJobAdapter struct {
	db *sqlx.DB
}

func NewSyncJobAdapter(db *sqlx.DB) *SyncJobAdapter {
	return &SyncJobAdapter{db: db}
}

var _ out.SyncJobRepository = (*SyncJobAdapter)(nil)

type syncJobRow struct {
	ID                 string         `db:"id"`
	ConnectionID       int64          `db:"connection_id"`
	Type               string         `db:"sync_type"`
	Status             string         `db:"status"`
	TotalEmails        int            `db:"total_emails"`
	ProcessedEmails    int            `db:"processed_emails"`
	SubscriptionsFound int            `db:"subscriptions_found"`
	ErrorCount         int            `db:"error_count"`
	ErrorMessage       sql.NullString `db:"error_message"`
	StartedAt          sql.NullTime   `db:"started_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *syncJobRow) toDomain() *domain.SyncJob {
	return &domain.SyncJob{
		ID:                 r.ID,
		ConnectionID:       r.ConnectionID,
		Type:               domain.SyncType(r.Type),
		Status:             domain.JobStatus(r.Status),
		TotalEmails:        r.TotalEmails,
		ProcessedEmails:    r.ProcessedEmails,
		SubscriptionsFound: r.SubscriptionsFound,
		ErrorCount:         r.ErrorCount,
		ErrorMessage:       r.ErrorMessage.String,
		StartedAt:          fromNullTime(r.StartedAt),
		CompletedAt:        fromNullTime(r.CompletedAt),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

const syncJobColumns = `
	id, connection_id, sync_type, status, total_emails, processed_emails,
	subscriptions_found, error_count, error_message, started_at,
	completed_at, created_at, updated_at`

// InsertIfIdle creates a pending job only when the connection has no
// pending or running job. The WHERE NOT EXISTS guard and the partial
// unique index together make the slot claim atomic.
func (a *SyncJobAdapter) InsertIfIdle(ctx context.Context, job *domain.SyncJob) error {
	query := `
		INSERT INTO sync_jobs (id, connection_id, sync_type, status)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_jobs
			WHERE connection_id = $2 AND status IN ('pending', 'running')
		)
		ON CONFLICT DO NOTHING`

	result, err := a.db.ExecContext(ctx, query,
		job.ID, job.ConnectionID, string(job.Type), string(job.Status))
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return out.ErrDuplicate
	}
	return nil
}

func (a *SyncJobAdapter) GetByID(ctx context.Context, id string) (*domain.SyncJob, error) {
	var row syncJobRow
	query := `SELECT` + syncJobColumns + `
		FROM sync_jobs
		WHERE id = $1`

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *SyncJobAdapter) ListByConnection(ctx context.Context, connectionID int64, limit int) ([]*domain.SyncJob, error) {
	var rows []syncJobRow
	query := `SELECT` + syncJobColumns + `
		FROM sync_jobs
		WHERE connection_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := a.db.SelectContext(ctx, &rows, query, connectionID, limit); err != nil {
		return nil, err
	}
	return toDomainJobs(rows), nil
}

func (a *SyncJobAdapter) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.SyncJob, error) {
	var rows []syncJobRow
	query := `SELECT` + syncJobColumns + `
		FROM sync_jobs
		WHERE status = $1
		ORDER BY created_at`

	if err := a.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, err
	}
	return toDomainJobs(rows), nil
}

// UpdateStatus stamps started_at on the transition into running and
// completed_at on any terminal transition. The status predicate guards
// terminal immutability at the storage layer: a straggler racing the
// sweeper cannot resurrect a job the sweeper already force-failed.
func (a *SyncJobAdapter) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errorMessage string) error {
	query := `
		UPDATE sync_jobs
		SET status = $2,
		    error_message = COALESCE($3, error_message),
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`

	var msg any
	if errorMessage != "" {
		msg = errorMessage
	}

	result, err := a.db.ExecContext(ctx, query, id, string(status), msg)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Callers look the job up before transitioning, so a missing id
		// surfaces earlier as not-found; zero rows here means terminal.
		return out.ErrConflict
	}
	return nil
}

// UpdateCounters writes progress. GREATEST keeps counters monotonic
// even if updates land out of order.
func (a *SyncJobAdapter) UpdateCounters(ctx context.Context, id string, c domain.JobCounters) error {
	query := `
		UPDATE sync_jobs
		SET total_emails = GREATEST(total_emails, $2),
		    processed_emails = GREATEST(processed_emails, $3),
		    subscriptions_found = GREATEST(subscriptions_found, $4),
		    error_count = GREATEST(error_count, $5),
		    updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id, c.Total, c.Processed, c.Found, c.Errors)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// FailStuck force-fails running jobs whose worker has presumably died,
// and pending jobs whose runner crashed before Start. Both would hold
// the single-flight slot for the connection forever otherwise.
func (a *SyncJobAdapter) FailStuck(ctx context.Context, cutoff time.Time, errorMessage string) (int64, error) {
	query := `
		UPDATE sync_jobs
		SET status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		WHERE (status = 'running' AND started_at < $1)
		   OR (status = 'pending' AND created_at < $1)`

	result, err := a.db.ExecContext(ctx, query, cutoff, errorMessage)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeTerminal removes finished jobs past the retention window.
func (a *SyncJobAdapter) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM sync_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`

	result, err := a.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func toDomainJobs(rows []syncJobRow) []*domain.SyncJob {
	jobs := make([]*domain.SyncJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs
}
