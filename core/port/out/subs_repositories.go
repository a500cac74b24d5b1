package out

import (
	"context"
	"errors"
	"time"

	"subs_server/core/domain"
)

// Sentinel errors returned by repository implementations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")

	// ErrConflict reports a conditional write that matched no row because
	// the row is no longer in an eligible state.
	ErrConflict = errors.New("conflicting state")
)

// =============================================================================
// Repository Ports
// =============================================================================

// ConnectionRepository persists mailbox connections.
type ConnectionRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Connection, error)
	ListActive(ctx context.Context) ([]*domain.Connection, error)

	// AdvanceCursor stores the new history cursor and last-sync time.
	// Called only by the orchestrator after a successful sync.
	AdvanceCursor(ctx context.Context, id int64, historyID string, lastSyncAt time.Time) error

	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error
	SetActive(ctx context.Context, id int64, active bool) error
}

// ProcessedEmailRepository persists per-message evaluation outcomes.
type ProcessedEmailRepository interface {
	// Insert writes a row unless the message id already exists.
	// Returns false when the row was suppressed as a duplicate.
	Insert(ctx context.Context, email *domain.ProcessedEmail) (bool, error)

	Exists(ctx context.Context, messageID string) (bool, error)

	// FilterUnprocessed returns the subset of ids with no successful row
	// yet. Rows recorded with an error count as unprocessed so the next
	// run retries them.
	FilterUnprocessed(ctx context.Context, ids []string) ([]string, error)

	// AttachResult records a late classification outcome on an existing
	// row and clears any recorded error.
	AttachResult(ctx context.Context, messageID string, isSubscription bool, confidence float64, vendor, emailType string) error

	ListByConnection(ctx context.Context, connectionID int64, limit, offset int) ([]*domain.ProcessedEmail, error)
}

// SubscriptionRepository persists detected subscriptions.
type SubscriptionRepository interface {
	Insert(ctx context.Context, sub *domain.Subscription) (int64, error)

	// FindCandidates returns existing subscriptions for the connection
	// whose vendor name shares a prefix with the candidate, narrowed for
	// the dedup pass.
	FindCandidates(ctx context.Context, connectionID int64, vendorPrefix string) ([]*domain.Subscription, error)

	ListByConnection(ctx context.Context, connectionID int64) ([]*domain.Subscription, error)
	GetByID(ctx context.Context, id int64) (*domain.Subscription, error)
	Update(ctx context.Context, sub *domain.Subscription) error
}

// SyncJobRepository persists sync jobs and enforces single-flight.
type SyncJobRepository interface {
	// InsertIfIdle atomically creates a pending job unless a non-terminal
	// job already exists for the connection. Returns ErrDuplicate from
	// the persistence layer when the slot is taken.
	InsertIfIdle(ctx context.Context, job *domain.SyncJob) error

	GetByID(ctx context.Context, id string) (*domain.SyncJob, error)
	ListByConnection(ctx context.Context, connectionID int64, limit int) ([]*domain.SyncJob, error)
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.SyncJob, error)

	// UpdateStatus writes the new status. Only non-terminal jobs are
	// eligible; writing to a terminal job returns ErrConflict.
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errorMessage string) error
	UpdateCounters(ctx context.Context, id string, c domain.JobCounters) error

	// FailStuck force-fails running jobs started before the cutoff, plus
	// pending jobs created before it whose runner never started. Returns
	// how many were transitioned.
	FailStuck(ctx context.Context, cutoff time.Time, errorMessage string) (int64, error)

	// PurgeTerminal removes terminal jobs completed before the cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// =============================================================================
// Token Source Port
// =============================================================================

// TokenSourcePort supplies a usable decrypted token pair for a
// connection, refreshing when expired. Credential failure is job-fatal.
type TokenSourcePort interface {
	AccessToken(ctx context.Context, conn *domain.Connection) (string, error)
}

// =============================================================================
// Body Archive Port
// =============================================================================

// EmailBodyStorePort archives raw message bodies out-of-band. Optional;
// a nil implementation disables archiving.
type EmailBodyStorePort interface {
	Save(ctx context.Context, connectionID int64, messageID, body string) error
	Get(ctx context.Context, messageID string) (string, error)
}
