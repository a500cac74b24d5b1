// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"

	"subs_server/core/domain"
)

// =============================================================================
// Message Source Port
// =============================================================================

// ListWindow controls how far back a candidate listing reaches.
type ListWindow struct {
	Mode       domain.SyncType
	MaxResults int
}

// MessageSourcePort abstracts the mailbox provider into candidate
// listing and content fetching. Pagination and rate-limit retry live
// behind this port.
type MessageSourcePort interface {
	// ListSince returns candidate message ids for the connection's sync
	// window. Uses the history cursor when present; a stale cursor falls
	// back to a date query without failing the call.
	ListSince(ctx context.Context, conn *domain.Connection, window ListWindow) ([]string, error)

	// Fetch retrieves full content for one message.
	Fetch(ctx context.Context, conn *domain.Connection, messageID string) (*domain.EmailContent, error)

	// BatchFetch fetches ids in chunks with bounded parallelism.
	// Per-id failures are captured and never abort the batch.
	BatchFetch(ctx context.Context, conn *domain.Connection, ids []string) *BatchResult

	// CurrentCursor returns the provider's present history cursor, used
	// to advance the connection after a successful sync.
	CurrentCursor(ctx context.Context, conn *domain.Connection) (string, error)
}

// FetchFailure records one id that could not be fetched.
type FetchFailure struct {
	MessageID string
	Err       error
}

// BatchResult separates fetched content from per-id failures.
type BatchResult struct {
	Successful []*domain.EmailContent
	Failed     []FetchFailure
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode classifies mailbox provider failures.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
)

// ProviderError represents a mailbox provider failure. Retryable drives
// the backoff loop; auth failures are never retryable and abort the job.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable satisfies the retry package's Retryable interface.
func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

// IsFatal reports whether the error must abort the whole sync job.
func (e *ProviderError) IsFatal() bool {
	return e.Code == ProviderErrAuth || e.Code == ProviderErrTokenExpired
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}
