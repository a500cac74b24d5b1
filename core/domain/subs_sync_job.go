package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// SyncJob - one row per pipeline invocation
// =============================================================================

type SyncType string

const (
	SyncInitial     SyncType = "initial"
	SyncIncremental SyncType = "incremental"
	SyncManual      SyncType = "manual"
)

// ParseSyncType validates a sync mode string.
func ParseSyncType(s string) (SyncType, error) {
	switch SyncType(s) {
	case SyncInitial, SyncIncremental, SyncManual:
		return SyncType(s), nil
	default:
		return "", fmt.Errorf("unknown sync type: %q", s)
	}
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces the one-directional state machine:
// pending -> running -> {completed, failed, cancelled}. A pending job
// may also be cancelled or failed directly.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case JobPending:
		return next == JobRunning || next == JobFailed || next == JobCancelled
	case JobRunning:
		return next.IsTerminal()
	}
	return false
}

// SyncJob tracks one sync run. At most one non-terminal job may exist
// per connection at a time.
type SyncJob struct {
	ID           string    `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	Type         SyncType  `json:"type"`
	Status       JobStatus `json:"status"`

	// Counters, monotonically increasing
	TotalEmails        int `json:"total_emails"`
	ProcessedEmails    int `json:"processed_emails"`
	SubscriptionsFound int `json:"subscriptions_found"`
	ErrorCount         int `json:"error_count"`

	ErrorMessage string    `json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobCounters is a progress snapshot applied to a running job.
type JobCounters struct {
	Total     int
	Processed int
	Found     int
	Errors    int
}

// ApplyCounters updates the job's counters without ever decreasing them.
func (j *SyncJob) ApplyCounters(c JobCounters) {
	if c.Total > j.TotalEmails {
		j.TotalEmails = c.Total
	}
	if c.Processed > j.ProcessedEmails {
		j.ProcessedEmails = c.Processed
	}
	if c.Found > j.SubscriptionsFound {
		j.SubscriptionsFound = c.Found
	}
	if c.Errors > j.ErrorCount {
		j.ErrorCount = c.Errors
	}
}

// Duration returns the job's wall time, or elapsed time if still running.
func (j *SyncJob) Duration() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.CompletedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.CompletedAt.Sub(j.StartedAt)
}
