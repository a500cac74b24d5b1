package domain

import "time"

// =============================================================================
// ProgressUpdate - ephemeral job progress, never persisted
// =============================================================================

type ProgressEventType string

const (
	ProgressEventConnected ProgressEventType = "connected"
	ProgressEventProgress  ProgressEventType = "progress"
	ProgressEventComplete  ProgressEventType = "complete"
	ProgressEventError     ProgressEventType = "error"
)

// ProgressUpdate is a point-in-time projection of a running job's
// counters, pushed to subscribers and discarded on completion.
type ProgressUpdate struct {
	Event              ProgressEventType `json:"event"`
	JobID              string            `json:"job_id"`
	TotalEmails        int               `json:"total_emails"`
	ProcessedEmails    int               `json:"processed_emails"`
	SubscriptionsFound int               `json:"subscriptions_found"`
	ErrorCount         int               `json:"error_count"`
	ElapsedSeconds     float64           `json:"elapsed_seconds"`
	ETASeconds         float64           `json:"eta_seconds,omitempty"`
	Message            string            `json:"message,omitempty"`
}

// EstimateETA extrapolates remaining time linearly from throughput so far.
// Returns 0 when no estimate is possible yet.
func EstimateETA(elapsed time.Duration, processed, total int) float64 {
	if processed <= 0 || total <= 0 || processed >= total {
		return 0
	}
	perEmail := elapsed.Seconds() / float64(processed)
	return perEmail * float64(total-processed)
}
