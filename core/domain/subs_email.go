package domain

import "time"

// =============================================================================
// EmailContent - fetched message content, never persisted as-is
// =============================================================================

type EmailContent struct {
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// =============================================================================
// ProcessedEmail - one row per message ever evaluated (idempotence anchor)
// =============================================================================

// ProcessedEmail records the outcome of evaluating one mailbox message.
// MessageID is globally unique; re-syncing an overlapping window must not
// create a second row.
type ProcessedEmail struct {
	ID           int64     `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	MessageID    string    `json:"message_id"`
	Subject      string    `json:"subject,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	ReceivedAt   time.Time `json:"received_at,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`

	// Classification outcome
	IsSubscription bool    `json:"is_subscription"`
	Confidence     float64 `json:"confidence,omitempty"`
	Vendor         string  `json:"vendor,omitempty"`
	EmailType      string  `json:"email_type,omitempty"`

	// Per-email failure, recorded instead of aborting the sync
	Error string `json:"error,omitempty"`
}

// ClassificationResult is the parsed, validated output of one LLM call.
type ClassificationResult struct {
	IsSubscription bool    `json:"is_subscription"`
	Vendor         string  `json:"vendor,omitempty"`
	VendorEmail    string  `json:"vendor_email,omitempty"`
	EmailType      string  `json:"email_type,omitempty"`
	Amount         float64 `json:"amount,omitempty"`
	Currency       string  `json:"currency,omitempty"`
	BillingCycle   string  `json:"billing_cycle,omitempty"`
	NextBillingAt  string  `json:"next_billing_date,omitempty"`
	Confidence     float64 `json:"confidence"`
}
