package domain

import "time"

// =============================================================================
// Subscription - a detected recurring billing relationship
// =============================================================================

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionUnknown  SubscriptionStatus = "unknown"
)

type BillingCycle string

const (
	BillingMonthly   BillingCycle = "monthly"
	BillingYearly    BillingCycle = "yearly"
	BillingWeekly    BillingCycle = "weekly"
	BillingQuarterly BillingCycle = "quarterly"
	BillingUnknown   BillingCycle = "unknown"
)

type RenewalType string

const (
	RenewalAuto    RenewalType = "auto"
	RenewalManual  RenewalType = "manual"
	RenewalUnknown RenewalType = "unknown"
)

// Subscription is created by the pipeline on first detection of a new
// vendor relationship. Later syncs never overwrite a subscription the
// user has verified.
type Subscription struct {
	ID           int64 `json:"id"`
	ConnectionID int64 `json:"connection_id"`

	VendorName  string `json:"vendor_name"`
	VendorEmail string `json:"vendor_email,omitempty"`

	Amount   float64 `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`

	BillingCycle  BillingCycle `json:"billing_cycle"`
	NextBillingAt time.Time    `json:"next_billing_at,omitempty"`
	LastBillingAt time.Time    `json:"last_billing_at,omitempty"`

	Status      SubscriptionStatus `json:"status"`
	RenewalType RenewalType        `json:"renewal_type"`
	Confidence  float64            `json:"confidence"`
	Category    string             `json:"category,omitempty"`

	// User overrides
	Notes        string `json:"notes,omitempty"`
	UserVerified bool   `json:"user_verified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseBillingCycle maps free-form classifier output onto a known cycle.
func ParseBillingCycle(s string) BillingCycle {
	switch s {
	case "monthly", "month":
		return BillingMonthly
	case "yearly", "annual", "annually", "year":
		return BillingYearly
	case "weekly", "week":
		return BillingWeekly
	case "quarterly", "quarter":
		return BillingQuarterly
	default:
		return BillingUnknown
	}
}
