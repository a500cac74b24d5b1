package domain

import "time"

// =============================================================================
// Connection - a linked mailbox account
// =============================================================================

type Provider string

const (
	ProviderGmail Provider = "gmail"
)

// Connection represents a linked mailbox. Tokens are stored encrypted;
// the token service hands out decrypted pairs. The sync cursor
// (HistoryID / LastSyncAt) is advanced only by the orchestrator at
// successful job completion.
type Connection struct {
	ID       int64    `json:"id"`
	UserID   string   `json:"user_id"`
	Provider Provider `json:"provider"`
	Email    string   `json:"email"`

	// Encrypted at rest
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`

	// Sync cursor
	HistoryID  string    `json:"history_id,omitempty"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenExpired reports whether the access token needs a refresh.
func (c *Connection) TokenExpired() bool {
	if c.TokenExpiry.IsZero() {
		return false
	}
	return time.Now().After(c.TokenExpiry.Add(-1 * time.Minute))
}

// HasHistoryCursor reports whether incremental sync can use the
// provider history API instead of a date query.
func (c *Connection) HasHistoryCursor() bool {
	return c.HistoryID != ""
}
