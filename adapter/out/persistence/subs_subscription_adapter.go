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

// SubscriptionAdapter implements out.SubscriptionRepository.
type SubscriptionAdapter struct {
	db *sqlx.DB
}

func NewSubscriptionAdapter(db *sqlx.DB) *SubscriptionAdapter {
	return &SubscriptionAdapter{db: db}
}

var _ out.SubscriptionRepository = (*SubscriptionAdapter)(nil)

type subscriptionRow struct {
	ID            int64           `db:"id"`
	ConnectionID  int64           `db:"connection_id"`
	VendorName    string          `db:"vendor_name"`
	VendorEmail   sql.NullString  `db:"vendor_email"`
	Amount        sql.NullFloat64 `db:"amount"`
	Currency      sql.NullString  `db:"currency"`
	BillingCycle  string          `db:"billing_cycle"`
	NextBillingAt sql.NullTime    `db:"next_billing_at"`
	LastBillingAt sql.NullTime    `db:"last_billing_at"`
	Status        string          `db:"status"`
	RenewalType   string          `db:"renewal_type"`
	Confidence    float64         `db:"confidence"`
	Category      sql.NullString  `db:"category"`
	Notes         sql.NullString  `db:"notes"`
	UserVerified  bool            `db:"user_verified"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r *subscriptionRow) toDomain() *domain.Subscription {
	return &domain.Subscription{
		ID:            r.ID,
		ConnectionID:  r.ConnectionID,
		VendorName:    r.VendorName,
		VendorEmail:   r.VendorEmail.String,
		Amount:        r.Amount.Float64,
		Currency:      r.Currency.String,
		BillingCycle:  domain.BillingCycle(r.BillingCycle),
		NextBillingAt: fromNullTime(r.NextBillingAt),
		LastBillingAt: fromNullTime(r.LastBillingAt),
		Status:        domain.SubscriptionStatus(r.Status),
		RenewalType:   domain.RenewalType(r.RenewalType),
		Confidence:    r.Confidence,
		Category:      r.Category.String,
		Notes:         r.Notes.String,
		UserVerified:  r.UserVerified,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

const subscriptionColumns = `
	id, connection_id, vendor_name, vendor_email, amount, currency,
	billing_cycle, next_billing_at, last_billing_at, status, renewal_type,
	confidence, category, notes, user_verified, created_at, updated_at`

func (a *SubscriptionAdapter) Insert(ctx context.Context, sub *domain.Subscription) (int64, error) {
	query := `
		INSERT INTO subscriptions
			(connection_id, vendor_name, vendor_email, amount, currency,
			 billing_cycle, next_billing_at, last_billing_at, status,
			 renewal_type, confidence, category, notes, user_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	var id int64
	err := a.db.GetContext(ctx, &id, query,
		sub.ConnectionID, sub.VendorName, toNullString(sub.VendorEmail),
		sql.NullFloat64{Float64: sub.Amount, Valid: sub.Amount > 0},
		toNullString(sub.Currency), string(sub.BillingCycle),
		toNullTime(sub.NextBillingAt), toNullTime(sub.LastBillingAt),
		string(sub.Status), string(sub.RenewalType), sub.Confidence,
		toNullString(sub.Category), toNullString(sub.Notes), sub.UserVerified)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FindCandidates narrows the dedup comparison set with a vendor name
// prefix match.
func (a *SubscriptionAdapter) FindCandidates(ctx context.Context, connectionID int64, vendorPrefix string) ([]*domain.Subscription, error) {
	var rows []subscriptionRow
	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE connection_id = $1 AND vendor_name ILIKE $2 || '%'
		ORDER BY id`

	if err := a.db.SelectContext(ctx, &rows, query, connectionID, vendorPrefix); err != nil {
		return nil, err
	}
	return toDomainSubs(rows), nil
}

func (a *SubscriptionAdapter) ListByConnection(ctx context.Context, connectionID int64) ([]*domain.Subscription, error) {
	var rows []subscriptionRow
	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE connection_id = $1
		ORDER BY created_at DESC`

	if err := a.db.SelectContext(ctx, &rows, query, connectionID); err != nil {
		return nil, err
	}
	return toDomainSubs(rows), nil
}

func (a *SubscriptionAdapter) GetByID(ctx context.Context, id int64) (*domain.Subscription, error) {
	var row subscriptionRow
	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE id = $1`

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *SubscriptionAdapter) Update(ctx context.Context, sub *domain.Subscription) error {
	query := `
		UPDATE subscriptions
		SET vendor_name = $2, vendor_email = $3, amount = $4, currency = $5,
		    billing_cycle = $6, next_billing_at = $7, last_billing_at = $8,
		    status = $9, renewal_type = $10, confidence = $11, category = $12,
		    notes = $13, user_verified = $14, updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, sub.ID,
		sub.VendorName, toNullString(sub.VendorEmail),
		sql.NullFloat64{Float64: sub.Amount, Valid: sub.Amount > 0},
		toNullString(sub.Currency), string(sub.BillingCycle),
		toNullTime(sub.NextBillingAt), toNullTime(sub.LastBillingAt),
		string(sub.Status), string(sub.RenewalType), sub.Confidence,
		toNullString(sub.Category), toNullString(sub.Notes), sub.UserVerified)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func toDomainSubs(rows []subscriptionRow) []*domain.Subscription {
	subs := make([]*domain.Subscription, 0, len(rows))
	for i := range rows {
		subs = append(subs, rows[i].toDomain())
	}
	return subs
}
