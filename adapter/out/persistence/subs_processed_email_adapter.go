package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"subs_server/core/domain"
	"subs_server/core/port/out"
)

// ProcessedEmailAdapter implements out.ProcessedEmailRepository. The
// message_id unique constraint is what makes re-syncs idempotent.
type ProcessedEmailAdapter struct {
	db *sqlx.DB
}

func NewProcessedEmailAdapter(db *sqlx.DB) *ProcessedEmailAdapter {
	return &ProcessedEmailAdapter{db: db}
}

var _ out.ProcessedEmailRepository = (*ProcessedEmailAdapter)(nil)

type processedEmailRow struct {
	ID             int64           `db:"id"`
	ConnectionID   int64           `db:"connection_id"`
	MessageID      string          `db:"message_id"`
	Subject        sql.NullString  `db:"subject"`
	Sender         sql.NullString  `db:"sender"`
	ReceivedAt     sql.NullTime    `db:"received_at"`
	ProcessedAt    time.Time       `db:"processed_at"`
	IsSubscription bool            `db:"is_subscription"`
	Confidence     sql.NullFloat64 `db:"confidence"`
	Vendor         sql.NullString  `db:"vendor"`
	EmailType      sql.NullString  `db:"email_type"`
	Error          sql.NullString  `db:"error"`
}

func (r *processedEmailRow) toDomain() *domain.ProcessedEmail {
	return &domain.ProcessedEmail{
		ID:             r.ID,
		ConnectionID:   r.ConnectionID,
		MessageID:      r.MessageID,
		Subject:        r.Subject.String,
		Sender:         r.Sender.String,
		ReceivedAt:     fromNullTime(r.ReceivedAt),
		ProcessedAt:    r.ProcessedAt,
		IsSubscription: r.IsSubscription,
		Confidence:     r.Confidence.Float64,
		Vendor:         r.Vendor.String,
		EmailType:      r.EmailType.String,
		Error:          r.Error.String,
	}
}

// Insert writes the outcome row. A duplicate message id is suppressed
// and reported, never treated as an error.
func (a *ProcessedEmailAdapter) Insert(ctx context.Context, email *domain.ProcessedEmail) (bool, error) {
	query := `
		INSERT INTO processed_emails
			(connection_id, message_id, subject, sender, received_at,
			 processed_at, is_subscription, confidence, vendor, email_type, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (message_id) DO NOTHING`

	processedAt := email.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}

	result, err := a.db.ExecContext(ctx, query,
		email.ConnectionID, email.MessageID,
		toNullString(email.Subject), toNullString(email.Sender), toNullTime(email.ReceivedAt),
		processedAt, email.IsSubscription,
		sql.NullFloat64{Float64: email.Confidence, Valid: email.Confidence > 0},
		toNullString(email.Vendor), toNullString(email.EmailType), toNullString(email.Error))
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (a *ProcessedEmailAdapter) Exists(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM processed_emails WHERE message_id = $1)`

	if err := a.db.GetContext(ctx, &exists, query, messageID); err != nil {
		return false, err
	}
	return exists, nil
}

// FilterUnprocessed returns ids with no successful outcome row yet,
// preserving input order. Rows that only recorded an error are treated
// as unprocessed so a later run retries them.
func (a *ProcessedEmailAdapter) FilterUnprocessed(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var known []string
	query := `
		SELECT message_id FROM processed_emails
		WHERE message_id = ANY($1) AND (error IS NULL OR error = '')`

	if err := a.db.SelectContext(ctx, &known, query, pq.Array(ids)); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(known))
	for _, id := range known {
		seen[id] = true
	}

	unprocessed := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			unprocessed = append(unprocessed, id)
		}
	}
	return unprocessed, nil
}

// AttachResult overwrites the outcome on an existing row and clears the
// recorded error. This is the retry path for emails whose first
// evaluation failed.
func (a *ProcessedEmailAdapter) AttachResult(ctx context.Context, messageID string, isSubscription bool, confidence float64, vendor, emailType string) error {
	query := `
		UPDATE processed_emails
		SET is_subscription = $2, confidence = $3, vendor = $4, email_type = $5,
		    error = NULL, processed_at = NOW()
		WHERE message_id = $1`

	result, err := a.db.ExecContext(ctx, query, messageID, isSubscription,
		sql.NullFloat64{Float64: confidence, Valid: confidence > 0},
		toNullString(vendor), toNullString(emailType))
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (a *ProcessedEmailAdapter) ListByConnection(ctx context.Context, connectionID int64, limit, offset int) ([]*domain.ProcessedEmail, error) {
	var rows []processedEmailRow
	query := `
		SELECT id, connection_id, message_id, subject, sender, received_at,
		       processed_at, is_subscription, confidence, vendor, email_type, error
		FROM processed_emails
		WHERE connection_id = $1
		ORDER BY processed_at DESC
		LIMIT $2 OFFSET $3`

	if err := a.db.SelectContext(ctx, &rows, query, connectionID, limit, offset); err != nil {
		return nil, err
	}

	emails := make([]*domain.ProcessedEmail, 0, len(rows))
	for i := range rows {
		emails = append(emails, rows[i].toDomain())
	}
	return emails, nil
}
