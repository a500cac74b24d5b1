// Package persistence provides PostgreSQL adapters for the repository
// ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"subs_server/core/domain"
	"subs_server/core/port/out"
)

// ConnectionAdapter implements out.ConnectionRepository. Token columns
// hold ciphertext; decryption is the token service's job.
type ConnectionAdapter struct {
	db *sqlx.DB
}

func NewConnectionAdapter(db *sqlx.DB) *ConnectionAdapter {
	return &ConnectionAdapter{db: db}
}

var _ out.ConnectionRepository = (*ConnectionAdapter)(nil)

type connectionRow struct {
	ID           int64          `db:"id"`
	UserID       string         `db:"user_id"`
	Provider     string         `db:"provider"`
	Email        string         `db:"email"`
	AccessToken  string         `db:"access_token"`
	RefreshToken string         `db:"refresh_token"`
	TokenExpiry  sql.NullTime   `db:"token_expiry"`
	Scopes       pq.StringArray `db:"scopes"`
	HistoryID    sql.NullString `db:"history_id"`
	LastSyncAt   sql.NullTime   `db:"last_sync_at"`
	IsActive     bool           `db:"is_active"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *connectionRow) toDomain() *domain.Connection {
	conn := &domain.Connection{
		ID:           r.ID,
		UserID:       r.UserID,
		Provider:     domain.Provider(r.Provider),
		Email:        r.Email,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Scopes:       []string(r.Scopes),
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.TokenExpiry.Valid {
		conn.TokenExpiry = r.TokenExpiry.Time
	}
	if r.HistoryID.Valid {
		conn.HistoryID = r.HistoryID.String
	}
	if r.LastSyncAt.Valid {
		conn.LastSyncAt = r.LastSyncAt.Time
	}
	return conn
}

const connectionColumns = `
	id, user_id, provider, email, access_token, refresh_token,
	token_expiry, scopes, history_id, last_sync_at, is_active,
	created_at, updated_at`

func (a *ConnectionAdapter) GetByID(ctx context.Context, id int64) (*domain.Connection, error) {
	var row connectionRow
	query := `SELECT` + connectionColumns + `
		FROM connections
		WHERE id = $1`

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.ErrNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (a *ConnectionAdapter) ListActive(ctx context.Context) ([]*domain.Connection, error) {
	var rows []connectionRow
	query := `SELECT` + connectionColumns + `
		FROM connections
		WHERE is_active = true
		ORDER BY id`

	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	conns := make([]*domain.Connection, 0, len(rows))
	for i := range rows {
		conns = append(conns, rows[i].toDomain())
	}
	return conns, nil
}

func (a *ConnectionAdapter) AdvanceCursor(ctx context.Context, id int64, historyID string, lastSyncAt time.Time) error {
	query := `
		UPDATE connections
		SET history_id = $2, last_sync_at = $3, updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id, toNullString(historyID), lastSyncAt)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (a *ConnectionAdapter) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	query := `
		UPDATE connections
		SET access_token = $2, refresh_token = $3, token_expiry = $4, updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id, accessToken, refreshToken, toNullTime(expiry))
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (a *ConnectionAdapter) SetActive(ctx context.Context, id int64, active bool) error {
	query := `
		UPDATE connections
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1`

	result, err := a.db.ExecContext(ctx, query, id, active)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// =============================================================================
// Shared helpers
// =============================================================================

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t sql.NullTime) time.Time {
	if t.Valid {
		return t.Time
	}
	return time.Time{}
}

// requireRow maps a zero-row update onto the not-found sentinel.
func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return out.ErrNotFound
	}
	return nil
}
