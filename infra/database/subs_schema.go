package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaStatements are idempotent and run in order at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id            BIGSERIAL PRIMARY KEY,
		user_id       TEXT NOT NULL,
		provider      TEXT NOT NULL DEFAULT 'gmail',
		email         TEXT NOT NULL,
		access_token  TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expiry  TIMESTAMPTZ,
		scopes        TEXT[] NOT NULL DEFAULT '{}',
		history_id    TEXT,
		last_sync_at  TIMESTAMPTZ,
		is_active     BOOLEAN NOT NULL DEFAULT true,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (user_id, provider, email)
	)`,

	`CREATE TABLE IF NOT EXISTS processed_emails (
		id              BIGSERIAL PRIMARY KEY,
		connection_id   BIGINT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
		message_id      TEXT NOT NULL UNIQUE,
		subject         TEXT,
		sender          TEXT,
		received_at     TIMESTAMPTZ,
		processed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_subscription BOOLEAN NOT NULL DEFAULT false,
		confidence      DOUBLE PRECISION,
		vendor          TEXT,
		email_type      TEXT,
		error           TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_emails_connection
		ON processed_emails (connection_id, processed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id              BIGSERIAL PRIMARY KEY,
		connection_id   BIGINT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
		vendor_name     TEXT NOT NULL,
		vendor_email    TEXT,
		amount          DOUBLE PRECISION,
		currency        TEXT,
		billing_cycle   TEXT NOT NULL DEFAULT 'unknown',
		next_billing_at TIMESTAMPTZ,
		last_billing_at TIMESTAMPTZ,
		status          TEXT NOT NULL DEFAULT 'active',
		renewal_type    TEXT NOT NULL DEFAULT 'unknown',
		confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
		category        TEXT,
		notes           TEXT,
		user_verified   BOOLEAN NOT NULL DEFAULT false,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_connection_vendor
		ON subscriptions (connection_id, vendor_name)`,

	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id                  UUID PRIMARY KEY,
		connection_id       BIGINT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
		sync_type           TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'pending',
		total_emails        INTEGER NOT NULL DEFAULT 0,
		processed_emails    INTEGER NOT NULL DEFAULT 0,
		subscriptions_found INTEGER NOT NULL DEFAULT 0,
		error_count         INTEGER NOT NULL DEFAULT 0,
		error_message       TEXT,
		started_at          TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	// One live job per connection. This index is the single-flight
	// guarantee; the conditional insert relies on it under races.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_one_active
		ON sync_jobs (connection_id)
		WHERE status IN ('pending', 'running')`,
	`CREATE INDEX IF NOT EXISTS idx_sync_jobs_status
		ON sync_jobs (status, started_at)`,
}

// EnsureSchema creates tables and indexes if missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// ResetData truncates all pipeline tables. Admin-only, used by the
// reset endpoint in development environments.
func ResetData(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx,
		`TRUNCATE sync_jobs, subscriptions, processed_emails RESTART IDENTITY CASCADE`)
	return err
}
