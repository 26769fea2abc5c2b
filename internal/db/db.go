package db

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/assinado/assinado-backend/internal/config"
)

// Connect opens the Postgres pool with the configured limits.
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	database, err := sqlx.Connect("postgres", cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	database.SetMaxOpenConns(cfg.MaxConnections)
	database.SetMaxIdleConns(cfg.MaxIdleConns)
	database.SetConnMaxLifetime(30 * time.Minute)
	return database, nil
}

// Migrate applies the schema. Statements are idempotent so it can run on
// every boot.
func Migrate(database *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := database.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'USER',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id),
		owner_id UUID NOT NULL REFERENCES users(id),
		title TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size BIGINT NOT NULL,
		storage_key TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		status TEXT NOT NULL,
		certificate_key TEXT,
		deadline_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_sha256 ON documents(sha256)`,
	`CREATE TABLE IF NOT EXISTS signers (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id),
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		phone TEXT,
		cpf TEXT,
		qualification TEXT,
		auth_channels TEXT[] NOT NULL,
		sign_order INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'PENDING',
		signed_at TIMESTAMPTZ,
		signature_hash TEXT,
		signature_artefact_path TEXT,
		signature_position_page INT,
		signature_position_x DOUBLE PRECISION,
		signature_position_y DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signers_document ON signers(document_id)`,
	`CREATE TABLE IF NOT EXISTS share_tokens (
		token_hash TEXT PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id),
		signer_id UUID NOT NULL REFERENCES signers(id),
		expires_at TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS otp_codes (
		id UUID PRIMARY KEY,
		recipient TEXT NOT NULL,
		channel TEXT NOT NULL,
		code_hash TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		context TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_otp_recipient ON otp_codes(recipient, context, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		actor_kind TEXT NOT NULL,
		actor_id TEXT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		prev_event_hash TEXT NOT NULL,
		event_hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_logs(entity_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS certificates (
		document_id UUID PRIMARY KEY REFERENCES documents(id),
		storage_key TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL
	)`,
}
