package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/assinado/assinado-backend/internal/apperr"
	"github.com/assinado/assinado-backend/internal/audit"
)

// Repository covers the document aggregate: documents, signers, share
// tokens, certificates and their audit chains. Tx hands the callback a
// repository bound to a serializable transaction; every method called on
// it, including AppendAudit, runs under that transaction.
type Repository interface {
	Tx(ctx context.Context, fn func(Repository) error) error
	AppendAudit(ctx context.Context, e audit.Entry) (*audit.AuditLog, error)

	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (*Document, error)
	GetDocumentBySHA256(ctx context.Context, sha256 string) (*Document, error)
	ListDocumentsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Document, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error
	UpdateDocumentFinalized(ctx context.Context, id uuid.UUID, storageKey, sha256, certificateKey string) error
	ListDocumentsWithDeadlineBetween(ctx context.Context, from, to time.Time) ([]Document, error)
	ListDocumentsPastDeadline(ctx context.Context, now time.Time) ([]Document, error)

	CreateSigner(ctx context.Context, signer *Signer) error
	GetSigner(ctx context.Context, id uuid.UUID) (*Signer, error)
	ListSigners(ctx context.Context, documentID uuid.UUID) ([]Signer, error)
	ListSignersForUpdate(ctx context.Context, documentID uuid.UUID) ([]Signer, error)
	UpdateSignerContact(ctx context.Context, id uuid.UUID, cpf, phone *string) error
	UpdateSignerPosition(ctx context.Context, id uuid.UUID, page int, x, y float64) error
	UpdateSignerStatus(ctx context.Context, id uuid.UUID, status SignerStatus) error
	UpdateSignerSigned(ctx context.Context, signer *Signer) error

	CreateShareToken(ctx context.Context, token *ShareToken) error
	GetShareTokenByHash(ctx context.Context, tokenHash string) (*ShareToken, error)

	CreateCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, documentID uuid.UUID) (*Certificate, error)

	CreateOTP(ctx context.Context, code *OtpCode) error
	LatestOTP(ctx context.Context, recipients []string, otpContext string) (*OtpCode, error)
	DeleteOTP(ctx context.Context, id uuid.UUID) error

	GetOwnerName(ctx context.Context, userID uuid.UUID) (string, error)
}

type postgresRepository struct {
	db      *sqlx.DB
	ext     sqlx.ExtContext
	auditor audit.Recorder
}

func NewRepository(db *sqlx.DB, auditor audit.Recorder) Repository {
	return &postgresRepository{db: db, ext: db, auditor: auditor}
}

// Tx runs fn against a serializable transaction. Serializable isolation
// plus the row locks taken by the ForUpdate variants is what guarantees
// exactly one committer observes "all signers SIGNED".
func (r *postgresRepository) Tx(ctx context.Context, fn func(Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txRepo := &postgresRepository{db: r.db, ext: tx, auditor: r.auditor}
	if err := fn(txRepo); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *postgresRepository) AppendAudit(ctx context.Context, e audit.Entry) (*audit.AuditLog, error) {
	return r.auditor.Append(ctx, r.ext, e)
}

func (r *postgresRepository) CreateDocument(ctx context.Context, doc *Document) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO documents (
			id, tenant_id, owner_id, title, mime_type, size, storage_key,
			sha256, status, certificate_key, deadline_at, created_at
		) VALUES (
			:id, :tenant_id, :owner_id, :title, :mime_type, :size, :storage_key,
			:sha256, :status, :certificate_key, :deadline_at, :created_at
		)`, doc)
	return err
}

func (r *postgresRepository) getDocument(ctx context.Context, id uuid.UUID, forUpdate bool) (*Document, error) {
	query := `SELECT * FROM documents WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var doc Document
	err := sqlx.GetContext(ctx, r.ext, &doc, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *postgresRepository) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	return r.getDocument(ctx, id, false)
}

func (r *postgresRepository) GetDocumentForUpdate(ctx context.Context, id uuid.UUID) (*Document, error) {
	return r.getDocument(ctx, id, true)
}

func (r *postgresRepository) GetDocumentBySHA256(ctx context.Context, hash string) (*Document, error) {
	var doc Document
	err := sqlx.GetContext(ctx, r.ext, &doc,
		`SELECT * FROM documents WHERE sha256 = $1 ORDER BY created_at DESC LIMIT 1`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *postgresRepository) ListDocumentsByTenant(ctx context.Context, tenantID uuid.UUID) ([]Document, error) {
	var docs []Document
	err := sqlx.SelectContext(ctx, r.ext, &docs,
		`SELECT * FROM documents WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	return docs, err
}

func (r *postgresRepository) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	_, err := r.ext.ExecContext(ctx, `UPDATE documents SET status = $1 WHERE id = $2`, status, id)
	return err
}

func (r *postgresRepository) UpdateDocumentFinalized(ctx context.Context, id uuid.UUID, storageKey, hash, certificateKey string) error {
	_, err := r.ext.ExecContext(ctx, `
		UPDATE documents SET status = $1, storage_key = $2, sha256 = $3, certificate_key = $4
		WHERE id = $5`, StatusSigned, storageKey, hash, certificateKey, id)
	return err
}

func (r *postgresRepository) ListDocumentsWithDeadlineBetween(ctx context.Context, from, to time.Time) ([]Document, error) {
	var docs []Document
	err := sqlx.SelectContext(ctx, r.ext, &docs, `
		SELECT * FROM documents
		WHERE deadline_at BETWEEN $1 AND $2 AND status IN ($3, $4)`,
		from, to, StatusReady, StatusPartiallySigned)
	return docs, err
}

func (r *postgresRepository) ListDocumentsPastDeadline(ctx context.Context, now time.Time) ([]Document, error) {
	var docs []Document
	err := sqlx.SelectContext(ctx, r.ext, &docs, `
		SELECT * FROM documents
		WHERE deadline_at < $1 AND status IN ($2, $3)`,
		now, StatusReady, StatusPartiallySigned)
	return docs, err
}

func (r *postgresRepository) CreateSigner(ctx context.Context, signer *Signer) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO signers (
			id, document_id, name, email, phone, cpf, qualification,
			auth_channels, sign_order, status
		) VALUES (
			:id, :document_id, :name, :email, :phone, :cpf, :qualification,
			:auth_channels, :sign_order, :status
		)`, signer)
	return err
}

func (r *postgresRepository) GetSigner(ctx context.Context, id uuid.UUID) (*Signer, error) {
	var signer Signer
	err := sqlx.GetContext(ctx, r.ext, &signer, `SELECT * FROM signers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &signer, nil
}

func (r *postgresRepository) listSigners(ctx context.Context, documentID uuid.UUID, forUpdate bool) ([]Signer, error) {
	query := `SELECT * FROM signers WHERE document_id = $1 ORDER BY sign_order ASC, id ASC`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var signers []Signer
	err := sqlx.SelectContext(ctx, r.ext, &signers, query, documentID)
	return signers, err
}

func (r *postgresRepository) ListSigners(ctx context.Context, documentID uuid.UUID) ([]Signer, error) {
	return r.listSigners(ctx, documentID, false)
}

func (r *postgresRepository) ListSignersForUpdate(ctx context.Context, documentID uuid.UUID) ([]Signer, error) {
	return r.listSigners(ctx, documentID, true)
}

func (r *postgresRepository) UpdateSignerContact(ctx context.Context, id uuid.UUID, cpf, phone *string) error {
	_, err := r.ext.ExecContext(ctx, `
		UPDATE signers SET cpf = COALESCE($1, cpf), phone = COALESCE($2, phone)
		WHERE id = $3`, cpf, phone, id)
	return err
}

func (r *postgresRepository) UpdateSignerPosition(ctx context.Context, id uuid.UUID, page int, x, y float64) error {
	_, err := r.ext.ExecContext(ctx, `
		UPDATE signers SET signature_position_page = $1, signature_position_x = $2, signature_position_y = $3
		WHERE id = $4`, page, x, y, id)
	return err
}

func (r *postgresRepository) UpdateSignerStatus(ctx context.Context, id uuid.UUID, status SignerStatus) error {
	_, err := r.ext.ExecContext(ctx, `UPDATE signers SET status = $1 WHERE id = $2`, status, id)
	return err
}

func (r *postgresRepository) UpdateSignerSigned(ctx context.Context, signer *Signer) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		UPDATE signers SET
			status = :status,
			signed_at = :signed_at,
			signature_hash = :signature_hash,
			signature_artefact_path = :signature_artefact_path
		WHERE id = :id`, signer)
	return err
}

func (r *postgresRepository) CreateShareToken(ctx context.Context, token *ShareToken) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO share_tokens (token_hash, document_id, signer_id, expires_at, consumed_at)
		VALUES (:token_hash, :document_id, :signer_id, :expires_at, :consumed_at)`, token)
	return err
}

func (r *postgresRepository) GetShareTokenByHash(ctx context.Context, tokenHash string) (*ShareToken, error) {
	var token ShareToken
	err := sqlx.GetContext(ctx, r.ext, &token,
		`SELECT * FROM share_tokens WHERE token_hash = $1`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (r *postgresRepository) CreateCertificate(ctx context.Context, cert *Certificate) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO certificates (document_id, storage_key, sha256, issued_at)
		VALUES (:document_id, :storage_key, :sha256, :issued_at)`, cert)
	return err
}

func (r *postgresRepository) GetCertificate(ctx context.Context, documentID uuid.UUID) (*Certificate, error) {
	var cert Certificate
	err := sqlx.GetContext(ctx, r.ext, &cert,
		`SELECT * FROM certificates WHERE document_id = $1`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (r *postgresRepository) CreateOTP(ctx context.Context, code *OtpCode) error {
	_, err := sqlx.NamedExecContext(ctx, r.ext, `
		INSERT INTO otp_codes (id, recipient, channel, code_hash, expires_at, context, created_at)
		VALUES (:id, :recipient, :channel, :code_hash, :expires_at, :context, :created_at)`, code)
	return err
}

// LatestOTP finds the newest challenge for any of the signer's contacts,
// regardless of the channel it went out on. When the same recipient gets
// codes over several channels close together, the most recent one wins.
func (r *postgresRepository) LatestOTP(ctx context.Context, recipients []string, otpContext string) (*OtpCode, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM otp_codes WHERE recipient IN (?) AND context = ?
		ORDER BY created_at DESC LIMIT 1`, recipients, otpContext)
	if err != nil {
		return nil, err
	}
	var code OtpCode
	err = sqlx.GetContext(ctx, r.ext, &code, sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (r *postgresRepository) DeleteOTP(ctx context.Context, id uuid.UUID) error {
	_, err := r.ext.ExecContext(ctx, `DELETE FROM otp_codes WHERE id = $1`, id)
	return err
}

func (r *postgresRepository) GetOwnerName(ctx context.Context, userID uuid.UUID) (string, error) {
	var name string
	err := sqlx.GetContext(ctx, r.ext, &name, `SELECT name FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.ErrNotFound
	}
	return name, err
}
