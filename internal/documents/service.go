package documents

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/assinado/assinado-backend/internal/apperr"
	"github.com/assinado/assinado-backend/internal/audit"
	"github.com/assinado/assinado-backend/internal/config"
	"github.com/assinado/assinado-backend/internal/notifications"
	"github.com/assinado/assinado-backend/pkg/clock"
	"github.com/assinado/assinado-backend/pkg/metrics"
	"github.com/assinado/assinado-backend/pkg/random"
	"github.com/assinado/assinado-backend/pkg/storage"
)

// ChainReader is the audit read surface the document service needs.
type ChainReader interface {
	audit.Lister
	ListForEntities(ctx context.Context, entityIDs []string) ([]audit.AuditLog, error)
}

// Stamper produces the finalized artefacts. *Finalizer is the real one.
type Stamper interface {
	Stamp(ctx context.Context, doc *Document, signers []Signer) (*StampResult, error)
	WriteCertificatePDF(ctx context.Context, doc *Document, signers []Signer, finalHash string, issuedAt time.Time) (string, error)
}

// Actor identifies who is performing a public operation, for audit rows.
type Actor struct {
	Kind      audit.ActorKind
	ID        *string
	TenantID  uuid.UUID
	IP        string
	UserAgent string
}

func UserActor(userID, tenantID uuid.UUID, ip, userAgent string) Actor {
	id := userID.String()
	return Actor{Kind: audit.ActorUser, ID: &id, TenantID: tenantID, IP: ip, UserAgent: userAgent}
}

func SystemActor() Actor {
	return Actor{Kind: audit.ActorSystem}
}

type UploadRequest struct {
	TenantID   uuid.UUID
	OwnerID    uuid.UUID
	Title      string
	DeadlineAt *time.Time
	FileName   string
	MimeType   string
	Size       int64
	Content    io.Reader
}

type SignerInvite struct {
	Name          string   `json:"name" binding:"required"`
	Email         string   `json:"email" binding:"required,email"`
	Phone         string   `json:"phone"`
	CPF           string   `json:"cpf"`
	Qualification string   `json:"qualification"`
	AuthChannels  []string `json:"authChannels"`
	Order         int      `json:"order"`
}

// Service owns the document lifecycle: upload, invitations, status
// transitions, finalization and the public provenance check.
type Service struct {
	repo      Repository
	blobs     storage.Store
	finalizer Stamper
	chains    ChainReader
	verifier  *audit.Verifier
	notifier  notifications.Notifier
	clock     clock.Clock
	random    random.Source
	cfg       config.SigningConfig
	logger    *zap.Logger
	metrics   *metrics.Collector
}

func NewService(
	repo Repository,
	blobs storage.Store,
	finalizer Stamper,
	chains ChainReader,
	verifier *audit.Verifier,
	notifier notifications.Notifier,
	clk clock.Clock,
	rnd random.Source,
	cfg config.SigningConfig,
	logger *zap.Logger,
	collector *metrics.Collector,
) *Service {
	return &Service{
		repo:      repo,
		blobs:     blobs,
		finalizer: finalizer,
		chains:    chains,
		verifier:  verifier,
		notifier:  notifier,
		clock:     clk,
		random:    rnd,
		cfg:       cfg,
		logger:    logger.With(zap.String("service", "documents")),
		metrics:   collector,
	}
}

// CreateWithUpload ingests an uploaded file: temp blob, atomic rename
// into the tenant's prefix, content hash, then the row and the
// STORAGE_UPLOADED entry under one transaction. Blob cleanup mirrors the
// failure point: temp on rename failure, final on commit failure.
func (s *Service) CreateWithUpload(ctx context.Context, actor Actor, req UploadRequest) (*Document, error) {
	if req.FileName == "" || req.Content == nil {
		return nil, fmt.Errorf("%w: file is required", apperr.ErrValidation)
	}

	docID := uuid.New()
	hasher := sha256.New()

	tempKey, err := s.blobs.WriteTemp(ctx, io.TeeReader(req.Content, hasher))
	if err != nil {
		return nil, err
	}

	ext := path.Ext(req.FileName)
	if ext == "" {
		ext = ".pdf"
	}
	finalKey := fmt.Sprintf("%s/%s%s", req.TenantID, docID, ext)
	if err := s.blobs.Rename(ctx, tempKey, finalKey); err != nil {
		_ = s.blobs.Remove(ctx, tempKey)
		return nil, err
	}

	contentHash := hex.EncodeToString(hasher.Sum(nil))
	title := req.Title
	if title == "" {
		title = req.FileName
	}

	doc := &Document{
		ID:         docID,
		TenantID:   req.TenantID,
		OwnerID:    req.OwnerID,
		Title:      title,
		MimeType:   req.MimeType,
		Size:       req.Size,
		StorageKey: finalKey,
		SHA256:     contentHash,
		Status:     StatusReady,
		DeadlineAt: req.DeadlineAt,
		CreatedAt:  s.clock.Now(),
	}

	err = s.repo.Tx(ctx, func(tx Repository) error {
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return fmt.Errorf("create document row: %w", err)
		}
		_, err := tx.AppendAudit(ctx, audit.Entry{
			TenantID:   doc.TenantID,
			ActorKind:  actor.Kind,
			ActorID:    actor.ID,
			EntityType: audit.EntityDocument,
			EntityID:   doc.ID.String(),
			Action:     audit.ActionStorageUploaded,
			IP:         actor.IP,
			UserAgent:  actor.UserAgent,
			Payload:    audit.P(audit.F("fileName", req.FileName), audit.F("sha256", contentHash)),
		})
		return err
	})
	if err != nil {
		_ = s.blobs.Remove(ctx, finalKey)
		return nil, err
	}

	s.metrics.DocumentsUploaded.Inc()
	s.logger.Info("document uploaded",
		zap.String("document_id", doc.ID.String()),
		zap.String("sha256", contentHash))
	return doc, nil
}

// GetDocument fetches a document visible to the actor's tenant.
func (s *Service) GetDocument(ctx context.Context, actor Actor, id uuid.UUID) (*Document, error) {
	doc, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Kind == audit.ActorUser && doc.TenantID != actor.TenantID {
		return nil, apperr.ErrNotFound
	}
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, actor Actor) ([]Document, error) {
	return s.repo.ListDocumentsByTenant(ctx, actor.TenantID)
}

// InviteSigners creates one signer per descriptor, each under its own
// transaction, and hands the cleartext token to the notifier exactly once
// after that transaction commits. Tokens are never logged or persisted.
func (s *Service) InviteSigners(ctx context.Context, actor Actor, docID uuid.UUID, invites []SignerInvite, message string) ([]Signer, error) {
	doc, err := s.GetDocument(ctx, actor, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status.Terminal() {
		return nil, apperr.ErrAlreadyTerminal
	}

	for _, invite := range invites {
		if len(invite.AuthChannels) == 0 {
			return nil, fmt.Errorf("%w: signer %s has no auth channels", apperr.ErrValidation, invite.Email)
		}
		for _, ch := range invite.AuthChannels {
			if ch != string(ChannelEmail) && ch != string(ChannelWhatsApp) {
				return nil, fmt.Errorf("%w: unknown auth channel %s", apperr.ErrValidation, ch)
			}
		}
	}

	expiresAt := s.clock.Now().Add(s.cfg.InviteTTL())
	if doc.DeadlineAt != nil {
		expiresAt = *doc.DeadlineAt
	}

	created := make([]Signer, 0, len(invites))
	for _, invite := range invites {
		token, err := s.random.Token()
		if err != nil {
			return created, err
		}

		signer := &Signer{
			ID:            uuid.New(),
			DocumentID:    doc.ID,
			Name:          invite.Name,
			Email:         invite.Email,
			Phone:         nullString(invite.Phone),
			CPF:           nullString(invite.CPF),
			Qualification: nullString(invite.Qualification),
			AuthChannels:  invite.AuthChannels,
			Order:         invite.Order,
			Status:        SignerPending,
		}

		err = s.repo.Tx(ctx, func(tx Repository) error {
			if err := tx.CreateSigner(ctx, signer); err != nil {
				return fmt.Errorf("create signer row: %w", err)
			}
			if err := tx.CreateShareToken(ctx, &ShareToken{
				TokenHash:  audit.SHA256Hex([]byte(token)),
				DocumentID: doc.ID,
				SignerID:   signer.ID,
				ExpiresAt:  expiresAt,
			}); err != nil {
				return fmt.Errorf("create share token: %w", err)
			}
			_, err := tx.AppendAudit(ctx, audit.Entry{
				TenantID:   doc.TenantID,
				ActorKind:  actor.Kind,
				ActorID:    actor.ID,
				EntityType: audit.EntitySigner,
				EntityID:   signer.ID.String(),
				Action:     audit.ActionInvited,
				IP:         actor.IP,
				UserAgent:  actor.UserAgent,
				Payload: audit.P(
					audit.F("documentId", doc.ID.String()),
					audit.F("recipient", notifications.MaskRecipient(invite.Email)),
				),
			})
			return err
		})
		if err != nil {
			return created, err
		}
		created = append(created, *signer)

		recipient := notifications.Recipient{
			Name:     signer.Name,
			Email:    signer.Email,
			Phone:    signer.Phone.String,
			Channels: signer.AuthChannels,
		}
		if err := s.notifier.SendInvite(ctx, recipient, doc.Title, "/sign/"+token, message); err != nil {
			s.recordNotificationFailure(ctx, doc.TenantID, signer.ID.String(), err)
		}
	}

	return created, nil
}

// Cancel moves a non-terminal document to CANCELLED.
func (s *Service) Cancel(ctx context.Context, actor Actor, docID uuid.UUID) error {
	return s.transition(ctx, actor, docID, StatusCancelled)
}

// Expire moves a non-terminal document to EXPIRED.
func (s *Service) Expire(ctx context.Context, actor Actor, docID uuid.UUID) error {
	return s.transition(ctx, actor, docID, StatusExpired)
}

func (s *Service) transition(ctx context.Context, actor Actor, docID uuid.UUID, newStatus DocumentStatus) error {
	return s.repo.Tx(ctx, func(tx Repository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if actor.Kind == audit.ActorUser && doc.TenantID != actor.TenantID {
			return apperr.ErrNotFound
		}
		if doc.Status.Terminal() {
			return apperr.ErrAlreadyTerminal
		}
		if err := tx.UpdateDocumentStatus(ctx, docID, newStatus); err != nil {
			return err
		}
		_, err = tx.AppendAudit(ctx, audit.Entry{
			TenantID:   doc.TenantID,
			ActorKind:  actor.Kind,
			ActorID:    actor.ID,
			EntityType: audit.EntityDocument,
			EntityID:   doc.ID.String(),
			Action:     audit.ActionStatusChanged,
			IP:         actor.IP,
			UserAgent:  actor.UserAgent,
			Payload:    audit.P(audit.F("newStatus", string(newStatus))),
		})
		return err
	})
}

// Finalize is the administrative re-finalize. It is a no-op success when
// the document is already SIGNED; otherwise it requires every signer to
// have signed, then runs the same finalization the last commit runs.
func (s *Service) Finalize(ctx context.Context, actor Actor, docID uuid.UUID) error {
	return s.repo.Tx(ctx, func(tx Repository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if actor.Kind == audit.ActorUser && doc.TenantID != actor.TenantID {
			return apperr.ErrNotFound
		}
		if doc.Status == StatusSigned {
			return nil
		}
		if doc.Status.Terminal() {
			return apperr.ErrAlreadyTerminal
		}
		signers, err := tx.ListSignersForUpdate(ctx, docID)
		if err != nil {
			return err
		}
		if !AllSigned(signers) {
			return fmt.Errorf("%w: not all signers have signed", apperr.ErrValidation)
		}
		return s.FinalizeLocked(ctx, tx, doc, signers)
	})
}

// AllSigned reports whether every signer of a document has signed.
func AllSigned(signers []Signer) bool {
	if len(signers) == 0 {
		return false
	}
	for _, signer := range signers {
		if signer.Status != SignerSigned {
			return false
		}
	}
	return true
}

// FinalizeLocked stamps the PDF, republishes it under the -signed key,
// updates the row, issues the certificate and appends the finalize audit
// group. The repository must be transaction-bound with the document row
// locked; the signing service calls this inline from the last commit.
func (s *Service) FinalizeLocked(ctx context.Context, tx Repository, doc *Document, signers []Signer) error {
	now := s.clock.Now()

	out, err := s.finalizer.Stamp(ctx, doc, signers)
	if err != nil {
		return err
	}

	certificateKey, err := s.finalizer.WriteCertificatePDF(ctx, doc, signers, out.SHA256, now)
	if err != nil {
		return err
	}

	if err := tx.UpdateDocumentFinalized(ctx, doc.ID, out.StorageKey, out.SHA256, certificateKey); err != nil {
		return fmt.Errorf("update finalized document: %w", err)
	}

	for _, entry := range []audit.Entry{
		{
			Action:  audit.ActionPadesSigned,
			Payload: audit.P(audit.F("sha256", out.SHA256)),
		},
		{
			Action:  audit.ActionStatusChanged,
			Payload: audit.P(audit.F("newStatus", string(StatusSigned))),
		},
		{
			Action: audit.ActionCertificateIssued,
		},
	} {
		entry.TenantID = doc.TenantID
		entry.ActorKind = audit.ActorSystem
		entry.EntityType = audit.EntityDocument
		entry.EntityID = doc.ID.String()
		if _, err := tx.AppendAudit(ctx, entry); err != nil {
			return err
		}
	}

	if err := tx.CreateCertificate(ctx, &Certificate{
		DocumentID: doc.ID,
		StorageKey: out.StorageKey,
		SHA256:     out.SHA256,
		IssuedAt:   now,
	}); err != nil {
		return fmt.Errorf("create certificate row: %w", err)
	}

	doc.Status = StatusSigned
	doc.StorageKey = out.StorageKey
	doc.SHA256 = out.SHA256

	s.metrics.DocumentsFinalized.Inc()
	s.logger.Info("document finalized",
		zap.String("document_id", doc.ID.String()),
		zap.String("sha256", out.SHA256))
	return nil
}

// NotifyCompleted tells every signer the document is done. Called after
// the finalizing transaction commits; failures are audited, not raised.
func (s *Service) NotifyCompleted(ctx context.Context, doc *Document, signers []Signer) {
	for _, signer := range signers {
		recipient := notifications.Recipient{
			Name:     signer.Name,
			Email:    signer.Email,
			Phone:    signer.Phone.String,
			Channels: signer.AuthChannels,
		}
		if err := s.notifier.SendCompleted(ctx, recipient, doc.Title); err != nil {
			s.recordNotificationFailure(ctx, doc.TenantID, signer.ID.String(), err)
		}
	}
}

// Validate is the public provenance check: hash the uploaded bytes and
// look for a document carrying that hash. No side effects.
func (s *Service) Validate(ctx context.Context, data []byte) (*ValidationResult, error) {
	doc, err := s.repo.GetDocumentBySHA256(ctx, audit.SHA256Hex(data))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return &ValidationResult{Valid: false}, nil
		}
		return nil, err
	}

	ownerName, err := s.repo.GetOwnerName(ctx, doc.OwnerID)
	if err != nil {
		return nil, err
	}
	signers, err := s.repo.ListSigners(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	report := &DocumentReport{
		Title:     doc.Title,
		Status:    doc.Status,
		CreatedAt: doc.CreatedAt,
		OwnerName: ownerName,
	}
	for _, signer := range signers {
		report.Signers = append(report.Signers, SignerReport{
			Name:     signer.Name,
			Email:    signer.Email,
			Status:   signer.Status,
			SignedAt: signer.SignedAt,
		})
	}
	return &ValidationResult{Valid: true, Document: report}, nil
}

// Trail returns the combined audit trail of a document and its signers,
// sorted by creation time.
func (s *Service) Trail(ctx context.Context, actor Actor, docID uuid.UUID) ([]audit.AuditLog, error) {
	entityIDs, _, err := s.chainEntities(ctx, actor, docID)
	if err != nil {
		return nil, err
	}
	return s.chains.ListForEntities(ctx, entityIDs)
}

// VerifyChains runs the composite chain verification for a document.
func (s *Service) VerifyChains(ctx context.Context, actor Actor, docID uuid.UUID) (audit.Result, error) {
	entityIDs, doc, err := s.chainEntities(ctx, actor, docID)
	if err != nil {
		return audit.Result{}, err
	}
	result, err := s.verifier.VerifyDocument(ctx, doc.TenantID, entityIDs[0], entityIDs[1:])
	if err != nil {
		return audit.Result{}, err
	}
	outcome := "valid"
	if !result.Valid {
		outcome = "broken"
		s.logger.Error("audit chain broken",
			zap.String("document_id", docID.String()),
			zap.String("reason", result.Reason))
	}
	s.metrics.ChainVerifications.WithLabelValues(outcome).Inc()
	return result, nil
}

func (s *Service) chainEntities(ctx context.Context, actor Actor, docID uuid.UUID) ([]string, *Document, error) {
	doc, err := s.GetDocument(ctx, actor, docID)
	if err != nil {
		return nil, nil, err
	}
	signers, err := s.repo.ListSigners(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	entityIDs := []string{doc.ID.String()}
	for _, signer := range signers {
		entityIDs = append(entityIDs, signer.ID.String())
	}
	return entityIDs, doc, nil
}

func (s *Service) recordNotificationFailure(ctx context.Context, tenantID uuid.UUID, entityID string, cause error) {
	s.logger.Warn("notification failed", zap.String("entity_id", entityID), zap.Error(cause))
	err := s.repo.Tx(ctx, func(tx Repository) error {
		_, err := tx.AppendAudit(ctx, audit.Entry{
			TenantID:   tenantID,
			ActorKind:  audit.ActorSystem,
			EntityType: audit.EntitySigner,
			EntityID:   entityID,
			Action:     audit.ActionNotificationFailed,
			Payload:    audit.P(audit.F("reason", cause.Error())),
		})
		return err
	})
	if err != nil {
		s.logger.Error("failed to audit notification failure", zap.Error(err))
	}
}

func nullString(s string) (out sql.NullString) {
	if s != "" {
		out.String = s
		out.Valid = true
	}
	return out
}
