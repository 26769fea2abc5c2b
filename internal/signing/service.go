package signing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/assinado/assinado-backend/internal/apperr"
	"github.com/assinado/assinado-backend/internal/audit"
	"github.com/assinado/assinado-backend/internal/config"
	"github.com/assinado/assinado-backend/internal/documents"
	"github.com/assinado/assinado-backend/internal/notifications"
	"github.com/assinado/assinado-backend/pkg/clock"
	"github.com/assinado/assinado-backend/pkg/metrics"
	"github.com/assinado/assinado-backend/pkg/random"
	"github.com/assinado/assinado-backend/pkg/storage"
)

// ClientMeta carries the request attribution recorded on audit rows.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// SummaryResponse is what a signer sees when opening the invitation link.
type SummaryResponse struct {
	Document    DocumentSummary    `json:"document"`
	Signer      *documents.Signer  `json:"signer"`
	DownloadURL string             `json:"download_url"`
}

type DocumentSummary struct {
	ID         uuid.UUID                `json:"id"`
	Title      string                   `json:"title"`
	MimeType   string                   `json:"mime_type"`
	Size       int64                    `json:"size"`
	Status     documents.DocumentStatus `json:"status"`
	DeadlineAt *time.Time               `json:"deadline_at,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
}

// CommitResult is returned to the signer after a successful commit.
type CommitResult struct {
	ShortCode     string `json:"shortCode"`
	SignatureHash string `json:"signatureHash"`
	IsComplete    bool   `json:"isComplete"`
}

// Service is the signer-facing state machine. Every operation is
// authenticated by the share token from the invitation link.
type Service struct {
	repo       documents.Repository
	docService *documents.Service
	blobs      storage.Store
	notifier   notifications.Notifier
	clock      clock.Clock
	random     random.Source
	cfg        config.SigningConfig
	logger     *zap.Logger
	metrics    *metrics.Collector
}

func NewService(
	repo documents.Repository,
	docService *documents.Service,
	blobs storage.Store,
	notifier notifications.Notifier,
	clk clock.Clock,
	rnd random.Source,
	cfg config.SigningConfig,
	logger *zap.Logger,
	collector *metrics.Collector,
) *Service {
	return &Service{
		repo:       repo,
		docService: docService,
		blobs:      blobs,
		notifier:   notifier,
		clock:      clk,
		random:     rnd,
		cfg:        cfg,
		logger:     logger.With(zap.String("service", "signing")),
		metrics:    collector,
	}
}

type session struct {
	token  *documents.ShareToken
	signer *documents.Signer
	doc    *documents.Document
}

// resolve authenticates a raw share token. The token must exist, not be
// expired, and point at a signer of a document the signer flow may touch.
// A terminal document surfaces as ErrAlreadyTerminal so a signer hitting
// a cancelled invitation gets a truthful answer; every other mismatch is
// ErrInvalidToken.
func (s *Service) resolve(ctx context.Context, rawToken string) (*session, error) {
	if rawToken == "" {
		return nil, apperr.ErrInvalidToken
	}
	token, err := s.repo.GetShareTokenByHash(ctx, audit.SHA256Hex([]byte(rawToken)))
	if err != nil {
		return nil, err
	}
	if s.clock.Now().After(token.ExpiresAt) {
		return nil, apperr.ErrInvalidToken
	}
	signer, err := s.repo.GetSigner(ctx, token.SignerID)
	if err != nil {
		return nil, apperr.ErrInvalidToken
	}
	doc, err := s.repo.GetDocument(ctx, token.DocumentID)
	if err != nil {
		return nil, apperr.ErrInvalidToken
	}
	if doc.Status.Terminal() && doc.Status != documents.StatusSigned {
		return nil, apperr.ErrAlreadyTerminal
	}
	if !doc.Status.Signable() && doc.Status != documents.StatusSigned {
		return nil, apperr.ErrInvalidToken
	}
	return &session{token: token, signer: signer, doc: doc}, nil
}

func (s *Service) signerEntry(sess *session, meta ClientMeta, action string, payload audit.Payload) audit.Entry {
	actorID := sess.signer.ID.String()
	return audit.Entry{
		TenantID:   sess.doc.TenantID,
		ActorKind:  audit.ActorSigner,
		ActorID:    &actorID,
		EntityType: audit.EntitySigner,
		EntityID:   sess.signer.ID.String(),
		Action:     action,
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		Payload:    payload,
	}
}

// Summary returns the signing view. The first visit moves the signer
// from PENDING to VIEWED; later visits are read-only.
func (s *Service) Summary(ctx context.Context, rawToken string, meta ClientMeta) (*SummaryResponse, error) {
	sess, err := s.resolve(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	if sess.signer.Status == documents.SignerPending {
		err := s.repo.Tx(ctx, func(tx documents.Repository) error {
			if err := tx.UpdateSignerStatus(ctx, sess.signer.ID, documents.SignerViewed); err != nil {
				return err
			}
			_, err := tx.AppendAudit(ctx, s.signerEntry(sess, meta, audit.ActionViewed, nil))
			return err
		})
		if err != nil {
			return nil, err
		}
		sess.signer.Status = documents.SignerViewed
	}

	return &SummaryResponse{
		Document: DocumentSummary{
			ID:         sess.doc.ID,
			Title:      sess.doc.Title,
			MimeType:   sess.doc.MimeType,
			Size:       sess.doc.Size,
			Status:     sess.doc.Status,
			DeadlineAt: sess.doc.DeadlineAt,
			CreatedAt:  sess.doc.CreatedAt,
		},
		Signer:      sess.signer,
		DownloadURL: "/sign/" + rawToken + "/download",
	}, nil
}

// Download streams the document being signed.
func (s *Service) Download(ctx context.Context, rawToken string) (io.ReadCloser, string, error) {
	sess, err := s.resolve(ctx, rawToken)
	if err != nil {
		return nil, "", err
	}
	reader, err := s.blobs.Read(ctx, sess.doc.StorageKey)
	if err != nil {
		return nil, "", err
	}
	return reader, sess.doc.MimeType, nil
}

// Identify records the signer's self-declared CPF and phone.
func (s *Service) Identify(ctx context.Context, rawToken string, cpf, phone *string) error {
	sess, err := s.resolve(ctx, rawToken)
	if err != nil {
		return err
	}
	if sess.signer.Status != documents.SignerViewed {
		return fmt.Errorf("%w: signer must view the document first", apperr.ErrValidation)
	}
	return s.repo.UpdateSignerContact(ctx, sess.signer.ID, cpf, phone)
}

// OTPStart mints one challenge code per auth channel and hands each to
// the notifier. One OtpCode row is persisted per channel.
func (s *Service) OTPStart(ctx context.Context, rawToken string, meta ClientMeta) error {
	sess, err := s.resolve(ctx, rawToken)
	if err != nil {
		return err
	}
	if sess.signer.Status != documents.SignerViewed {
		return fmt.Errorf("%w: signer must view the document first", apperr.ErrValidation)
	}

	type delivery struct {
		channel   string
		recipient string
		code      string
	}
	var deliveries []delivery

	for _, channel := range sess.signer.AuthChannels {
		recipient := sess.signer.Email
		if channel == string(documents.ChannelWhatsApp) {
			if !sess.signer.Phone.Valid {
				continue
			}
			recipient = sess.signer.Phone.String
		}
		code, err := s.random.OTPCode()
		if err != nil {
			return err
		}
		deliveries = append(deliveries, delivery{channel: channel, recipient: recipient, code: code})
	}
	if len(deliveries) == 0 {
		return fmt.Errorf("%w: no reachable auth channel", apperr.ErrValidation)
	}

	now := s.clock.Now()
	err = s.repo.Tx(ctx, func(tx documents.Repository) error {
		for _, d := range deliveries {
			hash, err := bcrypt.GenerateFromPassword([]byte(d.code), s.cfg.BcryptCost)
			if err != nil {
				return fmt.Errorf("hash otp code: %w", err)
			}
			if err := tx.CreateOTP(ctx, &documents.OtpCode{
				ID:        uuid.New(),
				Recipient: d.recipient,
				Channel:   d.channel,
				CodeHash:  string(hash),
				ExpiresAt: now.Add(s.cfg.OTPTTL()),
				Context:   documents.OtpContextSigning,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			if _, err := tx.AppendAudit(ctx, s.signerEntry(sess, meta, audit.ActionOTPSent, audit.P(
				audit.F("channel", d.channel),
				audit.F("maskedRecipient", notifications.MaskRecipient(d.recipient)),
			))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, d := range deliveries {
		if err := s.notifier.SendOTP(ctx, d.channel, d.recipient, d.code); err != nil {
			s.logger.Warn("otp delivery failed",
				zap.String("channel", d.channel),
				zap.String("recipient", notifications.MaskRecipient(d.recipient)),
				zap.Error(err))
		}
	}
	return nil
}

// OTPVerify checks the submitted code against the most recent challenge
// for any of the signer's contacts. A consumed code is deleted so it can
// never verify twice; failures are audited either way.
func (s *Service) OTPVerify(ctx context.Context, rawToken, code string, meta ClientMeta) error {
	sess, err := s.resolve(ctx, rawToken)
	if err != nil {
		return err
	}

	recipients := []string{sess.signer.Email}
	if sess.signer.Phone.Valid {
		recipients = append(recipients, sess.signer.Phone.String)
	}

	var verifyErr error
	err = s.repo.Tx(ctx, func(tx documents.Repository) error {
		stored, err := tx.LatestOTP(ctx, recipients, documents.OtpContextSigning)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				// No live challenge: either none was ever sent or the
				// last one was consumed. Both read as a wrong code so a
				// replayed code cannot be told apart from a bad guess.
				verifyErr = apperr.ErrOtpWrong
				_, aerr := tx.AppendAudit(ctx, s.signerEntry(sess, meta, audit.ActionOTPFailed,
					audit.P(audit.F("reason", "wrong"))))
				return aerr
			}
			return err
		}
		if s.clock.Now().After(stored.ExpiresAt) {
			verifyErr = apperr.ErrOtpExpired
			_, aerr := tx.AppendAudit(ctx, s.signerEntry(sess, meta, audit.ActionOTPFailed,
				audit.P(audit.F("reason", "expired"))))
			return aerr
		}
		if bcrypt.CompareHashAndPassword([]byte(stored.CodeHash), []byte(code)) != nil {
			verifyErr = apperr.ErrOtpWrong
			_, aerr := tx.AppendAudit(ctx, s.signerEntry(sess, meta, audit.ActionOTPFailed,
				audit.P(audit.F("reason", "wrong"))))
			return aerr
		}
		if err := tx.DeleteOTP(ctx, stored.ID); err != nil {
			return err
		}
		_, err = tx.AppendAudit(ctx, s.signerEntry(sess, meta, audit.ActionOTPVerified, nil))
		return err
	})
	if err != nil {
		return err
	}
	if verifyErr != nil {
		s.metrics.OTPFailures.Inc()
		return verifyErr
	}
	return nil
}

// PlacePosition records where the visual stamp goes. Pages are 1-indexed
// with the origin at the bottom-left corner.
func (s *Service) PlacePosition(ctx context.Context, rawToken string, page int, x, y float64) error {
	sess, err := s.resolve(ctx, rawToken)
	if err != nil {
		return err
	}
	if sess.signer.Status != documents.SignerViewed {
		return fmt.Errorf("%w: signer must view the document first", apperr.ErrValidation)
	}
	if page < 1 {
		return fmt.Errorf("%w: page is 1-indexed", apperr.ErrValidation)
	}
	return s.repo.UpdateSignerPosition(ctx, sess.signer.ID, page, x, y)
}

// Decline marks the signer DECLINED. Declining twice is a no-op; a signed
// signer can no longer decline.
func (s *Service) Decline(ctx context.Context, rawToken string, meta ClientMeta) error {
	sess, err := s.resolve(ctx, rawToken)
	if err != nil {
		return err
	}
	switch sess.signer.Status {
	case documents.SignerDeclined:
		return nil
	case documents.SignerSigned:
		return apperr.ErrAlreadyTerminal
	}
	return s.repo.Tx(ctx, func(tx documents.Repository) error {
		if err := tx.UpdateSignerStatus(ctx, sess.signer.ID, documents.SignerDeclined); err != nil {
			return err
		}
		_, err := tx.AppendAudit(ctx, s.signerEntry(sess, meta, audit.ActionDeclined, nil))
		return err
	})
}

// Commit is the signature step. One serializable transaction locks the
// document row, writes the artefact reference, flips the signer to
// SIGNED, appends the SIGNED entry and, when this signer is the last,
// runs finalization inline. The document lock is what makes exactly one
// of two concurrent committers observe "all signers SIGNED".
func (s *Service) Commit(ctx context.Context, rawToken, fingerprint string, imagePNG []byte, meta ClientMeta) (*CommitResult, error) {
	sess, err := s.resolve(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	if fingerprint == "" {
		return nil, fmt.Errorf("%w: clientFingerprint is required", apperr.ErrValidation)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(imagePNG)); err != nil {
		return nil, fmt.Errorf("%w: signature image must be a PNG", apperr.ErrValidation)
	}

	artefactKey := fmt.Sprintf("%s/signatures/%s.png", sess.doc.TenantID, sess.signer.ID)
	var result *CommitResult
	var completedDoc *documents.Document
	var completedSigners []documents.Signer

	err = s.repo.Tx(ctx, func(tx documents.Repository) error {
		doc, err := tx.GetDocumentForUpdate(ctx, sess.doc.ID)
		if err != nil {
			return err
		}
		if doc.Status == documents.StatusSigned || doc.Status.Terminal() {
			return apperr.ErrAlreadyTerminal
		}
		signer, err := tx.GetSigner(ctx, sess.signer.ID)
		if err != nil {
			return err
		}
		if signer.Status == documents.SignerSigned {
			return apperr.ErrAlreadyTerminal
		}
		if signer.Status == documents.SignerDeclined {
			return fmt.Errorf("%w: signer declined", apperr.ErrValidation)
		}

		now := s.clock.Now()
		timestamp := clock.FormatISO(now)

		h := sha256.New()
		h.Write([]byte(doc.SHA256))
		h.Write([]byte(signer.ID.String()))
		h.Write([]byte(timestamp))
		h.Write([]byte(fingerprint))
		signatureHash := hex.EncodeToString(h.Sum(nil))
		shortCode := documents.ShortCode(signatureHash, s.cfg.ShortCodeLength)

		if err := s.blobs.Write(ctx, artefactKey, bytes.NewReader(imagePNG)); err != nil {
			return err
		}

		signer.Status = documents.SignerSigned
		signer.SignedAt = &now
		signer.SignatureHash.String = signatureHash
		signer.SignatureHash.Valid = true
		signer.SignatureArtefactPath.String = artefactKey
		signer.SignatureArtefactPath.Valid = true
		if err := tx.UpdateSignerSigned(ctx, signer); err != nil {
			return err
		}

		if _, err := tx.AppendAudit(ctx, s.signerEntry(sess, meta, audit.ActionSigned, audit.P(
			audit.F("signatureHash", signatureHash),
			audit.F("shortCode", shortCode),
			audit.F("artefactPath", artefactKey),
		))); err != nil {
			return err
		}

		signers, err := tx.ListSignersForUpdate(ctx, doc.ID)
		if err != nil {
			return err
		}

		complete := documents.AllSigned(signers)
		if complete {
			if err := s.docService.FinalizeLocked(ctx, tx, doc, signers); err != nil {
				return err
			}
			completedDoc = doc
			completedSigners = signers
		} else if doc.Status != documents.StatusPartiallySigned {
			if err := tx.UpdateDocumentStatus(ctx, doc.ID, documents.StatusPartiallySigned); err != nil {
				return err
			}
			_, err := tx.AppendAudit(ctx, audit.Entry{
				TenantID:   doc.TenantID,
				ActorKind:  audit.ActorSystem,
				EntityType: audit.EntityDocument,
				EntityID:   doc.ID.String(),
				Action:     audit.ActionStatusChanged,
				Payload:    audit.P(audit.F("newStatus", string(documents.StatusPartiallySigned))),
			})
			if err != nil {
				return err
			}
		}

		result = &CommitResult{
			ShortCode:     shortCode,
			SignatureHash: signatureHash,
			IsComplete:    complete,
		}
		return nil
	})
	if err != nil {
		_ = s.blobs.Remove(ctx, artefactKey)
		return nil, err
	}

	s.metrics.SignaturesCommitted.Inc()
	s.logger.Info("signature committed",
		zap.String("signer_id", sess.signer.ID.String()),
		zap.String("document_id", sess.doc.ID.String()),
		zap.Bool("complete", result.IsComplete))

	// Completion notifications are best-effort and must not undo the
	// committed transaction.
	if completedDoc != nil {
		go s.docService.NotifyCompleted(context.WithoutCancel(ctx), completedDoc, completedSigners)
	}
	return result, nil
}
