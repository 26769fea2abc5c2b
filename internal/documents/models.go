package documents

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type DocumentStatus string

const (
	StatusDraft           DocumentStatus = "DRAFT"
	StatusReady           DocumentStatus = "READY"
	StatusPartiallySigned DocumentStatus = "PARTIALLY_SIGNED"
	StatusSigned          DocumentStatus = "SIGNED"
	StatusCancelled       DocumentStatus = "CANCELLED"
	StatusExpired         DocumentStatus = "EXPIRED"
)

// Terminal reports whether s admits no further transitions.
func (s DocumentStatus) Terminal() bool {
	return s == StatusSigned || s == StatusCancelled || s == StatusExpired
}

// Signable reports whether signer-facing operations may touch a document
// in this status.
func (s DocumentStatus) Signable() bool {
	return s == StatusReady || s == StatusPartiallySigned
}

type SignerStatus string

const (
	SignerPending  SignerStatus = "PENDING"
	SignerViewed   SignerStatus = "VIEWED"
	SignerSigned   SignerStatus = "SIGNED"
	SignerDeclined SignerStatus = "DECLINED"
)

type AuthChannel string

const (
	ChannelEmail    AuthChannel = "EMAIL"
	ChannelWhatsApp AuthChannel = "WHATSAPP"
)

type Document struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	TenantID       uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	OwnerID        uuid.UUID      `json:"owner_id" db:"owner_id"`
	Title          string         `json:"title" db:"title"`
	MimeType       string         `json:"mime_type" db:"mime_type"`
	Size           int64          `json:"size" db:"size"`
	StorageKey     string         `json:"storage_key" db:"storage_key"`
	SHA256         string         `json:"sha256" db:"sha256"`
	Status         DocumentStatus `json:"status" db:"status"`
	CertificateKey sql.NullString `json:"certificate_key" db:"certificate_key"`
	DeadlineAt     *time.Time     `json:"deadline_at,omitempty" db:"deadline_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

type Signer struct {
	ID                    uuid.UUID       `json:"id" db:"id"`
	DocumentID            uuid.UUID       `json:"document_id" db:"document_id"`
	Name                  string          `json:"name" db:"name"`
	Email                 string          `json:"email" db:"email"`
	Phone                 sql.NullString  `json:"phone" db:"phone"`
	CPF                   sql.NullString  `json:"cpf" db:"cpf"`
	Qualification         sql.NullString  `json:"qualification" db:"qualification"`
	AuthChannels          pq.StringArray  `json:"auth_channels" db:"auth_channels"`
	Order                 int             `json:"order" db:"sign_order"`
	Status                SignerStatus    `json:"status" db:"status"`
	SignedAt              *time.Time      `json:"signed_at,omitempty" db:"signed_at"`
	SignatureHash         sql.NullString  `json:"signature_hash" db:"signature_hash"`
	SignatureArtefactPath sql.NullString  `json:"signature_artefact_path" db:"signature_artefact_path"`
	SignaturePositionPage sql.NullInt32   `json:"signature_position_page" db:"signature_position_page"`
	SignaturePositionX    sql.NullFloat64 `json:"signature_position_x" db:"signature_position_x"`
	SignaturePositionY    sql.NullFloat64 `json:"signature_position_y" db:"signature_position_y"`
}

// ShareToken authorises exactly one signer. Only the SHA-256 of the token
// is persisted; the cleartext goes out once, in the invitation.
type ShareToken struct {
	TokenHash  string     `json:"-" db:"token_hash"`
	DocumentID uuid.UUID  `json:"document_id" db:"document_id"`
	SignerID   uuid.UUID  `json:"signer_id" db:"signer_id"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}

// Certificate is written exactly once per document, at the SIGNED
// transition. It references the finalized PDF.
type Certificate struct {
	DocumentID uuid.UUID `json:"document_id" db:"document_id"`
	StorageKey string    `json:"storage_key" db:"storage_key"`
	SHA256     string    `json:"sha256" db:"sha256"`
	IssuedAt   time.Time `json:"issued_at" db:"issued_at"`
}

// OtpCode is one short-lived challenge delivered over one channel. Only
// the bcrypt hash of the code is stored; a consumed code is deleted.
type OtpCode struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Recipient string    `json:"recipient" db:"recipient"`
	Channel   string    `json:"channel" db:"channel"`
	CodeHash  string    `json:"-" db:"code_hash"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	Context   string    `json:"context" db:"context"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// OtpContextSigning scopes challenge codes minted for the signing flow.
const OtpContextSigning = "SIGNING"

// ValidationResult is the public provenance check output.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Document *DocumentReport `json:"document,omitempty"`
}

type DocumentReport struct {
	Title     string         `json:"title"`
	Status    DocumentStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	OwnerName string         `json:"owner_name"`
	Signers   []SignerReport `json:"signers"`
}

type SignerReport struct {
	Name     string       `json:"name"`
	Email    string       `json:"email"`
	Status   SignerStatus `json:"status"`
	SignedAt *time.Time   `json:"signed_at,omitempty"`
}
