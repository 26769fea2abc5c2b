package audit

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type ActorKind string

const (
	ActorUser   ActorKind = "USER"
	ActorSigner ActorKind = "SIGNER"
	ActorSystem ActorKind = "SYSTEM"
)

// Entity types chains are keyed on. A document's chain and each of its
// signers' chains are distinct.
const (
	EntityDocument = "DOCUMENT"
	EntitySigner   = "SIGNER"
)

// Actions recorded by the signing pipeline.
const (
	ActionStorageUploaded    = "STORAGE_UPLOADED"
	ActionInvited            = "INVITED"
	ActionViewed             = "VIEWED"
	ActionOTPSent            = "OTP_SENT"
	ActionOTPVerified        = "OTP_VERIFIED"
	ActionOTPFailed          = "OTP_FAILED"
	ActionSigned             = "SIGNED"
	ActionDeclined           = "DECLINED"
	ActionStatusChanged      = "STATUS_CHANGED"
	ActionPadesSigned        = "PADES_SIGNED"
	ActionCertificateIssued  = "CERTIFICATE_ISSUED"
	ActionNotificationFailed = "NOTIFICATION_FAILED"
)

// AuditLog is one chained event row. Rows are append-only; the service
// layer exposes no update or delete path.
type AuditLog struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	TenantID      uuid.UUID      `json:"tenant_id" db:"tenant_id"`
	ActorKind     ActorKind      `json:"actor_kind" db:"actor_kind"`
	ActorID       sql.NullString `json:"actor_id" db:"actor_id"`
	EntityType    string         `json:"entity_type" db:"entity_type"`
	EntityID      string         `json:"entity_id" db:"entity_id"`
	Action        string         `json:"action" db:"action"`
	IP            string         `json:"ip" db:"ip"`
	UserAgent     string         `json:"user_agent" db:"user_agent"`
	PayloadJSON   string         `json:"payload_json" db:"payload_json"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	PrevEventHash string         `json:"prev_event_hash" db:"prev_event_hash"`
	EventHash     string         `json:"event_hash" db:"event_hash"`
}

// Entry is the input to Append.
type Entry struct {
	TenantID   uuid.UUID
	ActorKind  ActorKind
	ActorID    *string
	EntityType string
	EntityID   string
	Action     string
	IP         string
	UserAgent  string
	Payload    Payload
}

// Result of a chain verification.
type Result struct {
	Valid         bool       `json:"isValid"`
	Count         int        `json:"count"`
	BrokenEventID *uuid.UUID `json:"brokenEventId,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

const (
	ReasonLinkMismatch = "link_mismatch"
	ReasonHashMismatch = "hash_mismatch"
)
