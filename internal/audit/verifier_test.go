package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assinado/assinado-backend/pkg/clock"
)

const testPrefix = "genesis_block_"

// buildChain reproduces the writer's hashing for an in-memory chain.
func buildChain(t *testing.T, tenantID uuid.UUID, entityID string, entries []Entry, start time.Time) []AuditLog {
	t.Helper()

	prevHash := GenesisHash(testPrefix, entityID)
	rows := make([]AuditLog, 0, len(entries))
	for i, e := range entries {
		createdAt := start.Add(time.Duration(i) * time.Second).UTC().Truncate(time.Millisecond)
		e.EntityID = entityID
		e.TenantID = tenantID

		eventHash, err := ComputeEventHash(prevHash, RecordForEntry(e), clock.FormatISO(createdAt))
		require.NoError(t, err)

		payloadJSON := "{}"
		if e.Payload != nil {
			data, err := json.Marshal(e.Payload)
			require.NoError(t, err)
			payloadJSON = string(data)
		}

		row := AuditLog{
			ID:            uuid.New(),
			TenantID:      tenantID,
			ActorKind:     e.ActorKind,
			EntityType:    e.EntityType,
			EntityID:      entityID,
			Action:        e.Action,
			IP:            e.IP,
			UserAgent:     e.UserAgent,
			PayloadJSON:   payloadJSON,
			CreatedAt:     createdAt,
			PrevEventHash: prevHash,
			EventHash:     eventHash,
		}
		if e.ActorID != nil {
			row.ActorID = sql.NullString{String: *e.ActorID, Valid: true}
		}
		rows = append(rows, row)
		prevHash = eventHash
	}
	return rows
}

func docChainEntries() []Entry {
	return []Entry{
		{ActorKind: ActorUser, EntityType: EntityDocument, Action: ActionStorageUploaded,
			Payload: P(F("fileName", "contract.pdf"), F("sha256", "aa11"))},
		{ActorKind: ActorSystem, EntityType: EntityDocument, Action: ActionPadesSigned,
			Payload: P(F("sha256", "bb22"))},
		{ActorKind: ActorSystem, EntityType: EntityDocument, Action: ActionStatusChanged,
			Payload: P(F("newStatus", "SIGNED"))},
		{ActorKind: ActorSystem, EntityType: EntityDocument, Action: ActionCertificateIssued},
	}
}

func TestVerifyEntriesValidChain(t *testing.T) {
	tenant := uuid.New()
	rows := buildChain(t, tenant, "doc-1", docChainEntries(), time.Now())

	result := VerifyEntries(testPrefix, "doc-1", rows)
	assert.True(t, result.Valid)
	assert.Equal(t, 4, result.Count)
}

func TestVerifyEntriesEmptyChainIsValid(t *testing.T) {
	result := VerifyEntries(testPrefix, "doc-1", nil)
	assert.True(t, result.Valid)
	assert.Equal(t, 0, result.Count)
}

func TestVerifyEntriesDetectsPayloadTampering(t *testing.T) {
	rows := buildChain(t, uuid.New(), "doc-1", docChainEntries(), time.Now())

	// Rewrite the payload of the second entry directly, as a hostile DBA
	// would.
	rows[1].PayloadJSON = `{"sha256":"ff00"}`

	result := VerifyEntries(testPrefix, "doc-1", rows)
	require.False(t, result.Valid)
	assert.Equal(t, rows[1].ID, *result.BrokenEventID)
	assert.Equal(t, ReasonHashMismatch, result.Reason)
}

func TestVerifyEntriesDetectsTimestampTampering(t *testing.T) {
	rows := buildChain(t, uuid.New(), "doc-1", docChainEntries(), time.Now())
	rows[2].CreatedAt = rows[2].CreatedAt.Add(time.Millisecond)

	result := VerifyEntries(testPrefix, "doc-1", rows)
	require.False(t, result.Valid)
	assert.Equal(t, rows[2].ID, *result.BrokenEventID)
	assert.Equal(t, ReasonHashMismatch, result.Reason)
}

func TestVerifyEntriesDetectsBrokenLink(t *testing.T) {
	rows := buildChain(t, uuid.New(), "doc-1", docChainEntries(), time.Now())

	// Deleting an interior entry breaks the successor's prev link.
	tampered := append([]AuditLog{}, rows[0], rows[2], rows[3])

	result := VerifyEntries(testPrefix, "doc-1", tampered)
	require.False(t, result.Valid)
	assert.Equal(t, rows[2].ID, *result.BrokenEventID)
	assert.Equal(t, ReasonLinkMismatch, result.Reason)
}

func TestVerifyEntriesDetectsWrongGenesis(t *testing.T) {
	rows := buildChain(t, uuid.New(), "doc-1", docChainEntries(), time.Now())

	// The same rows presented under another entity id cannot anchor.
	result := VerifyEntries(testPrefix, "doc-2", rows)
	require.False(t, result.Valid)
	assert.Equal(t, rows[0].ID, *result.BrokenEventID)
	assert.Equal(t, ReasonLinkMismatch, result.Reason)
}

type fakeLister struct {
	chains map[string][]AuditLog
}

func (f *fakeLister) ListChain(ctx context.Context, entityID string) ([]AuditLog, error) {
	return f.chains[entityID], nil
}

func TestVerifyDocumentComposite(t *testing.T) {
	tenant := uuid.New()
	start := time.Now()
	lister := &fakeLister{chains: map[string][]AuditLog{
		"doc-1":    buildChain(t, tenant, "doc-1", docChainEntries(), start),
		"signer-1": buildChain(t, tenant, "signer-1", []Entry{{ActorKind: ActorSigner, EntityType: EntitySigner, Action: ActionViewed}}, start),
		"signer-2": buildChain(t, tenant, "signer-2", []Entry{{ActorKind: ActorSigner, EntityType: EntitySigner, Action: ActionDeclined}}, start),
	}}
	verifier := NewVerifier(lister, testPrefix)

	result, err := verifier.VerifyDocument(context.Background(), tenant, "doc-1", []string{"signer-1", "signer-2"})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 6, result.Count)
}

func TestVerifyDocumentReportsFailingSubChain(t *testing.T) {
	tenant := uuid.New()
	start := time.Now()
	signerChain := buildChain(t, tenant, "signer-1", []Entry{
		{ActorKind: ActorSigner, EntityType: EntitySigner, Action: ActionViewed},
		{ActorKind: ActorSigner, EntityType: EntitySigner, Action: ActionSigned, Payload: P(F("signatureHash", "cc"))},
	}, start)
	signerChain[1].PayloadJSON = `{"signatureHash":"dd"}`

	lister := &fakeLister{chains: map[string][]AuditLog{
		"doc-1":    buildChain(t, tenant, "doc-1", docChainEntries(), start),
		"signer-1": signerChain,
	}}
	verifier := NewVerifier(lister, testPrefix)

	result, err := verifier.VerifyDocument(context.Background(), tenant, "doc-1", []string{"signer-1"})
	require.NoError(t, err)
	require.False(t, result.Valid)
	assert.Equal(t, signerChain[1].ID, *result.BrokenEventID)
	assert.Equal(t, ReasonHashMismatch, result.Reason)
}

func TestVerifyDocumentRejectsForeignTenantRows(t *testing.T) {
	tenant := uuid.New()
	rows := buildChain(t, uuid.New(), "doc-1", docChainEntries(), time.Now())
	lister := &fakeLister{chains: map[string][]AuditLog{"doc-1": rows}}
	verifier := NewVerifier(lister, testPrefix)

	result, err := verifier.VerifyDocument(context.Background(), tenant, "doc-1", nil)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}
