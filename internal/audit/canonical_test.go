package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadMarshalPreservesOrder(t *testing.T) {
	p := P(
		F("zeta", "last-first"),
		F("alpha", 1),
		F("mid", true),
	)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"last-first","alpha":1,"mid":true}`, string(data))
}

func TestPayloadUnmarshalRoundTrip(t *testing.T) {
	original := P(
		F("b", "two"),
		F("a", "one"),
		F("nested", map[string]any{"k": "v"}),
	)
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Payload
	require.NoError(t, json.Unmarshal(data, &decoded))

	redata, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(redata))
}

func TestRecordForEntryOrdersMetadataFirst(t *testing.T) {
	actorID := "signer-1"
	record := RecordForEntry(Entry{
		ActorKind:  ActorSigner,
		ActorID:    &actorID,
		EntityType: EntitySigner,
		EntityID:   "e-1",
		Action:     ActionSigned,
		IP:         "10.0.0.1",
		UserAgent:  "test-agent",
		Payload:    P(F("signatureHash", "abc")),
	})

	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.Equal(t,
		`{"actorKind":"SIGNER","actorId":"signer-1","entityType":"SIGNER","entityId":"e-1","action":"SIGNED","ip":"10.0.0.1","userAgent":"test-agent","signatureHash":"abc"}`,
		string(data))
}

func TestRecordForEntryPayloadWinsTies(t *testing.T) {
	record := RecordForEntry(Entry{
		ActorKind:  ActorSystem,
		EntityType: EntityDocument,
		EntityID:   "doc-1",
		Action:     ActionStatusChanged,
		Payload:    P(F("action", "overridden"), F("extra", "x")),
	})

	data, err := json.Marshal(record)
	require.NoError(t, err)
	// The colliding key keeps the metadata position but takes the
	// caller's value; it is not emitted twice.
	assert.Equal(t,
		`{"actorKind":"SYSTEM","entityType":"DOCUMENT","entityId":"doc-1","action":"overridden","ip":"","userAgent":"","extra":"x"}`,
		string(data))
}

func TestGenesisHashIsDeterministic(t *testing.T) {
	a := GenesisHash("genesis_block_", "entity-1")
	b := GenesisHash("genesis_block_", "entity-1")
	c := GenesisHash("genesis_block_", "entity-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestComputeEventHashChangesWithEveryInput(t *testing.T) {
	record := P(F("k", "v"))
	base, err := ComputeEventHash("prev", record, "2025-01-01T00:00:00.000Z")
	require.NoError(t, err)

	otherPrev, err := ComputeEventHash("prev2", record, "2025-01-01T00:00:00.000Z")
	require.NoError(t, err)
	otherTS, err := ComputeEventHash("prev", record, "2025-01-01T00:00:00.001Z")
	require.NoError(t, err)
	otherRecord, err := ComputeEventHash("prev", P(F("k", "w")), "2025-01-01T00:00:00.000Z")
	require.NoError(t, err)

	assert.NotEqual(t, base, otherPrev)
	assert.NotEqual(t, base, otherTS)
	assert.NotEqual(t, base, otherRecord)
}

func TestRecordForRowMatchesRecordForEntry(t *testing.T) {
	actorID := "u-1"
	entry := Entry{
		ActorKind:  ActorUser,
		ActorID:    &actorID,
		EntityType: EntityDocument,
		EntityID:   "doc-9",
		Action:     ActionStorageUploaded,
		IP:         "127.0.0.1",
		UserAgent:  "agent",
		Payload:    P(F("fileName", "contract.pdf"), F("sha256", "deadbeef")),
	}
	writeRecord, err := json.Marshal(RecordForEntry(entry))
	require.NoError(t, err)

	payloadJSON, err := json.Marshal(entry.Payload)
	require.NoError(t, err)
	row := AuditLog{
		ActorKind:   entry.ActorKind,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		Action:      entry.Action,
		IP:          entry.IP,
		UserAgent:   entry.UserAgent,
		PayloadJSON: string(payloadJSON),
	}
	row.ActorID.String = actorID
	row.ActorID.Valid = true

	readRecord, err := RecordForRow(row)
	require.NoError(t, err)
	readJSON, err := json.Marshal(readRecord)
	require.NoError(t, err)

	assert.Equal(t, string(writeRecord), string(readJSON))
}
