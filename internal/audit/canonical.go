package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Payload is a JSON object whose key order is part of the data. The chain
// hash covers the serialized record, so writer and verifier must produce
// byte-identical JSON; encoding/json maps sort keys alphabetically, which
// would silently change the hash input. Payload preserves insertion order
// through marshal and unmarshal.
type Payload []Field

type Field struct {
	Key   string
	Value any
}

// P is shorthand for building payloads inline.
func P(pairs ...Field) Payload { return Payload(pairs) }

// F builds one payload field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Get returns the value for key, or nil.
func (p Payload) Get(key string) any {
	for _, f := range p {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

// Set overwrites key in place if present, otherwise appends it.
func (p Payload) Set(key string, value any) Payload {
	for i, f := range p {
		if f.Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, Field{Key: key, Value: value})
}

func (p Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal payload field %s: %w", f.Key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("payload must be a JSON object")
	}

	out := Payload{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		out = append(out, Field{Key: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// payloadRecord builds the full hashed record: audit metadata first, then
// the caller payload. A payload key that collides with a metadata key
// keeps the metadata position but takes the caller's value.
func payloadRecord(actorKind ActorKind, actorID *string, entityType, entityID, action, ip, userAgent string, payload Payload) Payload {
	record := Payload{
		{Key: "actorKind", Value: string(actorKind)},
	}
	if actorID != nil {
		record = append(record, Field{Key: "actorId", Value: *actorID})
	}
	record = append(record,
		Field{Key: "entityType", Value: entityType},
		Field{Key: "entityId", Value: entityID},
		Field{Key: "action", Value: action},
		Field{Key: "ip", Value: ip},
		Field{Key: "userAgent", Value: userAgent},
	)
	for _, f := range payload {
		record = record.Set(f.Key, f.Value)
	}
	return record
}

// RecordForEntry exposes the record construction for the writer.
func RecordForEntry(e Entry) Payload {
	return payloadRecord(e.ActorKind, e.ActorID, e.EntityType, e.EntityID, e.Action, e.IP, e.UserAgent, e.Payload)
}

// RecordForRow reconstructs the hashed record from a stored row.
func RecordForRow(row AuditLog) (Payload, error) {
	var payload Payload
	if row.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("parse stored payload: %w", err)
		}
	}
	var actorID *string
	if row.ActorID.Valid {
		actorID = &row.ActorID.String
	}
	return payloadRecord(row.ActorKind, actorID, row.EntityType, row.EntityID, row.Action, row.IP, row.UserAgent, payload), nil
}

// GenesisHash anchors the first entry of an entity's chain.
func GenesisHash(prefix, entityID string) string {
	sum := sha256.Sum256([]byte(prefix + entityID))
	return hex.EncodeToString(sum[:])
}

// ComputeEventHash hashes one link: the previous hash, the canonical
// record JSON and the canonical ISO timestamp, in that byte order.
func ComputeEventHash(prevHash string, record Payload, isoTimestamp string) (string, error) {
	serialized, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("serialize record: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(serialized)
	h.Write([]byte(isoTimestamp))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Hex is the content hash used for blobs and tokens.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
