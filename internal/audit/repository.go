package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/assinado/assinado-backend/pkg/clock"
)

// Recorder appends chained entries. The ext argument is the enclosing
// transaction; every public operation of the core appends under its own
// transaction so the entry commits or rolls back with the state change.
type Recorder interface {
	Append(ctx context.Context, ext sqlx.ExtContext, e Entry) (*AuditLog, error)
}

// Lister reads chains back for verification and export.
type Lister interface {
	ListChain(ctx context.Context, entityID string) ([]AuditLog, error)
}

// Store is the Postgres-backed audit log.
type Store struct {
	db            *sqlx.DB
	clock         clock.Clock
	genesisPrefix string
}

func NewStore(database *sqlx.DB, clk clock.Clock, genesisPrefix string) *Store {
	return &Store{db: database, clock: clk, genesisPrefix: genesisPrefix}
}

// Append writes one entry to entityID's chain. Two concurrent appends on
// the same entity must not read the same predecessor, so the entity chain
// is serialized with a transaction-scoped advisory lock before the latest
// row is read. If ext is not a transaction the lock would be a no-op, so
// that case is rejected outright.
func (s *Store) Append(ctx context.Context, ext sqlx.ExtContext, e Entry) (*AuditLog, error) {
	if _, ok := ext.(*sqlx.Tx); !ok {
		return nil, errors.New("audit append requires an enclosing transaction")
	}

	if _, err := ext.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.EntityID); err != nil {
		return nil, fmt.Errorf("lock audit chain %s: %w", e.EntityID, err)
	}

	prevHash := GenesisHash(s.genesisPrefix, e.EntityID)
	var last AuditLog
	err := sqlx.GetContext(ctx, ext, &last,
		`SELECT * FROM audit_logs WHERE entity_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, e.EntityID)
	switch {
	case err == nil:
		prevHash = last.EventHash
	case errors.Is(err, sql.ErrNoRows):
		// first entry, genesis anchor stands
	default:
		return nil, fmt.Errorf("read chain head %s: %w", e.EntityID, err)
	}

	now := s.clock.Now()
	timestamp := clock.FormatISO(now)

	record := RecordForEntry(e)
	eventHash, err := ComputeEventHash(prevHash, record, timestamp)
	if err != nil {
		return nil, err
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	if e.Payload == nil {
		payloadJSON = []byte("{}")
	}

	row := &AuditLog{
		ID:            uuid.New(),
		TenantID:      e.TenantID,
		ActorKind:     e.ActorKind,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Action:        e.Action,
		IP:            e.IP,
		UserAgent:     e.UserAgent,
		PayloadJSON:   string(payloadJSON),
		CreatedAt:     now,
		PrevEventHash: prevHash,
		EventHash:     eventHash,
	}
	if e.ActorID != nil {
		row.ActorID = sql.NullString{String: *e.ActorID, Valid: true}
	}

	_, err = sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO audit_logs (
			id, tenant_id, actor_kind, actor_id, entity_type, entity_id,
			action, ip, user_agent, payload_json, created_at, prev_event_hash, event_hash
		) VALUES (
			:id, :tenant_id, :actor_kind, :actor_id, :entity_type, :entity_id,
			:action, :ip, :user_agent, :payload_json, :created_at, :prev_event_hash, :event_hash
		)`, row)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return row, nil
}

// ListChain returns entityID's chain ordered oldest first.
func (s *Store) ListChain(ctx context.Context, entityID string) ([]AuditLog, error) {
	var rows []AuditLog
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM audit_logs WHERE entity_id = $1 ORDER BY created_at ASC, id ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list chain %s: %w", entityID, err)
	}
	return rows, nil
}

// ListForEntities returns the combined trail of several chains, sorted by
// created_at ascending across all of them.
func (s *Store) ListForEntities(ctx context.Context, entityIDs []string) ([]AuditLog, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM audit_logs WHERE entity_id IN (?) ORDER BY created_at ASC, id ASC`, entityIDs)
	if err != nil {
		return nil, err
	}
	var rows []AuditLog
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list combined trail: %w", err)
	}
	return rows, nil
}
