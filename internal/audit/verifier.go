package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/assinado/assinado-backend/pkg/clock"
)

// Verifier re-hashes stored chains and reports the first break.
type Verifier struct {
	chains        Lister
	genesisPrefix string
}

func NewVerifier(chains Lister, genesisPrefix string) *Verifier {
	return &Verifier{chains: chains, genesisPrefix: genesisPrefix}
}

// VerifyChain loads entityID's chain and checks every link.
func (v *Verifier) VerifyChain(ctx context.Context, entityID string) (Result, error) {
	rows, err := v.chains.ListChain(ctx, entityID)
	if err != nil {
		return Result{}, err
	}
	return VerifyEntries(v.genesisPrefix, entityID, rows), nil
}

// VerifyDocument runs the composite check over a document's own chain and
// each of its signers' chains. The first failing sub-chain wins; on
// success all rows must additionally carry the document's tenant.
func (v *Verifier) VerifyDocument(ctx context.Context, tenantID uuid.UUID, documentID string, signerIDs []string) (Result, error) {
	total := 0
	for _, entityID := range append([]string{documentID}, signerIDs...) {
		rows, err := v.chains.ListChain(ctx, entityID)
		if err != nil {
			return Result{}, err
		}
		res := VerifyEntries(v.genesisPrefix, entityID, rows)
		if !res.Valid {
			return res, nil
		}
		for i := range rows {
			if rows[i].TenantID != tenantID {
				id := rows[i].ID
				return Result{Valid: false, BrokenEventID: &id, Reason: ReasonHashMismatch}, nil
			}
		}
		total += res.Count
	}
	return Result{Valid: true, Count: total}, nil
}

// VerifyEntries is the pure verification core. rows must be ordered
// oldest first, as ListChain returns them.
func VerifyEntries(genesisPrefix, entityID string, rows []AuditLog) Result {
	expectedPrev := GenesisHash(genesisPrefix, entityID)
	for i := range rows {
		row := &rows[i]
		if row.PrevEventHash != expectedPrev {
			return broken(row.ID, ReasonLinkMismatch)
		}
		record, err := RecordForRow(*row)
		if err != nil {
			return broken(row.ID, ReasonHashMismatch)
		}
		eventHash, err := ComputeEventHash(row.PrevEventHash, record, clock.FormatISO(row.CreatedAt))
		if err != nil || eventHash != row.EventHash {
			return broken(row.ID, ReasonHashMismatch)
		}
		expectedPrev = row.EventHash
	}
	return Result{Valid: true, Count: len(rows)}
}

func broken(id uuid.UUID, reason string) Result {
	return Result{Valid: false, BrokenEventID: &id, Reason: reason}
}

// String renders a result for logs.
func (r Result) String() string {
	if r.Valid {
		return fmt.Sprintf("valid chain, %d entries", r.Count)
	}
	return fmt.Sprintf("broken at %s: %s", r.BrokenEventID, r.Reason)
}
