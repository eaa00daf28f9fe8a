// Package receipts implements the content-addressed, signed, and
// per-tenant hash-chained audit record every orchestrator run produces.
package receipts

import (
	"crypto/ed25519"
	"time"

	"github.com/anumate/controlplane/internal/crypto"
)

// Receipt is a single signed, immutable record of something the control
// plane did: a run transition, a capability issuance, an approval
// decision. Its ContentHash and Signature are computed over Payload, not
// over the struct as a whole, so the signed bytes never include fields
// (like the DB row id) the store itself assigns.
type Receipt struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	RunID            string         `json:"run_id,omitempty"`
	Kind             string         `json:"kind"` // e.g. "run.completed", "token.issued", "approval.decided"
	Payload          map[string]any `json:"payload"`
	ContentHash      string         `json:"content_hash"`
	PriorReceiptHash string         `json:"prior_receipt_hash,omitempty"`
	Signature        string         `json:"signature"`
	CreatedAt        time.Time      `json:"created_at"`
}

// contentPayload is what gets hashed and signed: the logical content of
// the receipt, independent of its chain position, so ContentHash alone
// identifies "this same fact" even before chaining is applied.
type contentPayload struct {
	TenantID string         `json:"tenant_id"`
	RunID    string         `json:"run_id,omitempty"`
	Kind     string         `json:"kind"`
	Payload  map[string]any `json:"payload"`
}

// signedPayload additionally folds in the prior chain hash, so the
// signature itself attests to chain position, not just content.
type signedPayload struct {
	ContentHash      string `json:"content_hash"`
	PriorReceiptHash string `json:"prior_receipt_hash,omitempty"`
}

// Seal computes ContentHash and Signature for a receipt given the
// tenant's current chain head (empty string for the first receipt in a
// tenant's chain).
func Seal(keys crypto.KeyPair, id, tenantID, runID, kind string, payload map[string]any, priorHash string) (*Receipt, error) {
	contentHash, err := crypto.Hash(contentPayload{TenantID: tenantID, RunID: runID, Kind: kind, Payload: payload})
	if err != nil {
		return nil, err
	}

	sig, err := keys.Sign(signedPayload{ContentHash: contentHash, PriorReceiptHash: priorHash})
	if err != nil {
		return nil, err
	}

	return &Receipt{
		ID:               id,
		TenantID:         tenantID,
		RunID:            runID,
		Kind:             kind,
		Payload:          payload,
		ContentHash:      contentHash,
		PriorReceiptHash: priorHash,
		Signature:        sig,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// Verify checks that a receipt's signature matches its recorded content
// hash and chain position under pub.
func Verify(pub ed25519.PublicKey, r *Receipt) error {
	return crypto.Verify(pub, signedPayload{ContentHash: r.ContentHash, PriorReceiptHash: r.PriorReceiptHash}, r.Signature)
}
