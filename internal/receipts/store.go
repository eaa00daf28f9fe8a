package receipts

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/controlplane/internal/crypto"
)

// ErrNotFound is returned when a receipt id has no matching row.
var ErrNotFound = fmt.Errorf("receipts: not found")

// Store is an append-only, hash-chained receipt store backed by any
// database/sql driver — Postgres via pgx in production, MySQL as an
// alternate backend behind the same interface, matching how the audit
// package's SQLite store and the policy package's persistent store both
// sit directly on database/sql rather than a driver-specific client.
type Store struct {
	db   *sql.DB
	keys crypto.KeyPair
}

// NewStore wraps an already-open *sql.DB. keys sign every receipt this
// store seals; verifying a receipt later only needs the public half.
func NewStore(db *sql.DB, keys crypto.KeyPair) *Store {
	return &Store{db: db, keys: keys}
}

// PublicKey exposes the verifying half of the signing key this store
// seals receipts with, for callers that need to verify a receipt
// independent of the store (e.g. an HTTP handler calling receipts.Verify).
func (s *Store) PublicKey() ed25519.PublicKey {
	return s.keys.PublicKey
}

// EnsureSchema creates the receipts and chain-head tables if absent.
// Portable across Postgres and MySQL: no driver-specific types beyond
// TEXT/TIMESTAMP, following the same low-common-denominator schema
// style the audit package uses for its SQLite table.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			id                 VARCHAR(64) PRIMARY KEY,
			tenant_id          VARCHAR(128) NOT NULL,
			run_id             VARCHAR(64),
			kind               VARCHAR(64) NOT NULL,
			payload_json       TEXT NOT NULL,
			content_hash       VARCHAR(64) NOT NULL,
			prior_receipt_hash VARCHAR(64),
			signature          TEXT NOT NULL,
			created_at         TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS receipt_chain_heads (
			tenant_id VARCHAR(128) PRIMARY KEY,
			head_hash VARCHAR(64) NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("receipts: ensure schema: %w", err)
		}
	}
	return nil
}

// Emit seals and persists a new receipt for tenantID, atomically reading
// and advancing that tenant's chain head inside a transaction so two
// concurrent Emit calls for the same tenant cannot both observe the same
// prior hash.
func (s *Store) Emit(ctx context.Context, tenantID, runID, kind string, payload map[string]any) (*Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("receipts: begin tx: %w", err)
	}
	defer tx.Rollback()

	var priorHash string
	err = tx.QueryRowContext(ctx, `SELECT head_hash FROM receipt_chain_heads WHERE tenant_id = ?`, tenantID).Scan(&priorHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("receipts: read chain head: %w", err)
	}

	receipt, err := Seal(s.keys, uuid.NewString(), tenantID, runID, kind, payload, priorHash)
	if err != nil {
		return nil, fmt.Errorf("receipts: seal: %w", err)
	}

	payloadJSON, err := json.Marshal(receipt.Payload)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO receipts
		(id, tenant_id, run_id, kind, payload_json, content_hash, prior_receipt_hash, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receipt.ID, receipt.TenantID, receipt.RunID, receipt.Kind, string(payloadJSON),
		receipt.ContentHash, receipt.PriorReceiptHash, receipt.Signature, receipt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("receipts: insert: %w", err)
	}

	if priorHash == "" {
		_, err = tx.ExecContext(ctx, `INSERT INTO receipt_chain_heads (tenant_id, head_hash) VALUES (?, ?)`, tenantID, receipt.ContentHash)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE receipt_chain_heads SET head_hash = ? WHERE tenant_id = ?`, receipt.ContentHash, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: advance chain head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("receipts: commit: %w", err)
	}

	return receipt, nil
}

// Get returns a single receipt by id.
func (s *Store) Get(ctx context.Context, id string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, run_id, kind, payload_json, content_hash, prior_receipt_hash, signature, created_at
		FROM receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// Filter narrows a receipt query by tenant, run, and creation time.
type Filter struct {
	TenantID string
	RunID    string
	Since    time.Time
	Limit    int
}

// Query lists receipts matching f, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Receipt, error) {
	query := `SELECT id, tenant_id, run_id, kind, payload_json, content_hash, prior_receipt_hash, signature, created_at
		FROM receipts WHERE 1=1`
	var args []any

	if f.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, f.TenantID)
	}
	if f.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VerifyChain walks every receipt for tenantID in creation order and
// checks that each one's PriorReceiptHash matches the previous one's
// ContentHash and that every signature verifies, surfacing the first
// break found.
func (s *Store) VerifyChain(ctx context.Context, tenantID string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, run_id, kind, payload_json, content_hash, prior_receipt_hash, signature, created_at
		FROM receipts WHERE tenant_id = ? ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return err
	}
	defer rows.Close()

	prior := ""
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return err
		}
		if r.PriorReceiptHash != prior {
			return fmt.Errorf("receipts: chain break at %s: expected prior %q, got %q", r.ID, prior, r.PriorReceiptHash)
		}
		if err := Verify(s.keys.PublicKey, r); err != nil {
			return fmt.Errorf("receipts: signature invalid at %s: %w", r.ID, err)
		}
		prior = r.ContentHash
	}
	return rows.Err()
}

// ExportBatch writes every receipt for tenantID created strictly after
// since to sink, oldest first, and returns the created_at of the last
// receipt it exported so the caller can pass that back in as the next
// since — a cron-driven caller persists this watermark between runs. A
// key sink already holds (ErrAlreadyExported) is skipped, not fatal,
// since a prior run may have exported it and then failed partway
// through the batch.
func (s *Store) ExportBatch(ctx context.Context, sink WORMSink, tenantID string, since time.Time) (time.Time, int, error) {
	matches, err := s.Query(ctx, Filter{TenantID: tenantID, Since: since})
	if err != nil {
		return since, 0, err
	}

	watermark := since
	exported := 0
	for i := len(matches) - 1; i >= 0; i-- {
		r := matches[i]
		if !r.CreatedAt.After(since) {
			continue
		}

		data, err := json.Marshal(r)
		if err != nil {
			return watermark, exported, fmt.Errorf("receipts: marshal %s: %w", r.ID, err)
		}

		key := fmt.Sprintf("%s/%s.json", r.TenantID, r.ID)
		if _, err := sink.Put(ctx, key, data); err != nil && !errors.Is(err, ErrAlreadyExported) {
			return watermark, exported, fmt.Errorf("receipts: export %s: %w", r.ID, err)
		}

		watermark = r.CreatedAt
		exported++
	}
	return watermark, exported, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var r Receipt
	var payloadJSON string
	var runID, priorHash sql.NullString

	if err := row.Scan(&r.ID, &r.TenantID, &runID, &r.Kind, &payloadJSON, &r.ContentHash, &priorHash, &r.Signature, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.RunID = runID.String
	r.PriorReceiptHash = priorHash.String
	if err := json.Unmarshal([]byte(payloadJSON), &r.Payload); err != nil {
		return nil, fmt.Errorf("receipts: decode payload: %w", err)
	}
	return &r, nil
}
