package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/anumate/controlplane/internal/auditlog"
	"github.com/anumate/controlplane/internal/receipts"
)

type createReceiptRequest struct {
	RunID   string         `json:"run_id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req createReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("malformed request body"))
		return
	}
	if req.Kind == "" {
		writeProblem(w, r, rc.CorrelationID, problemValidation("kind is required"))
		return
	}

	receipt, err := s.deps.Receipts.Emit(r.Context(), rc.TenantID, req.RunID, req.Kind, req.Payload)
	if err != nil {
		writeProblem(w, r, rc.CorrelationID, problemInternal(err.Error()))
		return
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventReceiptEmitted, rc.TenantID, req.RunID, rc.Actor, "receipt emitted: "+receipt.Kind)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"receipt_id":   receipt.ID,
		"signature":    receipt.Signature,
		"content_hash": receipt.ContentHash,
	})
}

func (s *Server) handleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())
	id := r.PathValue("id")

	receipt, err := s.deps.Receipts.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, r, rc.CorrelationID, problemNotFound("receipt"))
		return
	}

	if err := receipts.Verify(s.deps.Receipts.PublicKey(), receipt); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "reason": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	if s.deps.Audit == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []auditlog.Event{}})
		return
	}

	f := auditlog.Filter{TenantID: rc.TenantID}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		f.RunID = runID
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		f.Type = auditlog.EventType(typ)
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if until := r.URL.Query().Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = t
		}
	}
	f.Cursor = r.URL.Query().Get("cursor")
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}

	entries, err := s.deps.Audit.QueryPersisted(f)
	if err != nil {
		writeProblem(w, r, rc.CorrelationID, problemInternal(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
