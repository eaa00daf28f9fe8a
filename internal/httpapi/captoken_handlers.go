package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/anumate/controlplane/internal/auditlog"
	"github.com/anumate/controlplane/internal/captoken"
)

type issueTokenRequest struct {
	Subject      string   `json:"subject"`
	Capabilities []string `json:"capabilities"`
	TTLSecs      int      `json:"ttl_secs"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
	JTI   string `json:"jti"`
	Exp   string `json:"exp"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation("malformed request body"))
		return
	}
	if req.Subject == "" || len(req.Capabilities) == 0 {
		writeProblem(w, r, rc.CorrelationID, problemValidation("subject and capabilities are required"))
		return
	}

	ttl := time.Duration(req.TTLSecs) * time.Second
	if ttl <= 0 {
		ttl = captoken.MaxTTL
	}

	caps := make([]captoken.Capability, len(req.Capabilities))
	for i, c := range req.Capabilities {
		caps[i] = captoken.Capability(c)
	}

	tok, err := s.deps.Tokens.Issue(captoken.IssueRequest{
		Subject:      req.Subject,
		TenantID:     rc.TenantID,
		Capabilities: caps,
		TTL:          ttl,
	})
	if err != nil {
		if err == captoken.ErrTTLTooLong {
			writeProblem(w, r, rc.CorrelationID, problemValidation(err.Error()))
			return
		}
		writeProblem(w, r, rc.CorrelationID, problemInternal(err.Error()))
		return
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventTokenIssued, rc.TenantID, "", rc.Actor, "token issued for "+req.Subject)
	}

	writeJSON(w, http.StatusOK, issueTokenResponse{
		Token: tok.Wire,
		JTI:   tok.JTI,
		Exp:   tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type verifyTokenRequest struct {
	Token string `json:"token"`
}

type verifyTokenResponse struct {
	Valid  bool           `json:"valid"`
	Claims map[string]any `json:"claims,omitempty"`
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req verifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeProblem(w, r, rc.CorrelationID, problemValidation("token is required"))
		return
	}

	tok, err := s.deps.Tokens.Verify(req.Token, rc.TenantID)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, verifyTokenResponse{
			Valid: true,
			Claims: map[string]any{
				"jti":          tok.JTI,
				"subject":      tok.Subject,
				"tenant_id":    tok.TenantID,
				"capabilities": tok.Capabilities,
				"exp":          tok.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	case captoken.ErrReplayed:
		writeProblem(w, r, rc.CorrelationID, problemConflict("token already used"))
	case captoken.ErrExpired:
		writeProblem(w, r, rc.CorrelationID, problemGone("token expired"))
	case captoken.ErrWrongTenant:
		writeProblem(w, r, rc.CorrelationID, problemUnauthorized("token not valid for this tenant"))
	default:
		writeProblem(w, r, rc.CorrelationID, problemUnauthorized(err.Error()))
	}
}

type refreshTokenRequest struct {
	Token      string `json:"token"`
	NewTTLSecs int    `json:"new_ttl"`
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req refreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeProblem(w, r, rc.CorrelationID, problemValidation("token is required"))
		return
	}

	old, err := s.deps.Tokens.Verify(req.Token, rc.TenantID)
	if err != nil {
		writeProblem(w, r, rc.CorrelationID, problemUnauthorized(err.Error()))
		return
	}

	ttl := time.Duration(req.NewTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = captoken.MaxTTL
	}

	tok, err := s.deps.Tokens.Issue(captoken.IssueRequest{
		Subject:      old.Subject,
		TenantID:     old.TenantID,
		Capabilities: old.Capabilities,
		TTL:          ttl,
	})
	if err != nil {
		writeProblem(w, r, rc.CorrelationID, problemValidation(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, issueTokenResponse{
		Token: tok.Wire,
		JTI:   tok.JTI,
		Exp:   tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type revokeTokenRequest struct {
	TokenID string `json:"token_id"`
}

// handleRevokeToken marks a jti spent ahead of its natural
// verification, the same InsertIfAbsent primitive Verify itself uses to
// detect replay. There is no issued-token ledger to distinguish "never
// issued" from "already revoked", so revoke is idempotent: both return
// ok.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	rc := FromContext(r.Context())

	var req revokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenID == "" {
		writeProblem(w, r, rc.CorrelationID, problemValidation("token_id is required"))
		return
	}

	if _, err := s.deps.Tokens.RevokeJTI(req.TokenID); err != nil {
		writeProblem(w, r, rc.CorrelationID, problemInternal(err.Error()))
		return
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(auditlog.EventTokenRevoked, rc.TenantID, "", rc.Actor, "token revoked: "+req.TokenID)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
