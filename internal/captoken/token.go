// Package captoken issues and verifies capability-scoped bearer tokens.
//
// A token binds a subject to a fixed set of capabilities for a single
// tenant and a short lifetime. It is signed, not encrypted — its claims
// are visible to anyone holding it, the same way the tool protocol's
// envelope fields are visible but only the signer can produce a
// signature later verifiers accept.
package captoken

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/controlplane/internal/crypto"
)

// Capability is a single scoped permission a token can carry, e.g.
// "tool:invoke:http.request" or "plan:execute:deploy-service".
type Capability string

// MaxTTL bounds how long any issued token may live. Issue rejects
// requests for a longer lifetime outright rather than silently clamping,
// so callers notice a misconfigured caller rather than getting a shorter
// token than they asked for.
const MaxTTL = 300 * time.Second

var (
	ErrExpired        = errors.New("captoken: token expired")
	ErrReplayed       = errors.New("captoken: token already used (jti replay)")
	ErrMissingScope   = errors.New("captoken: capability not granted")
	ErrTTLTooLong     = errors.New("captoken: requested ttl exceeds maximum")
	ErrMalformedToken = errors.New("captoken: malformed token")
	ErrWrongTenant    = errors.New("captoken: token not valid for this tenant")
)

// claims is the signed envelope. Field order here does not matter for
// wire format since Canonicalize re-sorts, but it does matter for
// readability when debugging a decoded token.
type claims struct {
	JTI          string       `json:"jti"`
	Subject      string       `json:"subject"`
	TenantID     string       `json:"tenant_id"`
	Capabilities []Capability `json:"capabilities"`
	IssuedAt     int64        `json:"iat"`
	ExpiresAt    int64        `json:"exp"`
}

// Token is a verified, parsed capability token. Holders pass the Wire
// form as a bearer credential; services that need to inspect its claims
// (the orchestrator binding a run to a subject, the tool protocol client
// checking scope before a tool call) work with this struct instead.
type Token struct {
	JTI          string
	Subject      string
	TenantID     string
	Capabilities []Capability
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Wire         string
}

// HasCapability reports whether the token grants cap.
func (t Token) HasCapability(cap Capability) bool {
	for _, c := range t.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	Subject      string
	TenantID     string
	Capabilities []Capability
	TTL          time.Duration
}

// Issuer mints and verifies capability tokens against a single Ed25519
// signing identity, guarding against replay via a ReplayGuard.
type Issuer struct {
	keys  crypto.KeyPair
	guard ReplayGuard
}

// NewIssuer builds an Issuer. guard may be a MemoryReplayGuard for tests
// or a PostgresReplayGuard in production; see replayguard.go.
func NewIssuer(keys crypto.KeyPair, guard ReplayGuard) *Issuer {
	return &Issuer{keys: keys, guard: guard}
}

// Issue mints a new signed token. The jti is generated here, never
// supplied by the caller, so a verifier can trust that a given jti was
// only ever produced by this issuer's Issue call.
func (iss *Issuer) Issue(req IssueRequest) (Token, error) {
	if req.TTL <= 0 {
		req.TTL = MaxTTL
	}
	if req.TTL > MaxTTL {
		return Token{}, fmt.Errorf("%w: requested %s, max %s", ErrTTLTooLong, req.TTL, MaxTTL)
	}

	now := time.Now().UTC()
	c := claims{
		JTI:          uuid.NewString(),
		Subject:      req.Subject,
		TenantID:     req.TenantID,
		Capabilities: req.Capabilities,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(req.TTL).Unix(),
	}

	sig, err := iss.keys.Sign(c)
	if err != nil {
		return Token{}, fmt.Errorf("captoken: sign: %w", err)
	}

	wire, err := encodeWire(c, sig)
	if err != nil {
		return Token{}, err
	}

	return Token{
		JTI:          c.JTI,
		Subject:      c.Subject,
		TenantID:     c.TenantID,
		Capabilities: c.Capabilities,
		IssuedAt:     now,
		ExpiresAt:    now.Add(req.TTL),
		Wire:         wire,
	}, nil
}

// Verify parses and checks a wire token: signature, expiry, audience, and
// replay. expectedTenant is the audience the caller requires — the
// tenant the verifying request is scoped to (e.g. the X-Tenant-ID header
// it arrived under) — and must match the tenant_id the token was issued
// for; a token minted for one tenant is rejected outright when presented
// under another tenant's context, the same way a JWT verifier rejects a
// mismatched "aud" claim. A successful Verify consumes the jti —
// presenting the same token twice is indistinguishable, at the replay
// guard, from two different callers racing to spend it once.
func (iss *Issuer) Verify(wire, expectedTenant string) (Token, error) {
	c, sig, err := decodeWire(wire)
	if err != nil {
		return Token{}, err
	}

	if err := crypto.Verify(iss.keys.PublicKey, c, sig); err != nil {
		return Token{}, fmt.Errorf("captoken: %w", err)
	}

	if c.TenantID != expectedTenant {
		return Token{}, ErrWrongTenant
	}

	now := time.Now().UTC()
	if now.Unix() > c.ExpiresAt {
		return Token{}, ErrExpired
	}

	fresh, err := iss.guard.InsertIfAbsent(c.JTI, time.Unix(c.ExpiresAt, 0).UTC())
	if err != nil {
		return Token{}, fmt.Errorf("captoken: replay guard: %w", err)
	}
	if !fresh {
		return Token{}, ErrReplayed
	}

	return Token{
		JTI:          c.JTI,
		Subject:      c.Subject,
		TenantID:     c.TenantID,
		Capabilities: c.Capabilities,
		IssuedAt:     time.Unix(c.IssuedAt, 0).UTC(),
		ExpiresAt:    time.Unix(c.ExpiresAt, 0).UTC(),
		Wire:         wire,
	}, nil
}

// RevokeJTI marks jti spent ahead of its natural verification, using the
// same InsertIfAbsent primitive Verify consults. It reports whether this
// call was the one that spent it (false means jti was already spent,
// whether by a prior Verify or a prior revoke) — callers that want
// revoke to be idempotent rather than surface that distinction should
// ignore the bool and only check err.
func (iss *Issuer) RevokeJTI(jti string) (bool, error) {
	fresh, err := iss.guard.InsertIfAbsent(jti, time.Now().UTC().Add(MaxTTL))
	if err != nil {
		return false, fmt.Errorf("captoken: replay guard: %w", err)
	}
	return fresh, nil
}

// PublicKey exposes the verifier's public key, e.g. for a tool protocol
// peer that wants to verify tokens itself rather than round-tripping
// through Verify.
func (iss *Issuer) PublicKey() ed25519.PublicKey {
	return iss.keys.PublicKey
}

// encodeWire produces "<base64 claims>.<base64 sig>", deliberately not a
// JWT: there is exactly one algorithm, no header to confuse a verifier
// into accepting "none", and the claims are canonical JSON rather than
// JWT's own (non-canonical) JSON convention.
func encodeWire(c claims, sig string) (string, error) {
	canon, err := crypto.Canonicalize(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(canon) + "." + sig, nil
}

func decodeWire(wire string) (claims, string, error) {
	dot := strings.IndexByte(wire, '.')
	if dot < 0 || dot == len(wire)-1 {
		return claims{}, "", ErrMalformedToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(wire[:dot])
	if err != nil {
		return claims{}, "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return claims{}, "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	return c, wire[dot+1:], nil
}
