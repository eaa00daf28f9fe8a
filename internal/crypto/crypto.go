// Package crypto provides the canonicalization, hashing, and signing
// primitives shared by capability tokens, compiled plans, and receipts.
//
// Every signable object in the control plane is first reduced to a
// canonical JSON byte sequence — deterministic key order, no insignificant
// whitespace, no embedded timestamps — so that two semantically identical
// payloads always hash and sign to the same bytes.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidSignature is returned by Verify when the signature does not
	// match the payload under the given public key.
	ErrInvalidSignature = errors.New("crypto: invalid signature")
)

// Canonicalize renders v as deterministic JSON: object keys sorted
// lexicographically at every nesting level, numbers normalized by
// encoding/json's default float formatting, no HTML escaping.
func Canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: normalize: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("crypto: encode canonical: %w", err)
	}

	// Encoder.Encode appends a trailing newline; canonical bytes must not
	// vary by caller, so trim it.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize round-trips v through JSON so that maps, structs, and slices
// all arrive as the same plain interface{} shape (map[string]any,
// []any, float64, string, bool, nil), then recursively orders map keys.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// Hash returns the SHA-256 digest of v's canonical JSON encoding, hex
// encoded. It is the basis for plan_hash, content_hash, and idempotency
// fingerprints alike — the same primitive, applied to different payloads.
func Hash(v any) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// HashBytes returns the hex-encoded SHA-256 digest of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

// KeyPair is an Ed25519 signing identity. PrivateKey is never serialized
// alongside a token or receipt; only the signature and, where the verifier
// needs it out of band, PublicKey travel with the signed object.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 signing identity.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto: generate key: %w", err)
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign canonicalizes payload and returns a base64 (unpadded, URL-safe)
// signature over the canonical bytes.
func (kp KeyPair) Sign(payload any) (string, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(kp.PrivateKey, canon)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// SignBytes signs raw bytes directly, for callers that have already
// computed (and perhaps persisted) the canonical payload, such as a
// receipt signing its own content_hash rather than re-deriving it.
func (kp KeyPair) SignBytes(b []byte) string {
	sig := ed25519.Sign(kp.PrivateKey, b)
	return base64.RawURLEncoding.EncodeToString(sig)
}

// Verify checks a base64 signature against payload's canonical encoding
// using pub. Returns ErrInvalidSignature (wrapped with context on decode
// failure) rather than a bool, so callers can errors.Is against it.
func Verify(pub ed25519.PublicKey, payload any, signature string) error {
	canon, err := Canonicalize(payload)
	if err != nil {
		return fmt.Errorf("crypto: canonicalize for verify: %w", err)
	}
	return VerifyBytes(pub, canon, signature)
}

// VerifyBytes checks a base64 signature against raw bytes.
func VerifyBytes(pub ed25519.PublicKey, b []byte, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("crypto: decode signature: %w", err)
	}
	if !ed25519.Verify(pub, b, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// sortedKeys is a small helper kept for callers that want deterministic
// key iteration without going through the normalize/json round trip
// (e.g. building a canonical query string for a store lookup).
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
