package crypto

import "testing"

func TestCanonicalizeKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if string(ca) != string(cb) {
		t.Fatalf("expected equal canonical bytes, got %q vs %q", ca, cb)
	}
}

func TestHashStable(t *testing.T) {
	payload := map[string]any{"name": "deploy", "steps": []any{"a", "b"}}
	h1, err := Hash(payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := Hash(payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	payload := map[string]any{"run_id": "r-1", "status": "succeeded"}
	sig, err := kp.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := Verify(kp.PublicKey, payload, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	tampered := map[string]any{"run_id": "r-1", "status": "failed"}
	if err := Verify(kp.PublicKey, tampered, sig); err == nil {
		t.Fatal("expected verification failure on tampered payload")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := Verify(kp.PublicKey, map[string]any{"a": 1}, "not-base64!!"); err == nil {
		t.Fatal("expected decode error")
	}
}
