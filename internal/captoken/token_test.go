package captoken

import (
	"testing"
	"time"

	"github.com/anumate/controlplane/internal/crypto"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewIssuer(kp, NewMemoryReplayGuard())
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	iss := newTestIssuer(t)

	tok, err := iss.Issue(IssueRequest{
		Subject:      "runner-1",
		TenantID:     "tenant-a",
		Capabilities: []Capability{"tool:invoke:http.request"},
		TTL:          30 * time.Second,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verified, err := iss.Verify(tok.Wire, "tenant-a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Subject != "runner-1" || verified.TenantID != "tenant-a" {
		t.Fatalf("unexpected claims: %+v", verified)
	}
	if !verified.HasCapability("tool:invoke:http.request") {
		t.Fatal("expected capability to be present")
	}
}

func TestIssueRejectsExcessiveTTL(t *testing.T) {
	iss := newTestIssuer(t)
	_, err := iss.Issue(IssueRequest{Subject: "s", TenantID: "t", TTL: 10 * time.Minute})
	if err == nil {
		t.Fatal("expected TTL rejection")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	iss := newTestIssuer(t)
	tok, err := iss.Issue(IssueRequest{Subject: "s", TenantID: "t", TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := iss.Verify(tok.Wire, "t"); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := iss.Verify(tok.Wire, "t"); err != ErrReplayed {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}
}

func TestVerifyRejectsWrongTenant(t *testing.T) {
	iss := newTestIssuer(t)
	tok, err := iss.Issue(IssueRequest{Subject: "s", TenantID: "tenant-a", TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := iss.Verify(tok.Wire, "tenant-b"); err != ErrWrongTenant {
		t.Fatalf("expected ErrWrongTenant, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	iss := newTestIssuer(t)
	tok, err := iss.Issue(IssueRequest{Subject: "s", TenantID: "t", TTL: time.Millisecond})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := iss.Verify(tok.Wire, "t"); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	iss := newTestIssuer(t)
	tok, err := iss.Issue(IssueRequest{Subject: "s", TenantID: "t", TTL: time.Minute})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tampered := tok.Wire[:len(tok.Wire)-1] + "x"
	if _, err := iss.Verify(tampered, "t"); err == nil {
		t.Fatal("expected verification to fail on tampered signature")
	}
}
