package auditlog

import "testing"

func TestRedactBearerToken(t *testing.T) {
	in := "calling tool with Authorization: Bearer abc123.def456-ghi"
	out := redact(in)
	if out == in {
		t.Fatal("expected bearer token to be redacted")
	}
	if !contains(out, redactedPlaceholder) {
		t.Fatalf("expected redacted placeholder in output, got %q", out)
	}
}

func TestRedactEventSummaryAndDetail(t *testing.T) {
	evt := Event{
		Summary: "token: sk-abcdefghijklmnopqrstuvwxyz0123456789ABCD",
		Detail:  map[string]string{"password": "hunter2", "note": "fine"},
	}
	redactEvent(&evt)

	if contains(evt.Summary, "sk-abcdefghijklmnopqrstuvwxyz0123456789ABCD") {
		t.Errorf("summary still contains secret: %q", evt.Summary)
	}
	detail := evt.Detail.(map[string]string)
	if detail["password"] != redactedPlaceholder {
		t.Errorf("password = %q, want fully redacted", detail["password"])
	}
	if detail["note"] != "fine" {
		t.Errorf("note = %q, want untouched", detail["note"])
	}
}

func TestEnrichEventRedacts(t *testing.T) {
	evt := Event{Summary: "password: supersecret123"}
	enrichEvent(&evt)
	if contains(evt.Summary, "supersecret123") {
		t.Errorf("enrichEvent did not redact summary: %q", evt.Summary)
	}
	if evt.ID == "" {
		t.Error("enrichEvent should assign an ID")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
