package auditlog_test

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/anumate/controlplane/internal/auditlog"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndQuery(t *testing.T) {
	db := openTestDB(t)
	s, err := auditlog.NewStore(db, 100)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	s.Emit(auditlog.EventRunStarted, "tenant-a", "run-1", "system", "run started")
	s.Emit(auditlog.EventRunSucceeded, "tenant-a", "run-1", "system", "run succeeded")
	s.Emit(auditlog.EventRunStarted, "tenant-b", "run-2", "system", "run started")

	events := s.Query(auditlog.Filter{TenantID: "tenant-a"})
	if len(events) != 2 {
		t.Fatalf("want 2 events for tenant-a, got %d", len(events))
	}
	// Newest first.
	if events[0].Type != auditlog.EventRunSucceeded {
		t.Errorf("want newest event first (run.succeeded), got %s", events[0].Type)
	}
}

func TestQueryByRunID(t *testing.T) {
	db := openTestDB(t)
	s, _ := auditlog.NewStore(db, 100)

	s.Emit(auditlog.EventApprovalRequested, "tenant-a", "run-1", "system", "approval requested")
	s.Emit(auditlog.EventApprovalDecided, "tenant-a", "run-1", "alice", "approved")
	s.Emit(auditlog.EventRunStarted, "tenant-a", "run-9", "system", "unrelated run")

	events := s.Query(auditlog.Filter{RunID: "run-1"})
	if len(events) != 2 {
		t.Fatalf("want 2 events for run-1, got %d", len(events))
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	db := openTestDB(t)
	s, _ := auditlog.NewStore(db, 10)
	s.Emit(auditlog.EventTokenIssued, "tenant-a", "", "system", "token issued")

	// Simulate a restart against the same underlying db: a fresh Store
	// reloads recent events from disk into its memory cache.
	s2, err := auditlog.NewStore(db, 10)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if s2.Count() != 1 {
		t.Errorf("want 1 persisted event after reopen, got %d", s2.Count())
	}
}

func TestQueryPersistedAndStreamJSONL(t *testing.T) {
	db := openTestDB(t)
	s, _ := auditlog.NewStore(db, 1)

	for i := 0; i < 5; i++ {
		s.Emit(auditlog.EventReceiptEmitted, "tenant-a", "run-1", "system", "receipt emitted")
	}

	persisted, err := s.QueryPersisted(auditlog.Filter{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("QueryPersisted: %v", err)
	}
	if len(persisted) != 5 {
		t.Fatalf("want 5 persisted events, got %d", len(persisted))
	}

	var buf bytes.Buffer
	if err := s.StreamJSONL(context.Background(), &buf, auditlog.Filter{TenantID: "tenant-a"}); err != nil {
		t.Fatalf("StreamJSONL: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Errorf("want 5 JSONL lines, got %d", len(lines))
	}
}

func TestStreamCSV(t *testing.T) {
	db := openTestDB(t)
	s, _ := auditlog.NewStore(db, 1)
	s.Emit(auditlog.EventQuotaExceeded, "tenant-a", "run-1", "system", "quota exceeded")

	var buf bytes.Buffer
	if err := s.StreamCSV(context.Background(), &buf, auditlog.Filter{}); err != nil {
		t.Fatalf("StreamCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 { // header + one row
		t.Errorf("want header + 1 row, got %d lines", len(lines))
	}
}

func TestPurge(t *testing.T) {
	db := openTestDB(t)
	s, _ := auditlog.NewStore(db, 10)

	old := auditlog.Event{
		Type:      auditlog.EventRunStarted,
		TenantID:  "tenant-a",
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
		Summary:   "stale event",
	}
	s.Record(old)
	s.Emit(auditlog.EventRunStarted, "tenant-a", "run-recent", "system", "recent event")

	deleted, err := s.Purge(24 * time.Hour)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if deleted != 1 {
		t.Errorf("want 1 row purged, got %d", deleted)
	}
	if s.Count() != 1 {
		t.Errorf("want 1 event remaining, got %d", s.Count())
	}
}

func TestLogRingBuffer(t *testing.T) {
	l := auditlog.NewLog(3)
	for i := 0; i < 5; i++ {
		l.Emit(auditlog.EventRunStarted, "tenant-a", "run", "system", "event")
	}
	if l.Count() != 3 {
		t.Errorf("want ring buffer capped at 3, got %d", l.Count())
	}
}
