// Package auditlog provides an append-only audit log for control plane
// actions: token issuance, approval decisions, run lifecycle transitions,
// and receipt emission. Every tenant-scoped action worth reconstructing
// later is recorded here.
package auditlog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventTokenIssued          EventType = "token.issued"
	EventTokenReplayRejected  EventType = "token.replay_rejected"
	EventTokenExpired         EventType = "token.expired"
	EventTokenRevoked         EventType = "token.revoked"
	EventCapsuleValidated     EventType = "capsule.validated"
	EventCapsuleRejected      EventType = "capsule.rejected"
	EventPlanCompiled         EventType = "plan.compiled"
	EventPreflightSimulated   EventType = "preflight.simulated"
	EventPreflightBlocked     EventType = "preflight.blocked"
	EventApprovalRequested    EventType = "approval.requested"
	EventApprovalDecided      EventType = "approval.decided"
	EventApprovalEscalated    EventType = "approval.escalated"
	EventApprovalExpired      EventType = "approval.expired"
	EventRunStarted           EventType = "run.started"
	EventRunAwaitingApproval  EventType = "run.awaiting_approval"
	EventRunSucceeded         EventType = "run.succeeded"
	EventRunFailed            EventType = "run.failed"
	EventRunCancelled         EventType = "run.cancelled"
	EventReceiptEmitted       EventType = "receipt.emitted"
	EventQuotaExceeded        EventType = "quota.exceeded"
	EventToolInvocationFailed EventType = "tool.invocation_failed"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenant_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Before    any       `json:"before,omitempty"`
	After     any       `json:"after,omitempty"`
}

// Log is an append-only, in-memory ring buffer of audit events.
type Log struct {
	events []Event
	mu     sync.RWMutex
	maxLen int // ring buffer size (0 = unbounded)
}

// NewLog creates a new audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		maxLen: maxLen,
	}
}

// Record appends an event to the log.
func (l *Log) Record(evt Event) {
	enrichEvent(&evt)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Emit is a convenience for recording a new event with minimal args.
func (l *Log) Emit(typ EventType, tenantID, runID, actor, summary string) {
	l.Record(Event{
		Type:     typ,
		TenantID: tenantID,
		RunID:    runID,
		Actor:    actor,
		Summary:  summary,
	})
}

// Filter constrains a Query. Limit=0 means all.
type Filter struct {
	TenantID string
	RunID    string
	Type     EventType
	Since    time.Time
	Until    time.Time
	Cursor   string
	Limit    int
}

// Query returns filtered events, newest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]

		if f.TenantID != "" && evt.TenantID != f.TenantID {
			continue
		}
		if f.RunID != "" && evt.RunID != f.RunID {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}

		result = append(result, evt)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Recent returns the N most recent events.
func (l *Log) Recent(n int) []Event {
	return l.Query(Filter{Limit: n})
}

// Count returns total event count held in memory.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all events as JSON, for API responses.
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}

func enrichEvent(evt *Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	redactEvent(evt)
}
