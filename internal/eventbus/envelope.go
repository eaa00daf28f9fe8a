// Package eventbus implements the durable, ordered, at-least-once event
// stream that every control-plane subsystem publishes lifecycle events
// to: plan compilation, preflight simulation, approval decisions,
// orchestrator run transitions, and receipt emission.
package eventbus

import (
	"time"
)

// Envelope is a CloudEvents 1.0 structured-mode event. TenantID is a
// control-plane extension attribute, not part of the base spec, carried
// the same way CloudEvents implementations add domain-specific
// extension attributes alongside the required fields.
type Envelope struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	Time            time.Time `json:"time"`
	TenantID        string    `json:"tenantid,omitempty"`
	Subject         string    `json:"subject,omitempty"` // typically the run_id
	DataContentType string    `json:"datacontenttype,omitempty"`
	Data            any       `json:"data,omitempty"`

	// sequence is the per-subject monotonic position assigned at publish
	// time; it is not part of the CloudEvents wire attributes, only of
	// the durable log's ordering guarantee, so it is not JSON-tagged for
	// the wire envelope.
	sequence int64
}

// Sequence returns the envelope's per-subject ordering position.
func (e Envelope) Sequence() int64 { return e.sequence }

// NewEnvelope builds an Envelope with the required CloudEvents fields
// populated; sequence and id are assigned by the Bus at publish time.
func NewEnvelope(source, eventType, tenantID, subject string, data any) Envelope {
	return Envelope{
		SpecVersion:     "1.0",
		Source:          source,
		Type:            eventType,
		Time:            time.Now().UTC(),
		TenantID:        tenantID,
		Subject:         subject,
		DataContentType: "application/json",
		Data:            data,
	}
}
