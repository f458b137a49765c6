package schema

import (
	"encoding/json"
	"time"
)

// SystemActor is recorded when a change has no identified caller.
const SystemActor = "system"

// AuditAction classifies an audit entry.
type AuditAction string

const (
	AuditCreate AuditAction = "CREATE"
	AuditUpdate AuditAction = "UPDATE"
	AuditCancel AuditAction = "CANCEL"
)

// AuditEntry is an immutable record of one change to an event. Entries of an
// event are numbered from 1 in the order the changes were committed.
type AuditEntry struct {
	EventID       string          `json:"event_id"`
	Sequence      int             `json:"sequence"`
	Action        AuditAction     `json:"action"`
	OldStatus     *Status         `json:"old_status"`
	NewStatus     Status          `json:"new_status"`
	Changes       json.RawMessage `json:"changes"`
	Actor         string          `json:"actor"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}
