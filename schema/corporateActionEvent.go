package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the processing status of a corporate action event.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// transitions holds the edges of the status state machine.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CorporateActionEvent is a corporate action tracked through its processing lifecycle.
// ID, EventType, Symbol, Payload, IdempotencyKey, CreatedBy and CreatedAt never change after creation.
type CorporateActionEvent struct {
	ID             string    `json:"id"`
	EventType      EventType `json:"event_type"`
	Symbol         string    `json:"symbol"`
	Payload        Payload   `json:"payload"`
	Status         Status    `json:"status"`
	ErrorMessage   *string   `json:"error_message"`
	RetryCount     int       `json:"retry_count"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewEvent creates a PENDING event with required fields and sensible defaults.
// Timestamps, and CreatedBy when left empty, are assigned by the store on insert.
func NewEvent(id, symbol string, payload Payload, idempotencyKey string) *CorporateActionEvent {
	event := &CorporateActionEvent{
		ID:         id,
		EventType:  payload.EventType(),
		Symbol:     symbol,
		Payload:    payload,
		Status:     StatusPending,
		RetryCount: 0,
	}
	if idempotencyKey != "" {
		event.IdempotencyKey = &idempotencyKey
	}
	return event
}

// IsTerminal reports whether no further transition can happen to the event.
// FAILED is terminal only once maxRetries failed attempts were recorded.
func (e *CorporateActionEvent) IsTerminal(maxRetries int) bool {
	switch e.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return e.RetryCount >= maxRetries
	default:
		return false
	}
}

// Clone returns a copy that shares no mutable state with e.
func (e *CorporateActionEvent) Clone() *CorporateActionEvent {
	c := *e
	if e.ErrorMessage != nil {
		msg := *e.ErrorMessage
		c.ErrorMessage = &msg
	}
	if e.IdempotencyKey != nil {
		key := *e.IdempotencyKey
		c.IdempotencyKey = &key
	}
	return &c
}

// SetError records msg as the failure description. An empty msg clears it.
func (e *CorporateActionEvent) SetError(msg string) {
	if msg == "" {
		e.ErrorMessage = nil
		return
	}
	e.ErrorMessage = &msg
}

func (e *CorporateActionEvent) UnmarshalJSON(data []byte) error {
	type alias CorporateActionEvent
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	payload, err := DecodePayload(e.EventType, aux.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}
