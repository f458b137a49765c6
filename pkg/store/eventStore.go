package store

import (
	"context"

	"github.com/zoff-tech/corporate-actions/schema"
)

// Mutation edits the mutable fields of an event during a status transition.
// Only ErrorMessage and RetryCount are persisted; status and UpdatedAt are set by the store.
type Mutation func(event *schema.CorporateActionEvent)

// Filter restricts List results. Zero values match everything.
type Filter struct {
	Status    schema.Status
	EventType schema.EventType
	Symbol    string
}

// EventStore defines the durable operations on corporate action events.
type EventStore interface {
	// Insert persists a new event, assigning CreatedAt and UpdatedAt, together
	// with its CREATE audit entry. An empty CreatedBy is taken from the actor
	// in ctx. It fails with ErrDuplicate if the id or idempotency key already exists.
	Insert(ctx context.Context, event *schema.CorporateActionEvent) error
	// Get returns the event with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*schema.CorporateActionEvent, error)
	// CompareAndTransition atomically moves the event from expected to next,
	// applying mutate first, and appends the matching audit entry. It fails
	// with ErrConflict when the event does not match expected or
	// expected.Status -> next is not a lifecycle edge.
	CompareAndTransition(ctx context.Context, id string, expected Expect, next schema.Status, mutate Mutation) (*schema.CorporateActionEvent, error)
	// AuditTrail returns the audit entries of an event in commit order.
	// An unknown id yields an empty trail.
	AuditTrail(ctx context.Context, id string) ([]*schema.AuditEntry, error)
	// List returns matching events ordered by CreatedAt descending, then id ascending.
	List(ctx context.Context, filter Filter) ([]*schema.CorporateActionEvent, error)
	// Ping checks connectivity with the backend.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
