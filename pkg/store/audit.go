package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zoff-tech/corporate-actions/schema"
)

// auditTable is the table or collection holding audit entries in every backend.
const auditTable = "audit_logs"

type actorKey struct{}

type correlationKey struct{}

// WithActor names who is making the changes done with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by WithActor, or schema.SystemActor.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return schema.SystemActor
}

// WithCorrelationID ties the changes done with ctx to a request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) *string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return &id
	}
	return nil
}

// creationAudit describes the insert of event. It also settles CreatedBy.
func creationAudit(ctx context.Context, event *schema.CorporateActionEvent, at time.Time) (*schema.AuditEntry, error) {
	if event.CreatedBy == "" {
		event.CreatedBy = ActorFromContext(ctx)
	}
	changes, err := json.Marshal(map[string]any{"payload": event.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode audit changes: %w", err)
	}
	return &schema.AuditEntry{
		EventID:       event.ID,
		Sequence:      1,
		Action:        schema.AuditCreate,
		NewStatus:     event.Status,
		Changes:       changes,
		Actor:         event.CreatedBy,
		CorrelationID: correlationID(ctx),
		Timestamp:     at,
	}, nil
}

type statusChange struct {
	From schema.Status `json:"from"`
	To   schema.Status `json:"to"`
}

// transitionAudit describes the move from before to after. The caller assigns Sequence.
func transitionAudit(ctx context.Context, before, after *schema.CorporateActionEvent) (*schema.AuditEntry, error) {
	changes := map[string]any{"status": statusChange{From: before.Status, To: after.Status}}
	if !sameString(before.ErrorMessage, after.ErrorMessage) {
		changes["error_message"] = after.ErrorMessage
	}
	if before.RetryCount != after.RetryCount {
		changes["retry_count"] = after.RetryCount
	}
	encoded, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("encode audit changes: %w", err)
	}

	action := schema.AuditUpdate
	if after.Status == schema.StatusCancelled {
		action = schema.AuditCancel
	}
	old := before.Status
	return &schema.AuditEntry{
		EventID:       after.ID,
		Action:        action,
		OldStatus:     &old,
		NewStatus:     after.Status,
		Changes:       encoded,
		Actor:         ActorFromContext(ctx),
		CorrelationID: correlationID(ctx),
		Timestamp:     after.UpdatedAt,
	}, nil
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneAudit(entry *schema.AuditEntry) *schema.AuditEntry {
	c := *entry
	c.Changes = append(json.RawMessage(nil), entry.Changes...)
	if entry.OldStatus != nil {
		old := *entry.OldStatus
		c.OldStatus = &old
	}
	if entry.CorrelationID != nil {
		id := *entry.CorrelationID
		c.CorrelationID = &id
	}
	return &c
}
