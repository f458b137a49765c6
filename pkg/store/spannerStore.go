package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/corporate-actions/schema"
)

var spannerColumns = []string{
	"id", "event_type", "symbol", "payload", "status",
	"error_message", "retry_count", "idempotency_key", "created_by", "created_at", "updated_at",
}

var spannerAuditColumns = []string{
	"event_id", "seq", "action", "old_status", "new_status",
	"changes", "actor", "correlation_id", "recorded_at",
}

type SpannerStore struct {
	client *spanner.Client
}

func NewSpannerStore(client *spanner.Client) *SpannerStore {
	return &SpannerStore{client: client}
}

func (s *SpannerStore) Insert(ctx context.Context, event *schema.CorporateActionEvent) error {
	ctx, span := tracer.Start(ctx, "Insert")
	defer span.End()
	startTime := time.Now()

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	at := now()
	entry, err := creationAudit(ctx, event, at)
	if err != nil {
		return err
	}

	var duplicate bool
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		duplicate = false
		_, err := txn.ReadRow(ctx, eventsTable, spanner.Key{event.ID}, []string{"id"})
		switch {
		case err == nil:
			duplicate = true
			return nil
		case spanner.ErrCode(err) != codes.NotFound:
			return err
		}

		if event.IdempotencyKey != nil {
			iter := txn.Query(ctx, spanner.Statement{
				SQL:    `SELECT id FROM corporate_action_events WHERE idempotency_key = @key LIMIT 1`,
				Params: map[string]interface{}{"key": *event.IdempotencyKey},
			})
			_, err := iter.Next()
			iter.Stop()
			if err == nil {
				duplicate = true
				return nil
			}
			if err != iterator.Done {
				return err
			}
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertMap(eventsTable, map[string]interface{}{
				"id":              event.ID,
				"event_type":      string(event.EventType),
				"symbol":          event.Symbol,
				"payload":         string(payload),
				"status":          string(event.Status),
				"error_message":   spannerNullString(event.ErrorMessage),
				"retry_count":     int64(event.RetryCount),
				"idempotency_key": spannerNullString(event.IdempotencyKey),
				"created_by":      event.CreatedBy,
				"created_at":      at,
				"updated_at":      at,
			}),
			auditMutation(entry),
		})
	})
	if err != nil {
		span.RecordError(err)
		if spanner.ErrCode(err) == codes.AlreadyExists {
			return ErrDuplicate
		}
		return unavailable("insert", err)
	}
	if duplicate {
		return ErrDuplicate
	}

	event.CreatedAt, event.UpdatedAt = at, at
	addDBStatsToSpan(span, "spanner", "Insert", 1, time.Since(startTime))
	return nil
}

func (s *SpannerStore) Get(ctx context.Context, id string) (*schema.CorporateActionEvent, error) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	row, err := s.client.Single().ReadRow(ctx, eventsTable, spanner.Key{id}, spannerColumns)
	if err != nil {
		span.RecordError(err)
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, unavailable("get", err)
	}
	return spannerEvent(row)
}

func (s *SpannerStore) CompareAndTransition(ctx context.Context, id string, expected Expect, next schema.Status, mutate Mutation) (*schema.CorporateActionEvent, error) {
	ctx, span := tracer.Start(ctx, "CompareAndTransition")
	defer span.End()
	startTime := time.Now()

	var (
		updated   *schema.CorporateActionEvent
		rejection error
	)
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		updated, rejection = nil, nil

		row, err := txn.ReadRow(ctx, eventsTable, spanner.Key{id}, spannerColumns)
		if err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				rejection = ErrNotFound
				return nil
			}
			return err
		}
		current, err := spannerEvent(row)
		if err != nil {
			rejection = err
			return nil
		}

		updated, rejection = applyTransition(current, expected, next, mutate, now())
		if rejection != nil {
			return nil
		}
		entry, err := transitionAudit(ctx, current, updated)
		if err != nil {
			rejection = err
			return nil
		}
		if entry.Sequence, err = lastAuditSequence(ctx, txn, id); err != nil {
			return err
		}
		entry.Sequence++

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.UpdateMap(eventsTable, map[string]interface{}{
				"id":            id,
				"status":        string(updated.Status),
				"error_message": spannerNullString(updated.ErrorMessage),
				"retry_count":   int64(updated.RetryCount),
				"updated_at":    updated.UpdatedAt,
			}),
			auditMutation(entry),
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, unavailable("transition", err)
	}
	if rejection != nil {
		return nil, rejection
	}

	addDBStatsToSpan(span, "spanner", "CompareAndTransition", 1, time.Since(startTime))
	return updated, nil
}

func (s *SpannerStore) List(ctx context.Context, filter Filter) ([]*schema.CorporateActionEvent, error) {
	ctx, span := tracer.Start(ctx, "List")
	defer span.End()
	startTime := time.Now()

	stmt := spanner.Statement{
		SQL:    `SELECT ` + strings.Join(spannerColumns, ", ") + ` FROM corporate_action_events`,
		Params: map[string]interface{}{},
	}
	var conds []string
	if filter.Status != "" {
		conds = append(conds, "status = @status")
		stmt.Params["status"] = string(filter.Status)
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = @eventType")
		stmt.Params["eventType"] = string(filter.EventType)
	}
	if filter.Symbol != "" {
		conds = append(conds, "symbol = @symbol")
		stmt.Params["symbol"] = filter.Symbol
	}
	if len(conds) > 0 {
		stmt.SQL += " WHERE " + strings.Join(conds, " AND ")
	}
	stmt.SQL += " ORDER BY created_at DESC, id ASC"

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []*schema.CorporateActionEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, unavailable("list", err)
		}

		event, err := spannerEvent(row)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		events = append(events, event)
	}

	addDBStatsToSpan(span, "spanner", "List", len(events), time.Since(startTime))
	return events, nil
}

func (s *SpannerStore) AuditTrail(ctx context.Context, id string) ([]*schema.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "AuditTrail")
	defer span.End()
	startTime := time.Now()

	iter := s.client.Single().Read(ctx, auditTable, spanner.Key{id}.AsPrefix(), spannerAuditColumns)
	defer iter.Stop()

	entries := []*schema.AuditEntry{}
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, unavailable("audit trail", err)
		}
		entry, err := spannerAuditEntry(row)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		entries = append(entries, entry)
	}

	addDBStatsToSpan(span, "spanner", "AuditTrail", len(entries), time.Since(startTime))
	return entries, nil
}

// lastAuditSequence reads the highest audit sequence of an event inside txn.
func lastAuditSequence(ctx context.Context, txn *spanner.ReadWriteTransaction, id string) (int, error) {
	iter := txn.Read(ctx, auditTable, spanner.Key{id}.AsPrefix(), []string{"seq"})
	defer iter.Stop()

	var last int64
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return int(last), nil
		}
		if err != nil {
			return 0, err
		}
		var seq int64
		if err := row.Columns(&seq); err != nil {
			return 0, err
		}
		if seq > last {
			last = seq
		}
	}
}

func auditMutation(entry *schema.AuditEntry) *spanner.Mutation {
	var oldStatus spanner.NullString
	if entry.OldStatus != nil {
		oldStatus = spanner.NullString{StringVal: string(*entry.OldStatus), Valid: true}
	}
	return spanner.InsertMap(auditTable, map[string]interface{}{
		"event_id":       entry.EventID,
		"seq":            int64(entry.Sequence),
		"action":         string(entry.Action),
		"old_status":     oldStatus,
		"new_status":     string(entry.NewStatus),
		"changes":        string(entry.Changes),
		"actor":          entry.Actor,
		"correlation_id": spannerNullString(entry.CorrelationID),
		"recorded_at":    entry.Timestamp,
	})
}

func spannerAuditEntry(row *spanner.Row) (*schema.AuditEntry, error) {
	var (
		entry                  schema.AuditEntry
		seq                    int64
		action, newStatus      string
		changes                string
		oldStatus, correlation spanner.NullString
	)
	if err := row.Columns(&entry.EventID, &seq, &action, &oldStatus, &newStatus,
		&changes, &entry.Actor, &correlation, &entry.Timestamp); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptRow, err)
	}
	entry.Sequence = int(seq)
	entry.Action = schema.AuditAction(action)
	entry.NewStatus = schema.Status(newStatus)
	entry.Changes = json.RawMessage(changes)
	entry.Timestamp = entry.Timestamp.UTC()
	if oldStatus.Valid {
		st := schema.Status(oldStatus.StringVal)
		entry.OldStatus = &st
	}
	if correlation.Valid {
		entry.CorrelationID = &correlation.StringVal
	}
	return &entry, nil
}

func (s *SpannerStore) Ping(ctx context.Context) error {
	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: "SELECT 1"})
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

func spannerEvent(row *spanner.Row) (*schema.CorporateActionEvent, error) {
	var (
		event             schema.CorporateActionEvent
		eventType, status string
		payload           string
		errMsg, idemKey   spanner.NullString
		retryCount        int64
	)
	if err := row.Columns(
		&event.ID,
		&eventType,
		&event.Symbol,
		&payload,
		&status,
		&errMsg,
		&retryCount,
		&idemKey,
		&event.CreatedBy,
		&event.CreatedAt,
		&event.UpdatedAt); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptRow, err)
	}

	event.EventType = schema.EventType(eventType)
	event.Status = schema.Status(status)
	event.RetryCount = int(retryCount)
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	if errMsg.Valid {
		event.ErrorMessage = &errMsg.StringVal
	}
	if idemKey.Valid {
		event.IdempotencyKey = &idemKey.StringVal
	}

	decoded, err := schema.DecodePayload(event.EventType, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", errCorruptRow, event.ID, err)
	}
	event.Payload = decoded
	return &event, nil
}

func spannerNullString(s *string) spanner.NullString {
	if s == nil {
		return spanner.NullString{}
	}
	return spanner.NullString{StringVal: *s, Valid: true}
}
