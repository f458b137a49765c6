package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/corporate-actions/schema"
)

type MongoStore struct {
	client     *mongo.Client
	database   string
	collection string
}

// eventDocument is the stored shape of an event; the payload is kept as JSON text.
type eventDocument struct {
	ID             string    `bson:"id"`
	EventType      string    `bson:"event_type"`
	Symbol         string    `bson:"symbol"`
	Payload        string    `bson:"payload"`
	Status         string    `bson:"status"`
	ErrorMessage   *string   `bson:"error_message"`
	RetryCount     int       `bson:"retry_count"`
	IdempotencyKey *string   `bson:"idempotency_key,omitempty"`
	CreatedBy      string    `bson:"created_by"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
	// AuditSeq is the sequence of the latest audit entry of the event.
	AuditSeq int `bson:"audit_seq"`
}

type auditDocument struct {
	EventID       string    `bson:"event_id"`
	Sequence      int       `bson:"seq"`
	Action        string    `bson:"action"`
	OldStatus     *string   `bson:"old_status"`
	NewStatus     string    `bson:"new_status"`
	Changes       string    `bson:"changes"`
	Actor         string    `bson:"actor"`
	CorrelationID *string   `bson:"correlation_id,omitempty"`
	RecordedAt    time.Time `bson:"recorded_at"`
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	if collection == "" {
		collection = eventsTable
	}
	return &MongoStore{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoStore) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoStore) auditColl() *mongo.Collection {
	return m.client.Database(m.database).Collection(auditTable)
}

// EnsureIndexes creates the unique indexes on id, idempotency_key and the
// audit sequence.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "idempotency_key", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "event_type", Value: 1}}},
	})
	if err != nil {
		return unavailable("create indexes", err)
	}
	_, err = m.auditColl().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return unavailable("create indexes", err)
}

func (m *MongoStore) Insert(ctx context.Context, event *schema.CorporateActionEvent) error {
	ctx, span := tracer.Start(ctx, "Insert")
	defer span.End()
	startTime := time.Now()

	// BSON dates hold milliseconds
	at := now().Truncate(time.Millisecond)
	entry, err := creationAudit(ctx, event, at)
	if err != nil {
		return err
	}
	doc, err := toDocument(event)
	if err != nil {
		return err
	}
	doc.CreatedAt, doc.UpdatedAt = at, at
	doc.AuditSeq = entry.Sequence

	if _, err := m.coll().InsertOne(ctx, doc); err != nil {
		span.RecordError(err)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return unavailable("insert", err)
	}
	event.CreatedAt, event.UpdatedAt = at, at

	if err := m.insertAudit(ctx, entry); err != nil {
		span.RecordError(err)
		return err
	}
	addDBStatsToSpan(span, "mongodb", "Insert", 1, time.Since(startTime))
	return nil
}

func (m *MongoStore) Get(ctx context.Context, id string) (*schema.CorporateActionEvent, error) {
	ctx, span := tracer.Start(ctx, "Get")
	defer span.End()

	doc, err := m.findOne(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	event, err := doc.toEvent()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return event, nil
}

// CompareAndTransition updates the event only if status, retry_count and
// audit_seq still hold the values read, so a concurrent writer in between
// makes it fail with ErrConflict. The audit entry is written after the
// event; the audit_seq bump reserves its sequence number.
func (m *MongoStore) CompareAndTransition(ctx context.Context, id string, expected Expect, next schema.Status, mutate Mutation) (*schema.CorporateActionEvent, error) {
	ctx, span := tracer.Start(ctx, "CompareAndTransition")
	defer span.End()
	startTime := time.Now()

	doc, err := m.findOne(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	current, err := doc.toEvent()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	updated, err := applyTransition(current, expected, next, mutate, now().Truncate(time.Millisecond))
	if err != nil {
		return nil, err
	}
	entry, err := transitionAudit(ctx, current, updated)
	if err != nil {
		return nil, err
	}
	entry.Sequence = doc.AuditSeq + 1

	filter := bson.M{
		"id":          id,
		"status":      string(current.Status),
		"retry_count": current.RetryCount,
		"audit_seq":   doc.AuditSeq,
	}
	update := bson.M{
		"$set": bson.M{
			"status":        string(updated.Status),
			"error_message": updated.ErrorMessage,
			"retry_count":   updated.RetryCount,
			"updated_at":    updated.UpdatedAt,
			"audit_seq":     entry.Sequence,
		},
	}
	res, err := m.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return nil, unavailable("update", err)
	}
	if res.MatchedCount == 0 {
		return nil, fmt.Errorf("%w: event %s changed concurrently", ErrConflict, id)
	}
	if err := m.insertAudit(ctx, entry); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "CompareAndTransition", 1, time.Since(startTime))
	return updated, nil
}

func (m *MongoStore) insertAudit(ctx context.Context, entry *schema.AuditEntry) error {
	doc := auditDocument{
		EventID:       entry.EventID,
		Sequence:      entry.Sequence,
		Action:        string(entry.Action),
		NewStatus:     string(entry.NewStatus),
		Changes:       string(entry.Changes),
		Actor:         entry.Actor,
		CorrelationID: entry.CorrelationID,
		RecordedAt:    entry.Timestamp,
	}
	if entry.OldStatus != nil {
		old := string(*entry.OldStatus)
		doc.OldStatus = &old
	}
	_, err := m.auditColl().InsertOne(ctx, doc)
	return unavailable("insert audit", err)
}

func (m *MongoStore) AuditTrail(ctx context.Context, id string) ([]*schema.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "AuditTrail")
	defer span.End()
	startTime := time.Now()

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := m.auditColl().Find(ctx, bson.M{"event_id": id}, opts)
	if err != nil {
		span.RecordError(err)
		return nil, unavailable("audit trail", err)
	}
	defer cursor.Close(ctx)

	entries := []*schema.AuditEntry{}
	for cursor.Next(ctx) {
		var doc auditDocument
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		entry := &schema.AuditEntry{
			EventID:       doc.EventID,
			Sequence:      doc.Sequence,
			Action:        schema.AuditAction(doc.Action),
			NewStatus:     schema.Status(doc.NewStatus),
			Changes:       json.RawMessage(doc.Changes),
			Actor:         doc.Actor,
			CorrelationID: doc.CorrelationID,
			Timestamp:     doc.RecordedAt.UTC(),
		}
		if doc.OldStatus != nil {
			old := schema.Status(*doc.OldStatus)
			entry.OldStatus = &old
		}
		entries = append(entries, entry)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, unavailable("audit trail", err)
	}

	addDBStatsToSpan(span, "mongodb", "AuditTrail", len(entries), time.Since(startTime))
	return entries, nil
}

func (m *MongoStore) List(ctx context.Context, filter Filter) ([]*schema.CorporateActionEvent, error) {
	ctx, span := tracer.Start(ctx, "List")
	defer span.End()
	startTime := time.Now()

	query := bson.M{}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.EventType != "" {
		query["event_type"] = string(filter.EventType)
	}
	if filter.Symbol != "" {
		query["symbol"] = filter.Symbol
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "id", Value: 1}})
	cursor, err := m.coll().Find(ctx, query, opts)
	if err != nil {
		span.RecordError(err)
		return nil, unavailable("list", err)
	}
	defer cursor.Close(ctx)

	var events []*schema.CorporateActionEvent
	for cursor.Next(ctx) {
		var doc eventDocument
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		event, err := doc.toEvent()
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		events = append(events, event)
	}
	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, unavailable("list", err)
	}

	addDBStatsToSpan(span, "mongodb", "List", len(events), time.Since(startTime))
	return events, nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return unavailable("ping", m.client.Ping(ctx, nil))
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) findOne(ctx context.Context, id string) (*eventDocument, error) {
	var doc eventDocument
	if err := m.coll().FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, unavailable("find", err)
	}
	return &doc, nil
}

func toDocument(event *schema.CorporateActionEvent) (*eventDocument, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &eventDocument{
		ID:             event.ID,
		EventType:      string(event.EventType),
		Symbol:         event.Symbol,
		Payload:        string(payload),
		Status:         string(event.Status),
		ErrorMessage:   event.ErrorMessage,
		RetryCount:     event.RetryCount,
		IdempotencyKey: event.IdempotencyKey,
		CreatedBy:      event.CreatedBy,
		CreatedAt:      event.CreatedAt,
		UpdatedAt:      event.UpdatedAt,
	}, nil
}

func (d *eventDocument) toEvent() (*schema.CorporateActionEvent, error) {
	eventType := schema.EventType(d.EventType)
	payload, err := schema.DecodePayload(eventType, []byte(d.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", errCorruptRow, d.ID, err)
	}
	return &schema.CorporateActionEvent{
		ID:             d.ID,
		EventType:      eventType,
		Symbol:         d.Symbol,
		Payload:        payload,
		Status:         schema.Status(d.Status),
		ErrorMessage:   d.ErrorMessage,
		RetryCount:     d.RetryCount,
		IdempotencyKey: d.IdempotencyKey,
		CreatedBy:      d.CreatedBy,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}, nil
}
