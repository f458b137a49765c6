package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zoff-tech/corporate-actions/schema"
)

// MemoryStore keeps events in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]*schema.CorporateActionEvent
	idempotency map[string]string
	audit       map[string][]*schema.AuditEntry
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]*schema.CorporateActionEvent),
		idempotency: make(map[string]string),
		audit:       make(map[string][]*schema.AuditEntry),
		now:         now,
	}
}

func (m *MemoryStore) Insert(ctx context.Context, event *schema.CorporateActionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; ok {
		return ErrDuplicate
	}
	if event.IdempotencyKey != nil {
		if _, ok := m.idempotency[*event.IdempotencyKey]; ok {
			return ErrDuplicate
		}
	}

	at := m.now()
	entry, err := creationAudit(ctx, event, at)
	if err != nil {
		return err
	}
	event.CreatedAt = at
	event.UpdatedAt = at
	m.events[event.ID] = event.Clone()
	if event.IdempotencyKey != nil {
		m.idempotency[*event.IdempotencyKey] = event.ID
	}
	m.audit[event.ID] = []*schema.AuditEntry{entry}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*schema.CorporateActionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	event, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return event.Clone(), nil
}

func (m *MemoryStore) CompareAndTransition(ctx context.Context, id string, expected Expect, next schema.Status, mutate Mutation) (*schema.CorporateActionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	updated, err := applyTransition(current, expected, next, mutate, m.now())
	if err != nil {
		return nil, err
	}
	entry, err := transitionAudit(ctx, current, updated)
	if err != nil {
		return nil, err
	}
	entry.Sequence = len(m.audit[id]) + 1
	m.events[id] = updated
	m.audit[id] = append(m.audit[id], entry)
	return updated.Clone(), nil
}

func (m *MemoryStore) AuditTrail(ctx context.Context, id string) ([]*schema.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*schema.AuditEntry, 0, len(m.audit[id]))
	for _, entry := range m.audit[id] {
		entries = append(entries, cloneAudit(entry))
	}
	return entries, nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*schema.CorporateActionEvent, error) {
	m.mu.RLock()
	events := make([]*schema.CorporateActionEvent, 0, len(m.events))
	for _, event := range m.events {
		if matches(event, filter) {
			events = append(events, event.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(events, compareEvents)
	return events, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
