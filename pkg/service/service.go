// Package service implements the use cases exposed by the HTTP boundary.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/corporate-actions/pkg/metrics"
	"github.com/zoff-tech/corporate-actions/pkg/processor"
	"github.com/zoff-tech/corporate-actions/pkg/store"
	"github.com/zoff-tech/corporate-actions/pkg/validation"
	"github.com/zoff-tech/corporate-actions/schema"
)

const healthTimeout = time.Second

// ErrMalformedRequest is returned when a creation body is not a JSON object.
var ErrMalformedRequest = errors.New("malformed request body")

// Canceller cancels events on behalf of the processing engine.
type Canceller interface {
	Cancel(ctx context.Context, id string) (*schema.CorporateActionEvent, error)
	MaxRetries() int
}

// ListParams selects a page of events. A Limit of 0 returns every match.
type ListParams struct {
	Filter store.Filter
	Skip   int
	Limit  int
}

// Page is one page of a listing.
type Page struct {
	Events   []*schema.CorporateActionEvent `json:"events"`
	Total    int                            `json:"total"`
	Page     int                            `json:"page"`
	PageSize int                            `json:"page_size"`
}

// Health reports the liveness of the service and its store.
type Health struct {
	Status    string    `json:"status"`
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
}

type Option func(*EventService)

// WithNotifier reports newly created events, the same way the engine reports transitions.
func WithNotifier(n processor.Notifier) Option {
	return func(s *EventService) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *EventService) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *EventService) { s.now = now }
}

// WithIDGenerator replaces the random UUID generator for event ids.
func WithIDGenerator(newID func() string) Option {
	return func(s *EventService) { s.newID = newID }
}

type EventService struct {
	store    store.EventStore
	engine   Canceller
	notifier processor.Notifier
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func New(s store.EventStore, engine Canceller, opts ...Option) *EventService {
	svc := &EventService{
		store:  s,
		engine: engine,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Create validates a raw creation body and persists the event as PENDING.
// Validation failures are *validation.Error values and never touch the store.
func (s *EventService) Create(ctx context.Context, body []byte) (*schema.CorporateActionEvent, error) {
	req, err := validation.DecodeRequest(body)
	if err != nil {
		if errors.Is(err, validation.ErrInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	result, err := validation.Validate(req)
	if err != nil {
		return nil, err
	}

	event := schema.NewEvent(s.newID(), result.Symbol, result.Payload, result.IdempotencyKey)
	if err := s.store.Insert(ctx, event); err != nil {
		if errors.Is(err, store.ErrDuplicate) && result.IdempotencyKey != "" {
			return nil, fmt.Errorf("%w: duplicate idempotency key", store.ErrConflict)
		}
		return nil, err
	}

	s.logger.Info("Event created",
		slog.String("event_id", event.ID),
		slog.String("created_by", event.CreatedBy),
		slog.String("event_type", string(event.EventType)),
		slog.String("symbol", event.Symbol))
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, event, ""); err != nil {
			s.logger.Warn("Failed to publish event creation", slog.String("event_id", event.ID), slog.Any("error", err))
		}
	}
	return event, nil
}

func (s *EventService) Get(ctx context.Context, id string) (*schema.CorporateActionEvent, error) {
	return s.store.Get(ctx, id)
}

// List returns the page of matching events, newest first.
func (s *EventService) List(ctx context.Context, params ListParams) (Page, error) {
	events, err := s.store.List(ctx, params.Filter)
	if err != nil {
		return Page{}, err
	}

	page := Page{Total: len(events), Page: 1}
	start := min(params.Skip, len(events))
	end := len(events)
	if params.Limit > 0 {
		end = min(start+params.Limit, len(events))
		page.Page = params.Skip/params.Limit + 1
		page.PageSize = params.Limit
	} else {
		page.PageSize = end - start
	}
	page.Events = events[start:end]
	if page.Events == nil {
		page.Events = []*schema.CorporateActionEvent{}
	}
	return page, nil
}

func (s *EventService) Cancel(ctx context.Context, id string) (*schema.CorporateActionEvent, error) {
	return s.engine.Cancel(ctx, id)
}

// AuditTrail returns the audit entries of an existing event, oldest first.
func (s *EventService) AuditTrail(ctx context.Context, id string) ([]*schema.AuditEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.AuditTrail(ctx, id)
}

// Metrics aggregates a single listing of every event.
func (s *EventService) Metrics(ctx context.Context) (metrics.Snapshot, error) {
	events, err := s.store.List(ctx, store.Filter{})
	if err != nil {
		return metrics.Snapshot{}, err
	}
	return metrics.Aggregate(events, s.now(), s.engine.MaxRetries()), nil
}

// Health pings the store. The returned error is set when the store is unreachable.
func (s *EventService) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	health := Health{Status: "healthy", Database: "healthy", Timestamp: s.now().UTC()}
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Error("Database health check failed", slog.Any("error", err))
		health.Status = "unhealthy"
		health.Database = "unhealthy"
		return health, err
	}
	return health, nil
}
