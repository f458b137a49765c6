package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/corporate-actions/pkg/config"
	"github.com/zoff-tech/corporate-actions/pkg/settlement"
	"github.com/zoff-tech/corporate-actions/pkg/store"
	"github.com/zoff-tech/corporate-actions/pkg/telemetry"
	"github.com/zoff-tech/corporate-actions/schema"
)

const (
	tracerName = "corporate-actions/processor"

	// bookkeepingTimeout bounds the store writes that record a settlement outcome.
	// They run detached from the caller's context and survive shutdown.
	bookkeepingTimeout = 10 * time.Second
	maxCancelAttempts  = 5

	// engineActor is recorded in the audit trail for the engine's own transitions.
	engineActor = "processing-engine"
)

// Outcome describes what a single processing attempt did.
type Outcome int

const (
	// OutcomeSkipped means the event was not claimed: it was not PENDING,
	// unknown, or already being processed here.
	OutcomeSkipped Outcome = iota
	OutcomeCompleted
	OutcomeRetryScheduled
	// OutcomeFailed means the attempt failed and no retries are left.
	OutcomeFailed
	// OutcomeDiscarded means the event changed while being settled, because
	// it was cancelled or its claim expired and was taken over, and the
	// result was dropped.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetryScheduled:
		return "retry_scheduled"
	case OutcomeFailed:
		return "failed"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Config tunes an Engine. Zero values fall back to defaults.
type Config struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	ClaimTimeout time.Duration
}

// ConfigFromSettings maps the engine section of the service settings.
func ConfigFromSettings(s config.EngineSettings) Config {
	return Config{
		Workers:      s.Workers,
		PollInterval: s.PollInterval,
		BatchSize:    s.BatchSize,
		MaxRetries:   s.MaxRetries,
		RetryBackoff: s.RetryBackoff,
		MaxBackoff:   s.MaxBackoff,
		ClaimTimeout: s.ClaimTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = c.RetryBackoff
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
	return c
}

// Option customizes an Engine.
type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m telemetry.EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces the clock used for claim expiry and retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine drives events from PENDING to a terminal status.
// Several engines may share one store: claims are decided by the store's
// compare-and-transition, so each attempt is executed by exactly one of them.
type Engine struct {
	store    store.EventStore
	settler  settlement.Settler
	notifier Notifier
	metrics  telemetry.EngineMetrics
	logger   *slog.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	retries  map[string]*time.Timer
	stopped  bool
}

func New(s store.EventStore, settler settlement.Settler, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		settler:  settler,
		metrics:  telemetry.NoopEngineMetrics{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		retries:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxRetries is the number of failed attempts after which FAILED is terminal.
func (e *Engine) MaxRetries() int { return e.cfg.MaxRetries }

// Run polls for PENDING events and processes them until ctx is done.
// Settlements already in progress are allowed to finish and record their
// outcome before Run returns. Pending retries are stopped on return; the
// next start picks them up again.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()

	queue := make(chan string, e.cfg.BatchSize)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range queue {
				e.processClaimed(ctx, id)
			}
		}()
	}

	e.logger.Info("Processing engine started",
		slog.Int("workers", e.cfg.Workers),
		slog.Duration("poll_interval", e.cfg.PollInterval),
		slog.Int("max_retries", e.cfg.MaxRetries))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		e.sweep(ctx)
		e.poll(ctx, queue)

		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			e.stopRetries()
			e.logger.Info("Processing engine stopped")
			return
		case <-ticker.C:
		}
	}
}

// poll hands up to BatchSize PENDING events, oldest first, to the workers.
func (e *Engine) poll(ctx context.Context, queue chan<- string) {
	pending, err := e.store.List(ctx, store.Filter{Status: schema.StatusPending})
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("Failed to list pending events", slog.Any("error", err))
		}
		return
	}

	dispatched := 0
	for i := len(pending) - 1; i >= 0 && dispatched < e.cfg.BatchSize; i-- {
		id := pending[i].ID
		if !e.markInFlight(id) {
			continue
		}
		select {
		case queue <- id:
			dispatched++
		case <-ctx.Done():
			e.release(id)
			return
		}
	}
	if dispatched > 0 {
		e.logger.Debug("Dispatched pending events", slog.Int("count", dispatched))
	}
}

// ProcessOnce runs one claim, settle and record cycle for the event.
// Settlement failures are recorded on the event and reported through the
// Outcome; the error is only set when the store could not be used.
// Once claimed, settlement runs to completion even if ctx is cancelled,
// bounded by ClaimTimeout.
func (e *Engine) ProcessOnce(ctx context.Context, id string) (Outcome, error) {
	if !e.markInFlight(id) {
		return OutcomeSkipped, nil
	}
	defer e.release(id)
	return e.attempt(ctx, id)
}

func (e *Engine) processClaimed(ctx context.Context, id string) {
	defer e.release(id)
	if ctx.Err() != nil {
		return
	}
	if _, err := e.attempt(ctx, id); err != nil && ctx.Err() == nil {
		e.logger.Error("Processing attempt failed", slog.String("event_id", id), slog.Any("error", err))
	}
}

func (e *Engine) attempt(ctx context.Context, id string) (Outcome, error) {
	ctx = store.WithActor(ctx, engineActor)
	ctx, span := e.tracer.Start(ctx, "ProcessEvent",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()

	claimed, err := e.store.CompareAndTransition(ctx, id, store.InStatus(schema.StatusPending), schema.StatusProcessing, nil)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			e.logger.Debug("Event not claimed", slog.String("event_id", id), slog.Any("reason", err))
			span.SetAttributes(attribute.String("event.outcome", OutcomeSkipped.String()))
			return OutcomeSkipped, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return OutcomeSkipped, err
	}
	e.transitioned(ctx, claimed, schema.StatusPending)

	req := settlement.NewRequest(claimed)
	span.SetAttributes(
		attribute.String("event.type", string(claimed.EventType)),
		attribute.String("event.symbol", claimed.Symbol),
		attribute.Int("event.attempt", req.Attempt))

	// A claimed attempt settles to completion: cancelling ctx neither
	// interrupts it nor charges it a retry.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ClaimTimeout)
	start := e.now()
	settleErr := e.settler.Settle(settleCtx, req)
	cancelSettle()
	e.metrics.RecordSettlement(ctx, string(claimed.EventType), e.now().Sub(start), settleErr)

	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if settleErr == nil {
		completed, err := e.store.CompareAndTransition(bookCtx, id,
			store.AtAttempt(schema.StatusProcessing, claimed.RetryCount), schema.StatusCompleted,
			func(ev *schema.CorporateActionEvent) { ev.SetError("") })
		switch {
		case err == nil:
			e.transitioned(bookCtx, completed, schema.StatusProcessing)
			e.logger.Info("Event completed",
				slog.String("event_id", id),
				slog.String("event_type", string(completed.EventType)),
				slog.Int("attempt", req.Attempt))
			span.SetAttributes(attribute.String("event.outcome", OutcomeCompleted.String()))
			return OutcomeCompleted, nil
		case errors.Is(err, store.ErrConflict):
			return e.discard(span, id, err), nil
		default:
			e.logger.Warn("Failed to record completion", slog.String("event_id", id), slog.Any("error", err))
			settleErr = &settlement.Error{Reason: "record completion: " + err.Error(), Err: err}
		}
	}

	span.RecordError(settleErr)
	span.SetStatus(codes.Error, "settlement failed")
	outcome, err := e.recordFailure(bookCtx, id, claimed.RetryCount, settleErr)
	span.SetAttributes(attribute.String("event.outcome", outcome.String()))
	return outcome, err
}

func (e *Engine) discard(span trace.Span, id string, reason error) Outcome {
	e.logger.Info("Event changed during settlement, outcome discarded",
		slog.String("event_id", id), slog.Any("reason", reason))
	span.SetAttributes(attribute.String("event.outcome", OutcomeDiscarded.String()))
	return OutcomeDiscarded
}

// recordFailure moves an event PROCESSING with retryCount failed attempts to
// FAILED and schedules its retry when retries remain.
func (e *Engine) recordFailure(ctx context.Context, id string, retryCount int, cause error) (Outcome, error) {
	reason := settlement.AsError(cause).Reason
	failed, err := e.store.CompareAndTransition(ctx, id,
		store.AtAttempt(schema.StatusProcessing, retryCount), schema.StatusFailed,
		func(ev *schema.CorporateActionEvent) {
			ev.RetryCount++
			ev.SetError(reason)
		})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.logger.Info("Event changed during settlement, failure discarded",
				slog.String("event_id", id), slog.Any("reason", err))
			return OutcomeDiscarded, nil
		}
		e.logger.Error("Failed to record settlement failure",
			slog.String("event_id", id), slog.String("reason", reason), slog.Any("error", err))
		return OutcomeSkipped, err
	}
	e.transitioned(ctx, failed, schema.StatusProcessing)
	return e.afterFailure(ctx, failed), nil
}

func (e *Engine) afterFailure(ctx context.Context, failed *schema.CorporateActionEvent) Outcome {
	if failed.IsTerminal(e.cfg.MaxRetries) {
		e.logger.Warn("Event failed, retries exhausted",
			slog.String("event_id", failed.ID),
			slog.Int("retry_count", failed.RetryCount),
			slog.String("reason", deref(failed.ErrorMessage)))
		return OutcomeFailed
	}

	delay := Backoff(failed.RetryCount, e.cfg.RetryBackoff, e.cfg.MaxBackoff)
	if e.scheduleRetry(failed.ID, delay) {
		e.metrics.RecordRetryScheduled(ctx, string(failed.EventType), delay)
	}
	e.logger.Warn("Event failed, retry scheduled",
		slog.String("event_id", failed.ID),
		slog.Int("retry_count", failed.RetryCount),
		slog.Duration("backoff", delay),
		slog.String("reason", deref(failed.ErrorMessage)))
	return OutcomeRetryScheduled
}

// scheduleRetry arms a timer that returns the event to PENDING after delay.
// It reports false when a retry is already scheduled or the engine stopped.
func (e *Engine) scheduleRetry(id string, delay time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	if _, ok := e.retries[id]; ok {
		return false
	}
	e.retries[id] = time.AfterFunc(delay, func() { e.requeue(id) })
	return true
}

func (e *Engine) requeue(id string) {
	e.mu.Lock()
	delete(e.retries, id)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(store.WithActor(context.Background(), engineActor), bookkeepingTimeout)
	defer cancel()

	event, err := e.store.CompareAndTransition(ctx, id, store.InStatus(schema.StatusFailed), schema.StatusPending, nil)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			e.logger.Debug("Retry dropped", slog.String("event_id", id), slog.Any("reason", err))
			return
		}
		e.logger.Error("Failed to re-queue event", slog.String("event_id", id), slog.Any("error", err))
		return
	}
	e.transitioned(ctx, event, schema.StatusFailed)
	e.logger.Info("Event re-queued", slog.String("event_id", id), slog.Int("retry_count", event.RetryCount))
}

func (e *Engine) cancelRetry(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.retries[id]; ok {
		t.Stop()
		delete(e.retries, id)
	}
}

func (e *Engine) stopRetries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for id, t := range e.retries {
		t.Stop()
		delete(e.retries, id)
	}
}

func (e *Engine) retryScheduled(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.retries[id]
	return ok
}

// sweep recovers work left behind by a restart or a crashed instance:
// transient FAILED events without a pending retry are scheduled, and
// PROCESSING claims older than ClaimTimeout are expired into FAILED.
func (e *Engine) sweep(ctx context.Context) {
	ctx = store.WithActor(ctx, engineActor)
	failed, err := e.store.List(ctx, store.Filter{Status: schema.StatusFailed})
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("Failed to list failed events", slog.Any("error", err))
		}
		return
	}
	now := e.now()
	for _, event := range failed {
		if event.IsTerminal(e.cfg.MaxRetries) || e.retryScheduled(event.ID) {
			continue
		}
		delay := Backoff(event.RetryCount, e.cfg.RetryBackoff, e.cfg.MaxBackoff) - now.Sub(event.UpdatedAt)
		if delay < 0 {
			delay = 0
		}
		if e.scheduleRetry(event.ID, delay) {
			e.logger.Info("Recovered unscheduled retry",
				slog.String("event_id", event.ID), slog.Duration("backoff", delay))
		}
	}

	processing, err := e.store.List(ctx, store.Filter{Status: schema.StatusProcessing})
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("Failed to list processing events", slog.Any("error", err))
		}
		return
	}
	for _, event := range processing {
		if now.Sub(event.UpdatedAt) < e.cfg.ClaimTimeout || e.isInFlight(event.ID) {
			continue
		}
		e.logger.Warn("Claim expired", slog.String("event_id", event.ID), slog.Time("claimed_at", event.UpdatedAt))
		cause := settlement.Errorf("claim expired after %s", e.cfg.ClaimTimeout)
		if _, err := e.recordFailure(ctx, event.ID, event.RetryCount, cause); err != nil && ctx.Err() == nil {
			e.logger.Error("Failed to expire claim", slog.String("event_id", event.ID), slog.Any("error", err))
		}
	}
}

// Cancel moves a non-terminal event to CANCELLED. A worker settling the event
// concurrently loses its final transition and its outcome is discarded.
func (e *Engine) Cancel(ctx context.Context, id string) (*schema.CorporateActionEvent, error) {
	for i := 0; i < maxCancelAttempts; i++ {
		event, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if event.IsTerminal(e.cfg.MaxRetries) {
			return nil, fmt.Errorf("%w: event %s is %s and can no longer be cancelled", store.ErrConflict, id, event.Status)
		}

		cancelled, err := e.store.CompareAndTransition(ctx, id,
			store.AtAttempt(event.Status, event.RetryCount), schema.StatusCancelled, nil)
		if err == nil {
			e.cancelRetry(id)
			e.transitioned(ctx, cancelled, event.Status)
			e.logger.Info("Event cancelled", slog.String("event_id", id), slog.String("previous_status", string(event.Status)))
			return cancelled, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: event %s kept changing while cancelling", store.ErrConflict, id)
}

func (e *Engine) transitioned(ctx context.Context, event *schema.CorporateActionEvent, from schema.Status) {
	e.metrics.RecordTransition(ctx, string(from), string(event.Status))
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, from); err != nil {
		e.logger.Warn("Failed to publish status change",
			slog.String("event_id", event.ID),
			slog.String("status", string(event.Status)),
			slog.Any("error", err))
	}
}

func (e *Engine) markInFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[id]; ok {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

func (e *Engine) isInFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[id]
	return ok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
