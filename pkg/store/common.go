package store

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/corporate-actions/schema"
)

const tracerName = "corporate-actions/store"

// eventsTable is the table or collection holding events in every backend.
const eventsTable = "corporate_action_events"

var tracer = otel.Tracer(tracerName)

func addDBStatsToSpan(span trace.Span, system, statement string, eventsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("eventsCount", eventsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Expect is the state CompareAndTransition requires of the stored event.
type Expect struct {
	Status schema.Status
	// RetryCount is compared only when Pinned is set. Pinning the count an
	// attempt was claimed with keeps an expired claim from recording its
	// result over a newer claim of the same event.
	RetryCount int
	Pinned     bool
}

// InStatus expects the event in status, whatever its retry count.
func InStatus(status schema.Status) Expect {
	return Expect{Status: status}
}

// AtAttempt expects the event in status with exactly retryCount failed attempts.
func AtAttempt(status schema.Status, retryCount int) Expect {
	return Expect{Status: status, RetryCount: retryCount, Pinned: true}
}

func (e Expect) matches(event *schema.CorporateActionEvent) bool {
	return event.Status == e.Status && (!e.Pinned || event.RetryCount == e.RetryCount)
}

// applyTransition validates a transition of current and returns the updated copy.
// Fields other than ErrorMessage and RetryCount are restored after mutate runs,
// and RetryCount never decreases.
func applyTransition(current *schema.CorporateActionEvent, expected Expect, next schema.Status, mutate Mutation, at time.Time) (*schema.CorporateActionEvent, error) {
	if !expected.matches(current) || !schema.CanTransition(expected.Status, next) {
		conflict := &ConflictError{ID: current.ID, Expected: expected.Status, Actual: current.Status, Next: next}
		if current.Status == expected.Status && expected.Pinned && current.RetryCount != expected.RetryCount {
			conflict.Superseded = true
		}
		return nil, conflict
	}

	updated := current.Clone()
	if mutate != nil {
		mutate(updated)
	}
	errMsg, retries := updated.ErrorMessage, updated.RetryCount

	updated = current.Clone()
	updated.ErrorMessage = errMsg
	if retries > updated.RetryCount {
		updated.RetryCount = retries
	}
	updated.Status = next
	updated.UpdatedAt = at
	return updated, nil
}

func matches(event *schema.CorporateActionEvent, filter Filter) bool {
	if filter.Status != "" && event.Status != filter.Status {
		return false
	}
	if filter.EventType != "" && event.EventType != filter.EventType {
		return false
	}
	if filter.Symbol != "" && event.Symbol != filter.Symbol {
		return false
	}
	return true
}

// compareEvents orders events by CreatedAt descending, then id ascending.
func compareEvents(a, b *schema.CorporateActionEvent) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
