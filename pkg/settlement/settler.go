package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/zoff-tech/corporate-actions/schema"
)

// Request is one settlement attempt of an event.
type Request struct {
	Event *schema.CorporateActionEvent
	// Attempt is 1 for the first try and grows with every retry.
	Attempt int
	// IdempotencyKey identifies the attempt as "<event id>:<attempt>".
	IdempotencyKey string
}

// NewRequest builds the request for the attempt that follows event's recorded failures.
func NewRequest(event *schema.CorporateActionEvent) Request {
	attempt := event.RetryCount + 1
	return Request{
		Event:          event,
		Attempt:        attempt,
		IdempotencyKey: fmt.Sprintf("%s:%d", event.ID, attempt),
	}
}

// Settler applies the business effects of a corporate action.
type Settler interface {
	// Settle returns nil on success. Failures should be *Error values
	// carrying a human-readable reason.
	Settle(ctx context.Context, req Request) error
}

// SettlerFunc adapts a function to the Settler interface.
type SettlerFunc func(ctx context.Context, req Request) error

func (f SettlerFunc) Settle(ctx context.Context, req Request) error { return f(ctx, req) }

// Error is a business failure reported by a Settler.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() error { return e.Err }

func Errorf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// AsError returns err as a *Error, wrapping foreign errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr
	}
	return &Error{Reason: err.Error(), Err: err}
}
