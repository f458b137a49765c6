package store

import (
	"errors"
	"fmt"

	"github.com/zoff-tech/corporate-actions/schema"
)

var (
	ErrNotFound    = errors.New("event not found")
	ErrConflict    = errors.New("conflict")
	ErrDuplicate   = fmt.Errorf("%w: event already exists", ErrConflict)
	ErrUnavailable = errors.New("store unavailable")
)

// ConflictError reports a lost compare-and-transition.
type ConflictError struct {
	ID       string
	Expected schema.Status
	Actual   schema.Status
	Next     schema.Status
	// Superseded is set when the status matched but the event was claimed
	// again after the attempt the caller expected.
	Superseded bool
}

func (e *ConflictError) Error() string {
	if e.Superseded {
		return fmt.Sprintf("event %s: attempt superseded by a newer claim", e.ID)
	}
	if e.Expected == e.Actual {
		return fmt.Sprintf("event %s: %s -> %s is not a valid transition", e.ID, e.Expected, e.Next)
	}
	return fmt.Sprintf("event %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// UnavailableError wraps an infrastructure failure of the backend.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrUnavailable, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}
