package settlement

import (
	"context"
	"math/rand/v2"
	"time"
)

const simulatedFailureReason = "Simulated processing failure (will retry)"

// Simulated stands in for a downstream settlement system: it waits Delay and
// fails with probability FailureRate.
type Simulated struct {
	FailureRate float64
	Delay       time.Duration
	// Rand returns a number in [0, 1); nil uses math/rand.
	Rand func() float64
}

func NewSimulated(failureRate float64, delay time.Duration) *Simulated {
	return &Simulated{FailureRate: failureRate, Delay: delay}
}

func (s *Simulated) Settle(ctx context.Context, req Request) error {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return &Error{Reason: "settlement interrupted", Err: ctx.Err()}
		case <-timer.C:
		}
	}

	draw := rand.Float64
	if s.Rand != nil {
		draw = s.Rand
	}
	if draw() < s.FailureRate {
		return Errorf("%s", simulatedFailureReason)
	}
	return nil
}
