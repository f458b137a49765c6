package processor

import "time"

// Backoff returns the delay before re-queueing an event that has failed
// retryCount times: base * 2^(retryCount-1), capped at max.
// retryCount below 1 behaves like 1.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < retryCount && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}
