package settlement

import (
	"context"
	"sync"
)

// Deduplicator remembers attempts that settled successfully so a replayed
// attempt is acknowledged without settling twice.
type Deduplicator struct {
	next    Settler
	mu      sync.Mutex
	settled map[string]struct{}
}

func Deduplicate(next Settler) *Deduplicator {
	return &Deduplicator{next: next, settled: make(map[string]struct{})}
}

func (d *Deduplicator) Settle(ctx context.Context, req Request) error {
	d.mu.Lock()
	_, done := d.settled[req.IdempotencyKey]
	d.mu.Unlock()
	if done {
		return nil
	}

	if err := d.next.Settle(ctx, req); err != nil {
		return err
	}

	d.mu.Lock()
	d.settled[req.IdempotencyKey] = struct{}{}
	d.mu.Unlock()
	return nil
}
