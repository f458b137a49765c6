package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/corporate-actions/schema"
)

func dividendEvent(id, symbol, key string) *schema.CorporateActionEvent {
	return schema.NewEvent(id, symbol, schema.DividendPayload{
		Amount:      decimal.RequireFromString("0.25"),
		Currency:    "USD",
		ExDate:      schema.NewDate(2024, time.March, 1),
		RecordDate:  schema.NewDate(2024, time.March, 4),
		PaymentDate: schema.NewDate(2024, time.March, 15),
	}, key)
}

func splitEvent(id, symbol string) *schema.CorporateActionEvent {
	return schema.NewEvent(id, symbol, schema.StockSplitPayload{
		SplitRatioFrom: 1,
		SplitRatioTo:   4,
		EffectiveDate:  schema.NewDate(2024, time.June, 10),
	}, "")
}

// runStoreContract checks the behaviour every EventStore backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) EventStore) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		event := dividendEvent("evt-1", "AAPL", "key-1")
		require.NoError(t, s.Insert(ctx, event))
		assert.False(t, event.CreatedAt.IsZero())
		assert.True(t, event.CreatedAt.Equal(event.UpdatedAt))

		got, err := s.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "evt-1", got.ID)
		assert.Equal(t, schema.EventTypeDividend, got.EventType)
		assert.Equal(t, "AAPL", got.Symbol)
		assert.Equal(t, schema.StatusPending, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Nil(t, got.ErrorMessage)
		require.NotNil(t, got.IdempotencyKey)
		assert.Equal(t, "key-1", *got.IdempotencyKey)
		assert.True(t, got.CreatedAt.Equal(event.CreatedAt))

		payload, ok := got.Payload.(schema.DividendPayload)
		require.True(t, ok)
		assert.True(t, payload.Amount.Equal(decimal.RequireFromString("0.25")))
		assert.Equal(t, "USD", payload.Currency)
		assert.Equal(t, "2024-03-15", payload.PaymentDate.String())
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, splitEvent("evt-1", "MSFT")))
		err := s.Insert(ctx, splitEvent("evt-1", "MSFT"))
		assert.ErrorIs(t, err, ErrDuplicate)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("duplicate idempotency key", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, dividendEvent("evt-1", "AAPL", "same")))
		assert.ErrorIs(t, s.Insert(ctx, dividendEvent("evt-2", "AAPL", "same")), ErrDuplicate)
		require.NoError(t, s.Insert(ctx, dividendEvent("evt-3", "AAPL", "")))
		require.NoError(t, s.Insert(ctx, dividendEvent("evt-4", "AAPL", "")))
	})

	t.Run("transition applies mutation", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, splitEvent("evt-1", "MSFT")))
		_, err := s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusPending), schema.StatusProcessing, nil)
		require.NoError(t, err)

		updated, err := s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusProcessing), schema.StatusFailed,
			func(e *schema.CorporateActionEvent) {
				e.RetryCount++
				e.SetError("settlement rejected")
				e.Symbol = "IGNORED"
			})
		require.NoError(t, err)
		assert.Equal(t, schema.StatusFailed, updated.Status)
		assert.Equal(t, 1, updated.RetryCount)
		assert.Equal(t, "MSFT", updated.Symbol)

		got, err := s.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusFailed, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "settlement rejected", *got.ErrorMessage)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	})

	t.Run("retry count never decreases", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, splitEvent("evt-1", "MSFT")))
		_, err := s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusPending), schema.StatusProcessing, nil)
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusProcessing), schema.StatusFailed,
			func(e *schema.CorporateActionEvent) { e.RetryCount = 2 })
		require.NoError(t, err)

		updated, err := s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusFailed), schema.StatusPending,
			func(e *schema.CorporateActionEvent) { e.RetryCount = 0 })
		require.NoError(t, err)
		assert.Equal(t, 2, updated.RetryCount)
	})

	t.Run("stale expected status", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, splitEvent("evt-1", "MSFT")))
		_, err := s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusProcessing), schema.StatusCompleted, nil)

		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, schema.StatusPending, conflict.Actual)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("invalid edge", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, splitEvent("evt-1", "MSFT")))
		_, err := s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusPending), schema.StatusCompleted, nil)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusPending, got.Status)
	})

	t.Run("transition missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CompareAndTransition(ctx, "nope", InStatus(schema.StatusPending), schema.StatusProcessing, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list filters and orders", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, dividendEvent("a", "AAPL", "")))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Insert(ctx, splitEvent("b", "MSFT")))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Insert(ctx, dividendEvent("c", "MSFT", "")))
		_, err := s.CompareAndTransition(ctx, "a", InStatus(schema.StatusPending), schema.StatusCancelled, nil)
		require.NoError(t, err)

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b", "a"}, ids(all))

		msft, err := s.List(ctx, Filter{Symbol: "MSFT"})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, ids(msft))

		dividends, err := s.List(ctx, Filter{EventType: schema.EventTypeDividend, Status: schema.StatusPending})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, ids(dividends))

		none, err := s.List(ctx, Filter{Status: schema.StatusCompleted})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("pinned attempt", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, splitEvent("evt-1", "MSFT")))
		_, err := s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusPending), schema.StatusProcessing, nil)
		require.NoError(t, err)

		// the first claim expires and the event is claimed again at retry_count 1
		_, err = s.CompareAndTransition(ctx, "evt-1", AtAttempt(schema.StatusProcessing, 0), schema.StatusFailed,
			func(e *schema.CorporateActionEvent) { e.RetryCount++ })
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusFailed), schema.StatusPending, nil)
		require.NoError(t, err)
		_, err = s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusPending), schema.StatusProcessing, nil)
		require.NoError(t, err)

		// the stale worker of the first claim finishes
		_, err = s.CompareAndTransition(ctx, "evt-1", AtAttempt(schema.StatusProcessing, 0), schema.StatusCompleted, nil)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.True(t, conflict.Superseded)

		got, err := s.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, schema.StatusProcessing, got.Status)
		assert.Equal(t, 1, got.RetryCount)

		completed, err := s.CompareAndTransition(ctx, "evt-1", AtAttempt(schema.StatusProcessing, 1), schema.StatusCompleted, nil)
		require.NoError(t, err)
		assert.Equal(t, schema.StatusCompleted, completed.Status)
	})

	t.Run("audit trail", func(t *testing.T) {
		s := newStore(t)
		actx := WithCorrelationID(WithActor(ctx, "ops@example.com"), "req-1")
		event := dividendEvent("evt-1", "AAPL", "")
		require.NoError(t, s.Insert(actx, event))
		assert.Equal(t, "ops@example.com", event.CreatedBy)

		engineCtx := WithActor(ctx, "processing-engine")
		_, err := s.CompareAndTransition(engineCtx, "evt-1", InStatus(schema.StatusPending), schema.StatusProcessing, nil)
		require.NoError(t, err)
		_, err = s.CompareAndTransition(engineCtx, "evt-1", InStatus(schema.StatusProcessing), schema.StatusFailed,
			func(e *schema.CorporateActionEvent) {
				e.RetryCount++
				e.SetError("settlement rejected")
			})
		require.NoError(t, err)
		_, err = s.CompareAndTransition(actx, "evt-1", InStatus(schema.StatusFailed), schema.StatusCancelled, nil)
		require.NoError(t, err)

		// a rejected transition leaves no entry
		_, err = s.CompareAndTransition(actx, "evt-1", InStatus(schema.StatusPending), schema.StatusProcessing, nil)
		require.ErrorIs(t, err, ErrConflict)

		got, err := s.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "ops@example.com", got.CreatedBy)

		trail, err := s.AuditTrail(ctx, "evt-1")
		require.NoError(t, err)
		require.Len(t, trail, 4)

		for i, entry := range trail {
			assert.Equal(t, "evt-1", entry.EventID)
			assert.Equal(t, i+1, entry.Sequence)
		}
		assert.Equal(t, schema.AuditCreate, trail[0].Action)
		assert.Nil(t, trail[0].OldStatus)
		assert.Equal(t, schema.StatusPending, trail[0].NewStatus)
		assert.Equal(t, "ops@example.com", trail[0].Actor)
		require.NotNil(t, trail[0].CorrelationID)
		assert.Equal(t, "req-1", *trail[0].CorrelationID)
		var created map[string]any
		require.NoError(t, json.Unmarshal(trail[0].Changes, &created))
		assert.Contains(t, created, "payload")

		assert.Equal(t, schema.AuditUpdate, trail[2].Action)
		require.NotNil(t, trail[2].OldStatus)
		assert.Equal(t, schema.StatusProcessing, *trail[2].OldStatus)
		assert.Equal(t, schema.StatusFailed, trail[2].NewStatus)
		assert.Equal(t, "processing-engine", trail[2].Actor)
		assert.Nil(t, trail[2].CorrelationID)
		assert.JSONEq(t, `{"status": {"from": "PROCESSING", "to": "FAILED"}, "error_message": "settlement rejected", "retry_count": 1}`,
			string(trail[2].Changes))

		assert.Equal(t, schema.AuditCancel, trail[3].Action)
		assert.Equal(t, schema.StatusCancelled, trail[3].NewStatus)
		assert.False(t, trail[3].Timestamp.Before(trail[0].Timestamp))

		none, err := s.AuditTrail(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("default creator", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, splitEvent("evt-1", "MSFT")))
		got, err := s.Get(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, schema.SystemActor, got.CreatedBy)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}

// runConcurrentClaim races claims of one PENDING event; exactly one must win.
func runConcurrentClaim(t *testing.T, s EventStore) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, splitEvent("evt-1", "MSFT")))

	const workers = 16
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompareAndTransition(ctx, "evt-1", InStatus(schema.StatusPending), schema.StatusProcessing, nil)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				panic(fmt.Sprintf("unexpected error: %v", err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), conflicts.Load())
}

func ids(events []*schema.CorporateActionEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}
