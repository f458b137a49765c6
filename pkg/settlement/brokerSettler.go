package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/zoff-tech/corporate-actions/pkg/broker"
)

const (
	HeaderIdempotencyKey = "idempotency-key"
	HeaderEventType      = "event-type"
	HeaderAttempt        = "attempt"
)

// BrokerSettler hands settlement over to downstream consumers by publishing
// the event to the settlement exchange. Consumers deduplicate on the
// idempotency-key header.
type BrokerSettler struct {
	broker   broker.MessageBroker
	exchange string
}

func NewBrokerSettler(b broker.MessageBroker, exchange string) *BrokerSettler {
	return &BrokerSettler{broker: b, exchange: exchange}
}

func (s *BrokerSettler) Settle(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req.Event)
	if err != nil {
		return &Error{Reason: fmt.Sprintf("encode settlement request: %v", err), Err: err}
	}

	err = s.broker.Publish(ctx, &broker.Message{
		Destination: s.exchange,
		RoutingKey:  "corporate_action." + string(req.Event.EventType),
		Payload:     payload,
		Headers: map[string]string{
			HeaderIdempotencyKey: req.IdempotencyKey,
			HeaderEventType:      string(req.Event.EventType),
			HeaderAttempt:        strconv.Itoa(req.Attempt),
		},
	})
	if err != nil {
		return &Error{Reason: fmt.Sprintf("publish settlement request: %v", err), Err: err}
	}
	return nil
}
