package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zoff-tech/corporate-actions/pkg/broker"
	"github.com/zoff-tech/corporate-actions/schema"
)

// Notifier observes every persisted status change of an event.
type Notifier interface {
	// Notify reports that event moved from the given status into its current one.
	// from is empty when the event was just created.
	Notify(ctx context.Context, event *schema.CorporateActionEvent, from schema.Status) error
}

// StatusChange is the body of a status notification.
type StatusChange struct {
	EventID      string           `json:"event_id"`
	EventType    schema.EventType `json:"event_type"`
	Symbol       string           `json:"symbol"`
	From         schema.Status    `json:"from,omitempty"`
	To           schema.Status    `json:"to"`
	RetryCount   int              `json:"retry_count"`
	ErrorMessage *string          `json:"error_message"`
	At           time.Time        `json:"at"`
}

// BrokerNotifier publishes status changes to an exchange with the routing key
// corporate_action.status.<status>.
type BrokerNotifier struct {
	broker   broker.MessageBroker
	exchange string
}

func NewBrokerNotifier(b broker.MessageBroker, exchange string) *BrokerNotifier {
	return &BrokerNotifier{broker: b, exchange: exchange}
}

func (n *BrokerNotifier) Notify(ctx context.Context, event *schema.CorporateActionEvent, from schema.Status) error {
	payload, err := json.Marshal(StatusChange{
		EventID:      event.ID,
		EventType:    event.EventType,
		Symbol:       event.Symbol,
		From:         from,
		To:           event.Status,
		RetryCount:   event.RetryCount,
		ErrorMessage: event.ErrorMessage,
		At:           event.UpdatedAt,
	})
	if err != nil {
		return err
	}

	return n.broker.Publish(ctx, &broker.Message{
		Destination: n.exchange,
		RoutingKey:  "corporate_action.status." + string(event.Status),
		Payload:     payload,
		Headers: map[string]string{
			"event-id": event.ID,
			"status":   string(event.Status),
		},
	})
}
