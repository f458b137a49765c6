package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/corporate-actions/pkg/config"
)

const defaultExchangeKind = "topic"

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

func (r *rabbitMqBroker) Publish(ctx context.Context, msg *Message) error {
	kind := msg.Kind
	if kind == "" {
		kind = defaultExchangeKind
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String(kind),
			semconv.MessagingDestinationKey.String(msg.Destination),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.RoutingKey),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	amqpHeaders := make(amqp.Table)
	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}
	for k, v := range msg.Headers {
		amqpHeaders[k] = v
	}

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = pooledChan.channel.ExchangeDeclare(
		msg.Destination, // name of the exchange
		kind,            // type of the exchange (e.g., "direct", "fanout", "topic", "headers")
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = pooledChan.channel.Publish(
		msg.Destination, msg.RoutingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         msg.Payload,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	// Close all channels in the pool
	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
