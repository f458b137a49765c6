package broker

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/zoff-tech/corporate-actions/pkg/config"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (p *pubSubBroker) Publish(ctx context.Context, msg *Message) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Destination),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	attributes := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	for key, value := range msg.Headers {
		attributes[key] = value
	}

	message := &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  attributes,
		OrderingKey: msg.RoutingKey,
	}

	topic := p.topic(msg.Destination)
	res := topic.Publish(ctx, message)
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		if msg.RoutingKey != "" {
			// a failed ordered publish pauses its key until resumed
			topic.ResumePublish(msg.RoutingKey)
		}
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)
	return nil
}

// topic returns a cached handle so publish batching is shared across calls.
func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()

	return p.client.Close()
}
