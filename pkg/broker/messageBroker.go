package broker

import "context"

const tracerName = "corporate-actions/broker"

// Message is a single publication to an exchange (RabbitMQ) or topic (Pub/Sub).
type Message struct {
	Destination string
	// Kind is the RabbitMQ exchange type; empty means "topic".
	Kind       string
	RoutingKey string
	Payload    []byte
	Headers    map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message to its destination with optional headers.
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}
