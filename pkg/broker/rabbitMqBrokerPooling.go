package broker

import (
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/zoff-tech/corporate-actions/pkg/config"
)

// amqpChannel is the part of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

// amqpConnection is the part of *amqp.Connection the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
	IsClosed() bool
}

type dialedConnection struct {
	*amqp.Connection
}

func (c dialedConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

var newConnection = func(settings *config.BrokerSettings) (amqpConnection, error) {
	conn, err := amqp.Dial(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			slog.Warn("rabbitmq connection closed", slog.Any("error", err))
		}
	}()

	return dialedConnection{conn}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}

	connection, err := newConnection(r.settings)
	if err != nil {
		return err
	}
	r.connection = connection

	// Drain the stale pool; its channels died with the old connection
	close(r.channelPool)
	for range r.channelPool {
	}
	r.channelPool = make(chan *pooledChannel, r.settings.PoolSize)

	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		r.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
		}
	}

	slog.Info("rabbitmq connection and channel pool initialized", slog.Int("pool_size", r.settings.PoolSize))
	return nil
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			if r.connection == nil || r.connection.IsClosed() {
				slog.Info("attempting to reconnect to rabbitmq")
				if err := r.connectAndInitialize(); err != nil {
					slog.Error("failed to reconnect to rabbitmq", slog.Any("error", err))
				} else {
					slog.Info("reconnected to rabbitmq")
				}
			}
		case <-r.stopReconnect:
			slog.Debug("stopping rabbitmq connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				slog.Debug("discarding closed channel", slog.Any("error", err))
				continue
			default:
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			channel, err := r.connection.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error, 1)),
			}, nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		slog.Debug("discarding closed channel", slog.Any("error", err))
		return
	default:
		select {
		case r.channelPool <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}
