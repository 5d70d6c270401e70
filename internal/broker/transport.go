package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the client uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection the client uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(url string, cfg amqp.Config) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(url string, cfg amqp.Config) (Connection, error)

// Dial calls f.
func (f DialerFunc) Dial(url string, cfg amqp.Config) (Connection, error) {
	return f(url, cfg)
}

// AMQPDialer dials a real RabbitMQ broker.
func AMQPDialer() Dialer {
	return DialerFunc(func(url string, cfg amqp.Config) (Connection, error) {
		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		return amqpConnection{conn: conn}, nil
	})
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (c amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c amqpConnection) Close() error {
	return c.conn.Close()
}
