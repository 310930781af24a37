package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrTransportClosed is wrapped by transport drivers when an operation fails
// because the session or channel is closing. Components treat it as an
// expected shutdown rather than a failure.
var ErrTransportClosed = errors.New("mq: transport closed")

// Dialer opens broker sessions
type Dialer interface {
	// Dial connects to the broker at url
	Dial(ctx context.Context, url string) (Session, error)
}

// DialerFunc is a function adapter for Dialer
type DialerFunc func(ctx context.Context, url string) (Session, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, url string) (Session, error) {
	return f(ctx, url)
}

// Session is a live broker connection
type Session interface {
	// Channel opens a new logical channel on the session
	Channel(ctx context.Context) (Channel, error)

	// NotifyClose returns a channel that receives one error when the session
	// is lost unexpectedly. It is closed without a value on a graceful close.
	NotifyClose() <-chan error

	// Close closes the session gracefully
	Close() error
}

// Channel is a multiplexed sub-session used for publishing and consuming.
// Channels do not survive a reconnect.
type Channel interface {
	// QueueDeclare declares a queue and returns its name. An empty name lets
	// the broker pick one.
	QueueDeclare(name string, options QueueOptions) (string, error)

	// ExchangeDeclare declares an exchange
	ExchangeDeclare(name, kind string, options ExchangeOptions) error

	// QueueBind binds a queue to an exchange
	QueueBind(queue, exchange, routingKey string) error

	// Qos limits the number of unacknowledged deliveries in flight
	Qos(prefetch int) error

	// Publish sends a message. An empty exchange routes by queue name.
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error

	// Consume starts delivering messages from queue. The returned channel is
	// closed when the consumer or its channel goes away.
	Consume(queue string, options ConsumeOptions) (<-chan Delivery, error)

	// Close closes the channel
	Close() error
}

// QueueOptions defines options for queue creation
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]interface{}
}

// ExchangeOptions defines options for exchange creation
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	Args       map[string]interface{}
}

// ConsumeOptions defines options for starting a consumer
type ConsumeOptions struct {
	ConsumerTag string
	AutoAck     bool
	Exclusive   bool
	Args        map[string]interface{}
}

// Publishing is an outgoing message
type Publishing struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Persistent    bool
	Expiration    string
	Timestamp     time.Time
	Headers       map[string]interface{}
}

// Acknowledger settles deliveries. The method set matches the AMQP 0.9.1
// channel so drivers can pass their channel through.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is a message received from the broker
type Delivery struct {
	Acknowledger Acknowledger

	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Headers       map[string]interface{}
	Timestamp     time.Time

	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

// Ack acknowledges the delivery
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Ack(d.DeliveryTag, false)
}

// Nack negatively acknowledges the delivery
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Nack(d.DeliveryTag, false, requeue)
}

// Reject rejects the delivery
func (d Delivery) Reject(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrNoAcknowledger
	}
	return d.Acknowledger.Reject(d.DeliveryTag, requeue)
}
