package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mqkit/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// session implements messaging.Session on an amqp091 connection
type session struct {
	conn   *amqp.Connection
	logger *slog.Logger
	closed chan error
}

func newSession(conn *amqp.Connection, logger *slog.Logger) *session {
	s := &session{
		conn:   conn,
		logger: logger,
		closed: make(chan error, 1),
	}

	// Registered before the session is handed out so no close is missed.
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go s.forwardClose(notify)

	return s
}

func (s *session) forwardClose(notify <-chan *amqp.Error) {
	defer close(s.closed)

	amqpErr, ok := <-notify
	if ok && amqpErr != nil {
		s.logger.Warn("rabbitmq connection closed by broker",
			"code", amqpErr.Code,
			"reason", amqpErr.Reason,
			"server", amqpErr.Server)
		s.closed <- amqpErr
	}
}

func (s *session) Channel(ctx context.Context) (messaging.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return nil, channelError("open channel", "", err)
	}
	return &channel{ch: ch, logger: s.logger}, nil
}

func (s *session) NotifyClose() <-chan error {
	return s.closed
}

func (s *session) Close() error {
	return wrapClosed(s.conn.Close())
}

// channel implements messaging.Channel on an amqp091 channel
type channel struct {
	ch     *amqp.Channel
	logger *slog.Logger
}

func (c *channel) QueueDeclare(name string, options messaging.QueueOptions) (string, error) {
	q, err := c.ch.QueueDeclare(
		name,
		options.Durable,
		options.AutoDelete,
		options.Exclusive,
		false, // noWait
		amqp.Table(options.Args),
	)
	if err != nil {
		return "", channelError("declare queue", name, err)
	}
	return q.Name, nil
}

func (c *channel) ExchangeDeclare(name, kind string, options messaging.ExchangeOptions) error {
	err := c.ch.ExchangeDeclare(
		name,
		kind,
		options.Durable,
		options.AutoDelete,
		options.Internal,
		false, // noWait
		amqp.Table(options.Args),
	)
	return channelError("declare exchange", name, err)
}

func (c *channel) QueueBind(queue, exchange, routingKey string) error {
	err := c.ch.QueueBind(queue, routingKey, exchange, false, nil)
	return channelError("bind queue", fmt.Sprintf("%s->%s", exchange, queue), err)
}

func (c *channel) Qos(prefetch int) error {
	return channelError("qos", "", c.ch.Qos(prefetch, 0, false))
}

func (c *channel) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Publishing) error {
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, toPublishing(msg))
	return channelError("publish", routingKey, err)
}

func (c *channel) Consume(queue string, options messaging.ConsumeOptions) (<-chan messaging.Delivery, error) {
	deliveries, err := c.ch.Consume(
		queue,
		options.ConsumerTag,
		options.AutoAck,
		options.Exclusive,
		false, // noLocal
		false, // noWait
		amqp.Table(options.Args),
	)
	if err != nil {
		return nil, channelError("consume", queue, err)
	}

	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- toDelivery(d)
		}
	}()
	return out, nil
}

func (c *channel) Close() error {
	return channelError("close channel", "", c.ch.Close())
}

func toPublishing(msg messaging.Publishing) amqp.Publishing {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}

	return amqp.Publishing{
		Headers:       amqp.Table(msg.Headers),
		ContentType:   msg.ContentType,
		DeliveryMode:  mode,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Expiration:    msg.Expiration,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}
}

func toDelivery(d amqp.Delivery) messaging.Delivery {
	out := messaging.Delivery{
		Body:          d.Body,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		Headers:       map[string]interface{}(d.Headers),
		Timestamp:     d.Timestamp,
		ConsumerTag:   d.ConsumerTag,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
	}
	if d.Acknowledger != nil {
		out.Acknowledger = d.Acknowledger
	}
	return out
}
