// Package rabbitmq implements the messaging transport interfaces with
// amqp091-go.
//
// A Dialer opens one AMQP connection per session; every messaging.Channel is
// an AMQP channel on it. Errors caused by a closed connection or channel
// match messaging.ErrTransportClosed.
package rabbitmq
