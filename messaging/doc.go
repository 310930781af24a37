// Package messaging provides reliable publish/subscribe and RPC on top of a
// message broker session.
//
// The package is built from four pieces:
//   - Connection: owns one broker session, reconnects after failures and
//     notifies listeners of lifecycle changes
//   - Client: queues publishes until the connection is up and re-registers
//     consumers on every new session
//   - RPCClient: sends requests with a correlation id and reply queue, and
//     resolves each call with its reply or a timeout
//   - RPCServer: consumes a request queue and routes every answer back to the
//     caller's reply queue
//
// The broker itself is reached through the Dialer, Session and Channel
// interfaces; transports/rabbitmq implements them with amqp091-go.
//
// Example usage:
//
//	conn, err := messaging.NewConnection(url, rabbitmq.NewDialer())
//	client, err := messaging.NewClient(conn)
//
//	err = client.Publish(func(ctx context.Context, ch messaging.Channel) error {
//		return ch.Publish(ctx, "", "jobs", messaging.Publishing{Body: body})
//	})
//
//	rpc, err := messaging.NewRPCClient(conn)
//	reply, err := rpc.Publish(ctx, "users.get", map[string]string{"id": id}, 2*time.Second)
//
//	server, err := messaging.NewRPCServer(conn, "users.get",
//		func(ctx context.Context, msg messaging.Delivery, r messaging.Responder) {
//			_ = r.Respond(msg.Body)
//		})
package messaging
