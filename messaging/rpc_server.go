package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var errRequestConsumerClosed = errors.New("mq: request consumer closed")

// Responder answers a single RPC request
type Responder interface {
	// Respond sends body to the caller and acknowledges the request
	Respond(body []byte) error
	// RespondJSON encodes v as JSON and responds with it
	RespondJSON(v any) error
}

// RPCHandler handles one RPC request. It answers through r, now or later;
// until it does, the server receives no further requests.
type RPCHandler func(ctx context.Context, msg Delivery, r Responder)

// RPCServer consumes requests from a named queue and hands each to a handler
// together with a Responder that routes the answer back to the caller.
type RPCServer struct {
	conn     *Connection
	queue    string
	handler  RPCHandler
	logger   *slog.Logger
	prefetch int
	durable  bool

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	session        Session
	ch             Channel
	closed         bool
	removeListener func()
}

// RPCServerOption configures the RPCServer
type RPCServerOption func(*RPCServer)

// WithPrefetch sets how many requests may be unacknowledged at once
func WithPrefetch(n int) RPCServerOption {
	return func(s *RPCServer) {
		if n > 0 {
			s.prefetch = n
		}
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) RPCServerOption {
	return func(s *RPCServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDurableQueue declares the request queue durable
func WithDurableQueue(durable bool) RPCServerOption {
	return func(s *RPCServer) {
		s.durable = durable
	}
}

// NewRPCServer serves requests arriving on queue with handler
func NewRPCServer(conn *Connection, queue string, handler RPCHandler, options ...RPCServerOption) (*RPCServer, error) {
	if conn == nil {
		return nil, missing("rpc server", "connection")
	}
	if queue == "" {
		return nil, missing("rpc server", "queue")
	}
	if handler == nil {
		return nil, missing("rpc server", "handler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RPCServer{
		conn:     conn,
		queue:    queue,
		handler:  handler,
		logger:   conn.Logger(),
		prefetch: 1,
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range options {
		opt(s)
	}

	s.removeListener = conn.AddListener(ListenerFuncs{
		Connected:    s.onConnected,
		Error:        func(error) { s.onDown() },
		Disconnected: s.onDown,
		Reconnecting: func(int, time.Duration) { s.onDown() },
	})

	if session, err := conn.Session(); err == nil {
		s.onConnected(session)
	} else {
		conn.Ensure()
	}

	return s, nil
}

// Queue returns the request queue name
func (s *RPCServer) Queue() string {
	return s.queue
}

// Serving reports whether the request consumer is active on the current session
func (s *RPCServer) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil
}

// Close stops consuming and detaches from the connection
func (s *RPCServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.ch
	s.ch = nil
	s.session = nil
	s.mu.Unlock()

	s.removeListener()
	s.cancel()
	if ch != nil {
		return transportError("close", ch.Close())
	}
	return nil
}

func (s *RPCServer) onConnected(session Session) {
	s.mu.Lock()
	if s.closed || s.session == session {
		s.mu.Unlock()
		return
	}
	s.session = session
	s.ch = nil
	s.mu.Unlock()

	go s.setup(session)
}

func (s *RPCServer) onDown() {
	s.mu.Lock()
	s.session = nil
	s.ch = nil
	s.mu.Unlock()
}

func (s *RPCServer) setup(session Session) {
	ch, err := session.Channel(s.ctx)
	if err != nil {
		s.setupFailed(session, transportError("channel", err))
		return
	}

	deliveries, err := s.declare(ch)
	if err != nil {
		_ = ch.Close()
		s.setupFailed(session, err)
		return
	}

	s.mu.Lock()
	if s.closed || s.session != session {
		s.mu.Unlock()
		_ = ch.Close()
		return
	}
	s.ch = ch
	s.mu.Unlock()

	s.logger.Info("rpc server consuming", "queue", s.queue, "prefetch", s.prefetch)
	for d := range deliveries {
		s.handle(ch, d)
	}

	s.mu.Lock()
	current := !s.closed && s.session == session
	s.mu.Unlock()

	s.logger.Debug("rpc server consumer stopped", "queue", s.queue)
	if current {
		s.conn.Fail(session, errRequestConsumerClosed)
	}
}

func (s *RPCServer) declare(ch Channel) (<-chan Delivery, error) {
	if err := ch.Qos(s.prefetch); err != nil {
		return nil, transportError("qos", err)
	}
	if _, err := ch.QueueDeclare(s.queue, QueueOptions{Durable: s.durable}); err != nil {
		return nil, transportError("queue declare", err)
	}
	deliveries, err := ch.Consume(s.queue, ConsumeOptions{})
	if err != nil {
		return nil, transportError("consume", err)
	}
	return deliveries, nil
}

// setupFailed drops errors caused by the connection going away; the next
// session sets the server up again. Anything else cycles the connection.
func (s *RPCServer) setupFailed(session Session, err error) {
	if IsShutdown(err) {
		s.logger.Debug("rpc server setup interrupted by shutdown", "queue", s.queue, "error", err)
		return
	}
	s.logger.Error("rpc server setup failed", "queue", s.queue, "error", err)
	s.conn.Fail(session, err)
}

func (s *RPCServer) handle(ch Channel, d Delivery) {
	r := &responder{server: s, ch: ch, msg: d}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("rpc handler panicked",
				"queue", s.queue,
				"correlationId", d.CorrelationID,
				"panic", p)
			if r.claim() {
				if err := d.Reject(false); err != nil {
					s.logger.Error("failed to reject request", "queue", s.queue, "error", err)
				}
			}
		}
	}()

	s.handler(s.ctx, d, r)
}

type responder struct {
	server *RPCServer
	ch     Channel
	msg    Delivery

	mu        sync.Mutex
	responded bool
}

func (r *responder) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.responded {
		return false
	}
	r.responded = true
	return true
}

func (r *responder) Respond(body []byte) error {
	return r.send(Publishing{Body: body})
}

func (r *responder) RespondJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode rpc response: %w", err)
	}
	return r.send(Publishing{Body: body, ContentType: "application/json"})
}

func (r *responder) send(msg Publishing) error {
	if !r.claim() {
		return ErrAlreadyResponded
	}

	if r.msg.ReplyTo == "" {
		if err := r.msg.Ack(); err != nil {
			return transportError("ack", err)
		}
		return &ProtocolError{Queue: r.server.queue, Reason: "request without reply-to"}
	}

	msg.CorrelationID = r.msg.CorrelationID
	msg.Timestamp = time.Now()
	if err := r.ch.Publish(r.server.ctx, "", r.msg.ReplyTo, msg); err != nil {
		_ = r.msg.Nack(true)
		return transportError("publish", err)
	}

	if err := r.msg.Ack(); err != nil {
		return transportError("ack", err)
	}
	return nil
}
