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

var errReplyConsumerClosed = errors.New("mq: reply consumer closed")

// replySession is the reply queue state for one broker session
type replySession struct {
	session Session
	ready   chan struct{} // closed once the reply queue is consuming
	gone    chan struct{} // closed when the session is replaced
	ended   bool

	ch    Channel
	queue string
}

func newReplySession(session Session) *replySession {
	return &replySession{
		session: session,
		ready:   make(chan struct{}),
		gone:    make(chan struct{}),
	}
}

func (rs *replySession) end() {
	if !rs.ended {
		rs.ended = true
		close(rs.gone)
	}
}

// RPCClient sends requests to RPC servers and routes replies back to the
// waiting caller by correlation id.
type RPCClient struct {
	conn    *Connection
	logger  *slog.Logger
	timeout time.Duration
	calls   *pendingCalls

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	current        *replySession
	closed         bool
	removeListener func()
}

// RPCClientOption configures the RPCClient
type RPCClientOption func(*RPCClient)

// WithRPCTimeout sets the timeout for calls that do not pass their own
func WithRPCTimeout(timeout time.Duration) RPCClientOption {
	return func(c *RPCClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRPCLogger sets the logger
func WithRPCLogger(logger *slog.Logger) RPCClientOption {
	return func(c *RPCClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRPCClient creates an RPC client on conn. Each session gets its own
// exclusive reply queue.
func NewRPCClient(conn *Connection, options ...RPCClientOption) (*RPCClient, error) {
	if conn == nil {
		return nil, missing("rpc client", "connection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RPCClient{
		conn:    conn,
		logger:  conn.Logger(),
		timeout: DefaultRPCTimeout,
		calls:   newPendingCalls(),
		ctx:     ctx,
		cancel:  cancel,
		current: newReplySession(nil),
	}

	for _, opt := range options {
		opt(c)
	}

	c.removeListener = conn.AddListener(ListenerFuncs{
		Connected:    c.onConnected,
		Error:        func(error) { c.onDown() },
		Disconnected: c.onDown,
		Reconnecting: func(int, time.Duration) { c.onDown() },
	})

	if session, err := conn.Session(); err == nil {
		c.onConnected(session)
	} else {
		conn.Ensure()
	}

	return c, nil
}

// Publish JSON-encodes data and calls rpcName with it
func (c *RPCClient) Publish(ctx context.Context, rpcName string, data any, timeout time.Duration) (Delivery, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to encode rpc request: %w", err)
	}

	return c.call(ctx, rpcName, Publishing{Body: body, ContentType: "application/json"}, timeout)
}

// Request sends body to the queue rpcName and waits for the reply. A timeout
// <= 0 uses the client default. The call fails with an *RPCTimeoutError when
// no reply arrives in time and with ctx.Err() when ctx ends first.
func (c *RPCClient) Request(ctx context.Context, rpcName string, body []byte, timeout time.Duration) (Delivery, error) {
	return c.call(ctx, rpcName, Publishing{Body: body}, timeout)
}

// Pending returns the number of calls waiting for a reply
func (c *RPCClient) Pending() int {
	return c.calls.len()
}

// Ready returns a channel that is closed once the reply queue of the current
// session is consuming
func (c *RPCClient) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.ready
}

// Close fails every pending call with ErrClientClosed and detaches from the
// connection
func (c *RPCClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rs := c.current
	rs.end()
	c.mu.Unlock()

	c.removeListener()
	c.calls.failAll(ErrClientClosed)
	c.cancel()

	if rs.ch != nil {
		_ = rs.ch.Close()
	}
	return nil
}

func (c *RPCClient) call(ctx context.Context, rpcName string, msg Publishing, timeout time.Duration) (Delivery, error) {
	if rpcName == "" {
		return Delivery{}, missing("rpc", "name")
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Delivery{}, ErrClientClosed
	}

	if timeout <= 0 {
		timeout = c.timeout
	}

	call := c.calls.register(rpcName, timeout)
	defer c.calls.remove(call.id)

	c.conn.Ensure()

	msg.CorrelationID = call.id
	for {
		rs := c.session()

		select {
		case <-call.done:
			return call.reply, call.err
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-rs.ready:
		}

		msg.ReplyTo = rs.queue
		msg.Timestamp = time.Now()
		err := rs.ch.Publish(ctx, "", rpcName, msg)
		if err == nil {
			break
		}

		c.logger.Error("failed to send rpc request, retrying on next session",
			"rpc", rpcName,
			"correlationId", call.id,
			"error", err)

		select {
		case <-call.done:
			return call.reply, call.err
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-rs.gone:
		}
	}

	select {
	case <-call.done:
		return call.reply, call.err
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (c *RPCClient) session() *replySession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *RPCClient) onConnected(session Session) {
	c.mu.Lock()
	if c.closed || c.current.session == session {
		c.mu.Unlock()
		return
	}
	c.current.end()
	rs := newReplySession(session)
	c.current = rs
	c.mu.Unlock()

	go c.setup(rs)
}

func (c *RPCClient) onDown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.current.session == nil {
		return
	}
	c.current.end()
	c.current = newReplySession(nil)
}

func (c *RPCClient) setup(rs *replySession) {
	ch, err := rs.session.Channel(c.ctx)
	if err != nil {
		c.setupFailed(rs, transportError("channel", err))
		return
	}

	queue, err := ch.QueueDeclare("", QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		_ = ch.Close()
		c.setupFailed(rs, transportError("queue declare", err))
		return
	}

	deliveries, err := ch.Consume(queue, ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		_ = ch.Close()
		c.setupFailed(rs, transportError("consume", err))
		return
	}

	c.mu.Lock()
	if c.closed || c.current != rs {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	rs.ch = ch
	rs.queue = queue
	close(rs.ready)
	c.mu.Unlock()

	c.logger.Info("rpc reply queue ready", "queue", queue)
	go c.readReplies(rs, deliveries)
}

func (c *RPCClient) setupFailed(rs *replySession, err error) {
	if IsShutdown(err) {
		c.logger.Debug("rpc reply queue setup interrupted by shutdown", "error", err)
		return
	}
	c.conn.Fail(rs.session, err)
}

func (c *RPCClient) readReplies(rs *replySession, deliveries <-chan Delivery) {
	for d := range deliveries {
		c.handleReply(rs.queue, d)
	}

	c.mu.Lock()
	current := !c.closed && c.current == rs
	c.mu.Unlock()

	if current {
		c.conn.Fail(rs.session, errReplyConsumerClosed)
	}
}

func (c *RPCClient) handleReply(queue string, d Delivery) {
	if d.CorrelationID == "" {
		err := &ProtocolError{Queue: queue, Reason: "reply without correlation id"}
		c.logger.Error("dropping rpc reply", "error", err)
		return
	}

	if !c.calls.complete(d.CorrelationID, d) {
		c.logger.Warn("dropping rpc reply with unknown correlation id",
			"queue", queue,
			"correlationId", d.CorrelationID)
	}
}
