package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PublishFunc sends one or more messages on a channel that is closed when it
// returns. A returned error requeues the function.
type PublishFunc func(ctx context.Context, ch Channel) error

// ConsumeFunc sets up a consumer on a channel that stays open for the
// lifetime of the session. It runs again on every new session.
type ConsumeFunc func(ctx context.Context, ch Channel) error

// ClientStats is a snapshot of a Client's queues
type ClientStats struct {
	Queued    int    // publish functions waiting for a slot
	Running   int    // publish functions in flight
	Requeued  int    // failed publish functions waiting for their retry delay
	Consumers int    // consumer registrations
	Dropped   uint64 // publish functions the requeue policy gave up on
}

// Client queues publishes until the connection is up and keeps consumers
// registered across reconnects.
type Client struct {
	conn   *Connection
	logger *slog.Logger

	concurrency   int
	requeuePolicy RetryPolicy

	queue     *publishQueue
	consumers *consumerRegistry

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	closed         bool
	removeListener func()
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithPublishConcurrency caps the number of publish functions in flight
func WithPublishConcurrency(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRequeueDelay retries failed publishes and consumer setups after delay.
// A delay <= 0 keeps the default.
func WithRequeueDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		if delay > 0 {
			c.requeuePolicy = FixedBackoff(delay)
		}
	}
}

// WithRequeuePolicy sets the policy for failed publishes and consumer setups
func WithRequeuePolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		if policy != nil {
			c.requeuePolicy = policy
		}
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client on conn
func NewClient(conn *Connection, options ...ClientOption) (*Client, error) {
	if conn == nil {
		return nil, missing("client", "connection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:          conn,
		logger:        conn.Logger(),
		concurrency:   DefaultPublishConcurrency,
		requeuePolicy: FixedBackoff(DefaultRequeueDelay),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range options {
		opt(c)
	}

	c.queue = newPublishQueue(c.concurrency, c.execute)
	c.consumers = newConsumerRegistry()
	c.consumers.apply = c.applyConsumer
	c.consumers.retry = c.requeuePolicy.ShouldRetry
	c.consumers.onErr = func(attempt int, err error, delay time.Duration, retrying bool) {
		if retrying {
			c.logger.Error("consumer setup failed, retrying",
				"attempt", attempt+1,
				"delay", delay,
				"error", err)
			return
		}
		c.logger.Error("consumer setup failed, giving up",
			"attempt", attempt+1,
			"error", err)
	}

	c.removeListener = conn.AddListener(ListenerFuncs{
		Connected:    c.onConnected,
		Error:        func(error) { c.onDown() },
		Disconnected: c.onDown,
		Reconnecting: func(int, time.Duration) { c.onDown() },
	})

	if session, err := conn.Session(); err == nil {
		c.onConnected(session)
	}

	return c, nil
}

// Publish queues fn. It runs once a connection is available, at most
// WithPublishConcurrency at a time, in submission order.
func (c *Client) Publish(fn PublishFunc) error {
	if fn == nil {
		return missing("publish", "function")
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	if !c.queue.push(&publishTask{fn: fn}) {
		return ErrClientClosed
	}
	c.conn.Ensure()
	return nil
}

// Consume registers fn. It is applied to the current session, if any, and to
// every session after it.
func (c *Client) Consume(fn ConsumeFunc) error {
	if fn == nil {
		return missing("consume", "function")
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	if !c.consumers.add(fn) {
		c.conn.Ensure()
	}
	return nil
}

// Stats returns a snapshot of the queues
func (c *Client) Stats() ClientStats {
	queued, running, requeued, dropped := c.queue.stats()
	return ClientStats{
		Queued:    queued,
		Running:   running,
		Requeued:  requeued,
		Consumers: c.consumers.count(),
		Dropped:   dropped,
	}
}

// Close discards queued work and detaches from the connection. The shared
// connection stays open.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.removeListener()
	c.queue.close()
	c.consumers.close()
	c.cancel()
	return nil
}

func (c *Client) onConnected(session Session) {
	c.queue.resume()
	c.consumers.serve(session)
}

func (c *Client) onDown() {
	c.queue.pause()
	c.consumers.detach()
}

func (c *Client) execute(task *publishTask) {
	defer c.queue.done()

	err := c.applyPublish(task.fn)
	if err == nil {
		return
	}

	retry, delay := c.requeuePolicy.ShouldRetry(task.attempt, err)
	if !retry {
		c.queue.drop()
		c.logger.Error("publish failed, giving up",
			"attempt", task.attempt+1,
			"error", err)
		return
	}

	c.logger.Error("publish failed, requeueing",
		"attempt", task.attempt+1,
		"delay", delay,
		"error", err)
	task.attempt++
	c.queue.requeue(task, delay)
}

func (c *Client) applyPublish(fn PublishFunc) error {
	session, err := c.conn.Session()
	if err != nil {
		return err
	}

	ch, err := session.Channel(c.ctx)
	if err != nil {
		return transportError("channel", err)
	}
	defer ch.Close()

	return fn(c.ctx, ch)
}

func (c *Client) applyConsumer(session Session, fn ConsumeFunc) error {
	ch, err := session.Channel(c.ctx)
	if err != nil {
		return transportError("channel", err)
	}

	if err := fn(c.ctx, ch); err != nil {
		_ = ch.Close()
		return err
	}
	return nil
}
