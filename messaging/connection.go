package messaging

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// Defaults for connection and client behaviour
const (
	DefaultReconnectDelay     = 5 * time.Second
	DefaultRequeueDelay       = 5 * time.Second
	DefaultPublishConcurrency = 3
	DefaultRPCTimeout         = 5 * time.Second
)

var errReconnectRequested = errors.New("mq: reconnect requested")

// Connection owns a single broker session and re-establishes it when the
// transport fails. Clients, RPC clients and RPC servers share one
// Connection and observe it through ConnectionListener.
type Connection struct {
	url     string
	safeURL string
	dialer  Dialer

	logger      *slog.Logger
	logError    func(error)
	policy      RetryPolicy
	dialTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	session  Session
	attempt  int
	timer    *time.Timer
	timerSeq uint64
	closed   bool

	// reconnect requested while a dial was in flight
	redial      bool
	redialDelay time.Duration
	redialCause error

	listenersMu sync.RWMutex
	listeners   []listenerEntry
	nextID      uint64
}

type listenerEntry struct {
	id       uint64
	listener ConnectionListener
}

// ConnectionOption configures the Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithErrorLogger replaces the hook every transport error is reported to
// before a reconnect is scheduled
func WithErrorLogger(fn func(error)) ConnectionOption {
	return func(c *Connection) {
		c.logError = fn
	}
}

// WithReconnectDelay reconnects after a fixed delay, forever. A delay <= 0
// keeps the default.
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(c *Connection) {
		if delay > 0 {
			c.policy = FixedBackoff(delay)
		}
	}
}

// WithReconnectPolicy sets the policy that spaces reconnect attempts
func WithReconnectPolicy(policy RetryPolicy) ConnectionOption {
	return func(c *Connection) {
		if policy != nil {
			c.policy = policy
		}
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.dialTimeout = timeout
	}
}

// NewConnection creates a connection to rawURL through dialer. It does not
// dial; call Connect or hand the connection to a Client.
func NewConnection(rawURL string, dialer Dialer, options ...ConnectionOption) (*Connection, error) {
	if rawURL == "" {
		return nil, missing("connection", "url")
	}
	if dialer == nil {
		return nil, missing("connection", "dialer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		url:     rawURL,
		safeURL: SanitizeURL(rawURL),
		dialer:  dialer,
		logger:  slog.Default(),
		policy:  FixedBackoff(DefaultReconnectDelay),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
	}

	for _, opt := range options {
		opt(c)
	}

	if c.logError == nil {
		logger := c.logger
		c.logError = func(err error) {
			logger.Error("broker connection error", "url", c.safeURL, "error", err)
		}
	}

	return c, nil
}

// Connect dials the broker unless a dial is already in flight or the
// connection is up. A failed dial is reported and a reconnect scheduled; the
// error is returned for callers that want it.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.stopTimerLocked()
	c.mu.Unlock()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()
	if c.dialTimeout > 0 {
		var cancelTimeout context.CancelFunc
		dialCtx, cancelTimeout = context.WithTimeout(dialCtx, c.dialTimeout)
		defer cancelTimeout()
	}

	c.logger.Debug("connecting to broker", "url", c.safeURL)
	session, err := c.dialer.Dial(dialCtx, c.url)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		closed := c.closed
		// a reconnect requested during the dial keeps its delay
		_, delay, _ := c.takeRedialLocked()
		c.mu.Unlock()
		if closed {
			return ErrConnectionClosed
		}

		err = transportError("dial", err)
		c.logError(err)
		c.emitError(err)
		c.scheduleReconnect(delay, err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = session.Close()
		return ErrConnectionClosed
	}
	if redial, delay, cause := c.takeRedialLocked(); redial {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Debug("dropping session, reconnect was requested while dialing", "url", c.safeURL)
		_ = session.Close()
		c.scheduleReconnect(delay, cause)
		return errReconnectRequested
	}
	previous := c.session
	c.session = session
	c.state = StateConnected
	c.attempt = 0
	c.mu.Unlock()

	if previous != nil && previous != session {
		_ = previous.Close()
	}

	c.logger.Info("connected to broker", "url", c.safeURL)
	c.emitConnected(session)

	go c.watch(session)
	return nil
}

// Reconnect drops the current session, if any, and schedules Connect after
// delay. A delay <= 0 asks the reconnect policy. While a dial is in flight the
// request is deferred until it returns; a session it produced is closed.
func (c *Connection) Reconnect(delay time.Duration) {
	c.scheduleReconnect(delay, errReconnectRequested)
}

// Fail reports that a component could not set itself up on session. If
// session is still the live one, the error is logged and emitted and the
// connection is cycled.
func (c *Connection) Fail(session Session, err error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	current := !c.closed && session != nil && c.session == session
	c.mu.Unlock()
	if !current {
		return
	}

	err = transportError("setup", err)
	c.logError(err)
	c.emitError(err)
	c.scheduleReconnect(0, err)
}

// Ensure starts a background Connect unless the connection is up, a dial is
// in flight, a reconnect is already scheduled or the connection is closed.
func (c *Connection) Ensure() {
	c.mu.Lock()
	idle := !c.closed && c.state == StateDisconnected && c.timer == nil
	c.mu.Unlock()

	if idle {
		go func() {
			_ = c.Connect(c.ctx)
		}()
	}
}

// Disconnect closes the session gracefully and stops reconnecting. It is
// terminal: later Connect calls return ErrConnectionClosed. Calls after the
// first, or while no session exists, do nothing. If ctx ends first the close
// finishes in the background and ctx.Err() is returned.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	c.cancel()
	if c.session == nil || c.state == StateDisconnecting {
		c.mu.Unlock()
		return nil
	}
	session := c.session
	c.state = StateDisconnecting
	c.mu.Unlock()

	c.logger.Info("disconnecting from broker", "url", c.safeURL)
	done := make(chan error, 1)
	go func() {
		err := session.Close()

		c.mu.Lock()
		c.session = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		c.logger.Info("disconnected from broker", "url", c.safeURL)
		c.emitDisconnected()
		done <- err
	}()

	select {
	case err := <-done:
		return transportError("close", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current connection state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the live session, or ErrNotConnected
func (c *Connection) Session() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}
	if c.state != StateConnected || c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// Closed reports whether Disconnect has been called
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// URL returns the broker URL with the password redacted
func (c *Connection) URL() string {
	return c.safeURL
}

// Logger returns the connection's logger
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// AddListener registers a lifecycle listener and returns a function that
// removes it
func (c *Connection) AddListener(listener ConnectionListener) (remove func()) {
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listenerEntry{id: id, listener: listener})
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, entry := range c.listeners {
			if entry.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// watch turns an unexpected session close into a reconnect
func (c *Connection) watch(session Session) {
	err, ok := <-session.NotifyClose()
	if !ok || err == nil {
		return
	}

	c.mu.Lock()
	if c.closed || c.session != session || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	err = transportError("session", err)
	c.logError(err)
	c.emitError(err)
	c.scheduleReconnect(0, err)
}

func (c *Connection) scheduleReconnect(delay time.Duration, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == StateConnecting {
		// Connect schedules once its dial returns, so only one dial is ever in flight.
		c.redial = true
		c.redialDelay = delay
		c.redialCause = cause
		c.mu.Unlock()
		return
	}

	attempt := c.attempt
	if delay <= 0 {
		retry, next := c.policy.ShouldRetry(attempt, cause)
		if !retry {
			c.state = StateDisconnected
			session := c.session
			c.session = nil
			c.mu.Unlock()
			if session != nil {
				_ = session.Close()
			}
			c.logger.Error("giving up reconnecting",
				"url", c.safeURL,
				"attempts", attempt,
				"error", cause)
			return
		}
		delay = next
	}

	c.attempt++
	c.state = StateDisconnected
	session := c.session
	c.session = nil

	c.stopTimerLocked()
	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(delay, func() { c.fireReconnect(seq) })
	c.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}

	c.logger.Info("reconnect scheduled",
		"url", c.safeURL,
		"attempt", attempt+1,
		"delay", delay)
	c.emitReconnecting(attempt+1, delay)
}

func (c *Connection) fireReconnect(seq uint64) {
	c.mu.Lock()
	if c.timerSeq != seq || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	_ = c.Connect(c.ctx)
}

func (c *Connection) takeRedialLocked() (bool, time.Duration, error) {
	redial, delay, cause := c.redial, c.redialDelay, c.redialCause
	c.redial = false
	c.redialDelay = 0
	c.redialCause = nil
	return redial, delay, cause
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) snapshot() []ConnectionListener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	listeners := make([]ConnectionListener, len(c.listeners))
	for i, entry := range c.listeners {
		listeners[i] = entry.listener
	}
	return listeners
}

func (c *Connection) emitConnected(session Session) {
	for _, l := range c.snapshot() {
		l.OnConnected(session)
	}
}

func (c *Connection) emitError(err error) {
	for _, l := range c.snapshot() {
		l.OnError(err)
	}
}

func (c *Connection) emitDisconnected() {
	for _, l := range c.snapshot() {
		l.OnDisconnected()
	}
}

func (c *Connection) emitReconnecting(attempt int, delay time.Duration) {
	for _, l := range c.snapshot() {
		l.OnReconnecting(attempt, delay)
	}
}

// SanitizeURL removes the password from a broker URL for logging
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
