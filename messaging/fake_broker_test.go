package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeBroker is an in-memory broker with default-exchange routing, enough to
// drive Connection, Client and the RPC types without RabbitMQ.
type fakeBroker struct {
	dials atomic.Int32

	mu         sync.Mutex
	queues     map[string]*fakeQueue
	sessions   []*fakeSession
	nameSeq    int
	dialErr    func(n int) error
	gate       chan struct{}
	channelErr error
	publishErr func(routingKey string) error
	declareErr error
}

type fakeQueue struct {
	name      string
	options   QueueOptions
	consumers []*fakeConsumer
	next      int
	backlog   []Publishing
}

type fakeConsumer struct {
	ch         *fakeChannel
	deliveries chan Delivery
	autoAck    bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[string]*fakeQueue)}
}

// hold blocks dials until the returned release function is called
func (b *fakeBroker) hold() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (b *fakeBroker) failDials(fn func(n int) error) {
	b.mu.Lock()
	b.dialErr = fn
	b.mu.Unlock()
}

func (b *fakeBroker) Dial(ctx context.Context, url string) (Session, error) {
	n := int(b.dials.Add(1))

	b.mu.Lock()
	gate := b.gate
	dialErr := b.dialErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if dialErr != nil {
		if err := dialErr(n); err != nil {
			return nil, err
		}
	}

	s := &fakeSession{broker: b, notify: make(chan error, 1)}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBroker) lastSession() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

// declare creates a queue up front so messages published before anyone
// consumes are kept
func (b *fakeBroker) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *fakeBroker) session(i int) *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[i]
}

func (b *fakeBroker) declare(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &fakeQueue{name: name}
	}
}

func (b *fakeBroker) queue(name string) (*fakeQueue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *fakeBroker) consumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// route delivers msg to the next consumer of routingKey. Messages for
// unknown queues are dropped; queues without consumers keep them.
func (b *fakeBroker) route(routingKey string, msg Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[routingKey]
	if !ok {
		return
	}
	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, msg)
		return
	}
	b.deliverLocked(q, msg)
}

func (b *fakeBroker) deliverLocked(q *fakeQueue, msg Publishing) {
	routingKey := q.name
	consumer := q.consumers[q.next%len(q.consumers)]
	q.next++

	d := Delivery{
		Body:          msg.Body,
		ContentType:   msg.ContentType,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageID:     msg.MessageID,
		Headers:       msg.Headers,
		Timestamp:     msg.Timestamp,
		RoutingKey:    routingKey,
		DeliveryTag:   consumer.ch.nextTag(),
	}
	if !consumer.autoAck {
		d.Acknowledger = consumer.ch
	}

	select {
	case consumer.deliveries <- d:
	default:
		panic(fmt.Sprintf("fake broker: consumer buffer full on %s", routingKey))
	}
}

func (b *fakeBroker) removeConsumers(ch *fakeChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, q := range b.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.ch == ch {
				close(c.deliveries)
				continue
			}
			kept = append(kept, c)
		}
		q.consumers = kept
		if q.options.Exclusive && len(q.consumers) == 0 {
			delete(b.queues, name)
		}
	}
}

type fakeSession struct {
	broker *fakeBroker
	notify chan error

	mu       sync.Mutex
	channels []*fakeChannel
	closed   bool
	opened   int
}

func (s *fakeSession) Channel(ctx context.Context) (Channel, error) {
	s.broker.mu.Lock()
	channelErr := s.broker.channelErr
	s.broker.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("channel: %w", ErrTransportClosed)
	}
	if channelErr != nil {
		return nil, channelErr
	}

	ch := &fakeChannel{session: s, broker: s.broker}
	s.channels = append(s.channels, ch)
	s.opened++
	return ch, nil
}

func (s *fakeSession) NotifyClose() <-chan error {
	return s.notify
}

func (s *fakeSession) Close() error {
	if !s.shutdown() {
		return nil
	}
	close(s.notify)
	return nil
}

// kill drops the session as if the broker went away
func (s *fakeSession) kill(err error) {
	if !s.shutdown() {
		return
	}
	s.notify <- err
	close(s.notify)
}

func (s *fakeSession) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return true
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) channelsOpened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

type fakeChannel struct {
	session *fakeSession
	broker  *fakeBroker

	mu       sync.Mutex
	closed   bool
	tag      uint64
	prefetch int
	acks     []uint64
	nacks    []uint64
	rejects  []uint64
}

func (c *fakeChannel) nextTag() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tag++
	return c.tag
}

func (c *fakeChannel) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("channel closed: %w", ErrTransportClosed)
	}
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, options QueueOptions) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.declareErr != nil {
		return "", b.declareErr
	}
	if name == "" {
		b.nameSeq++
		name = fmt.Sprintf("amq.gen-%d", b.nameSeq)
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &fakeQueue{name: name, options: options}
	}
	return name, nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, options ExchangeOptions) error {
	return c.check()
}

func (c *fakeChannel) QueueBind(queue, exchange, routingKey string) error {
	return c.check()
}

func (c *fakeChannel) Qos(prefetch int) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	c.prefetch = prefetch
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	if err := c.check(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	publishErr := c.broker.publishErr
	c.broker.mu.Unlock()
	if publishErr != nil {
		if err := publishErr(routingKey); err != nil {
			return err
		}
	}

	c.broker.route(routingKey, msg)
	return nil
}

func (c *fakeChannel) Consume(queue string, options ConsumeOptions) (<-chan Delivery, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil, errors.New("NOT_FOUND - no queue '" + queue + "'")
	}

	consumer := &fakeConsumer{ch: c, deliveries: make(chan Delivery, 256), autoAck: options.AutoAck}
	q.consumers = append(q.consumers, consumer)

	backlog := q.backlog
	q.backlog = nil
	for _, msg := range backlog {
		b.deliverLocked(q, msg)
	}
	return consumer.deliveries, nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.broker.removeConsumers(c)
	return nil
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacks = append(c.nacks, tag)
	return nil
}

func (c *fakeChannel) Reject(tag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects = append(c.rejects, tag)
	return nil
}

func (c *fakeChannel) settled() (acks, nacks, rejects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks), len(c.nacks), len(c.rejects)
}

// recordingListener captures lifecycle events in order
type recordingListener struct {
	mu     sync.Mutex
	events []string
	delays []time.Duration
}

func (l *recordingListener) OnConnected(Session) { l.add("connected") }
func (l *recordingListener) OnError(error)       { l.add("error") }
func (l *recordingListener) OnDisconnected()     { l.add("disconnected") }

func (l *recordingListener) OnReconnecting(attempt int, delay time.Duration) {
	l.mu.Lock()
	l.delays = append(l.delays, delay)
	l.mu.Unlock()
	l.add(fmt.Sprintf("reconnecting:%d", attempt))
}

func (l *recordingListener) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) count(event string) int {
	n := 0
	for _, e := range l.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}
