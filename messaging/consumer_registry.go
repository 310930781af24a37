package messaging

import (
	"sync"
	"time"
)

type registration struct {
	fn      ConsumeFunc
	attempt int
}

// consumerRegistry keeps every consumer registration for the lifetime of a
// Client and applies them, one at a time and in registration order, to each
// session the connection produces.
type consumerRegistry struct {
	apply func(Session, ConsumeFunc) error
	retry func(attempt int, err error) (bool, time.Duration)
	onErr func(attempt int, err error, delay time.Duration, retrying bool)

	mu        sync.Mutex
	consumers []ConsumeFunc
	session   Session
	backlog   []registration
	draining  bool
	closed    bool
	timers    map[*time.Timer]struct{}
}

func newConsumerRegistry() *consumerRegistry {
	return &consumerRegistry{timers: make(map[*time.Timer]struct{})}
}

// add records fn and, when a session is being served, queues it for that
// session. It reports whether a session was live.
func (r *consumerRegistry) add(fn ConsumeFunc) (live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consumers = append(r.consumers, fn)
	if r.session == nil {
		return false
	}
	r.backlog = append(r.backlog, registration{fn: fn})
	r.drainLocked()
	return true
}

// serve replays every registration onto session
func (r *consumerRegistry) serve(session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.session == session {
		return
	}
	r.session = session
	r.stopTimersLocked()
	r.backlog = make([]registration, len(r.consumers))
	for i, fn := range r.consumers {
		r.backlog[i] = registration{fn: fn}
	}
	r.drainLocked()
}

// detach forgets the current session; nothing is applied until the next serve
func (r *consumerRegistry) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.session = nil
	r.backlog = nil
	r.stopTimersLocked()
}

func (r *consumerRegistry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.session = nil
	r.backlog = nil
	r.stopTimersLocked()
}

func (r *consumerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}

func (r *consumerRegistry) drainLocked() {
	if r.draining || r.session == nil || len(r.backlog) == 0 {
		return
	}
	r.draining = true
	go r.drain()
}

func (r *consumerRegistry) drain() {
	for {
		r.mu.Lock()
		if r.session == nil || len(r.backlog) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		reg := r.backlog[0]
		r.backlog = r.backlog[1:]
		session := r.session
		r.mu.Unlock()

		if err := r.apply(session, reg.fn); err != nil {
			r.failed(session, reg, err)
		}
	}
}

// failed schedules another attempt on the same session. A different session
// replays the registration on its own.
func (r *consumerRegistry) failed(session Session, reg registration, err error) {
	retrying, delay := r.retry(reg.attempt, err)
	r.onErr(reg.attempt, err, delay, retrying)
	if !retrying {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.session != session {
		return
	}

	reg.attempt++
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if _, live := r.timers[timer]; !live {
			return
		}
		delete(r.timers, timer)
		if r.session != session {
			return
		}
		r.backlog = append(r.backlog, reg)
		r.drainLocked()
	})
	r.timers[timer] = struct{}{}
}

func (r *consumerRegistry) stopTimersLocked() {
	for timer := range r.timers {
		timer.Stop()
	}
	r.timers = make(map[*time.Timer]struct{})
}
