package messaging

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingCall is an RPC waiting for its reply. Exactly one of reply match,
// timeout, cancellation or close settles it.
type pendingCall struct {
	id        string
	rpc       string
	createdAt time.Time
	timer     *time.Timer
	done      chan struct{}

	reply Delivery
	err   error
}

// pendingCalls is the correlation table of an RPCClient
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]*pendingCall)}
}

// register adds a call under a fresh correlation id. The call fails with an
// RPCTimeoutError once timeout elapses.
func (p *pendingCalls) register(rpc string, timeout time.Duration) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()
	for {
		if _, taken := p.calls[id]; !taken {
			break
		}
		id = uuid.NewString()
	}

	call := &pendingCall{
		id:        id,
		rpc:       rpc,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	call.timer = time.AfterFunc(timeout, func() {
		p.settle(id, Delivery{}, &RPCTimeoutError{RPC: rpc, CorrelationID: id, Timeout: timeout})
	})
	p.calls[id] = call

	return call
}

// complete hands reply to the call waiting on id
func (p *pendingCalls) complete(id string, reply Delivery) bool {
	return p.settle(id, reply, nil)
}

// fail settles the call waiting on id with err
func (p *pendingCalls) fail(id string, err error) bool {
	return p.settle(id, Delivery{}, err)
}

// remove drops the entry without settling it
func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	call, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()

	if ok {
		call.timer.Stop()
	}
}

func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.calls))
	for id := range p.calls {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.fail(id, err)
	}
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *pendingCalls) settle(id string, reply Delivery, err error) bool {
	p.mu.Lock()
	call, ok := p.calls[id]
	delete(p.calls, id)
	p.mu.Unlock()

	if !ok {
		return false
	}

	call.timer.Stop()
	call.reply = reply
	call.err = err
	close(call.done)
	return true
}
