package messaging

import "time"

// State represents the connection state
type State int32

// Connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// ConnectionListener receives connection lifecycle notifications.
//
// Notifications are delivered synchronously and in order on the goroutine
// that caused them. Implementations must return quickly and move any broker
// I/O onto their own goroutine.
type ConnectionListener interface {
	// OnConnected is called after a successful dial with the live session
	OnConnected(session Session)
	// OnError is called for every dial or session error
	OnError(err error)
	// OnDisconnected is called after a caller-initiated close completes
	OnDisconnected()
	// OnReconnecting is called when a reconnect has been scheduled
	OnReconnecting(attempt int, delay time.Duration)
}

// ListenerFuncs adapts optional functions to ConnectionListener
type ListenerFuncs struct {
	Connected    func(session Session)
	Error        func(err error)
	Disconnected func()
	Reconnecting func(attempt int, delay time.Duration)
}

// OnConnected implements ConnectionListener
func (l ListenerFuncs) OnConnected(session Session) {
	if l.Connected != nil {
		l.Connected(session)
	}
}

// OnError implements ConnectionListener
func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

// OnDisconnected implements ConnectionListener
func (l ListenerFuncs) OnDisconnected() {
	if l.Disconnected != nil {
		l.Disconnected()
	}
}

// OnReconnecting implements ConnectionListener
func (l ListenerFuncs) OnReconnecting(attempt int, delay time.Duration) {
	if l.Reconnecting != nil {
		l.Reconnecting(attempt, delay)
	}
}
