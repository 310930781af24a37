package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed = errors.New("mq: connection is closed")
	ErrNotConnected     = errors.New("mq: not connected")

	// Client errors
	ErrClientClosed     = errors.New("mq: client is closed")
	ErrRPCTimeout       = errors.New("mq: rpc timed out")
	ErrAlreadyResponded = errors.New("mq: rpc already responded")
	ErrNoAcknowledger   = errors.New("mq: delivery has no acknowledger")
)

// ConfigurationError reports a missing or invalid constructor argument
type ConfigurationError struct {
	Component string
	Field     string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("mq configuration error: %s %s %s", e.Component, e.Field, e.Reason)
}

// IsRetryable reports false: retrying cannot fix a configuration mistake
func (e *ConfigurationError) IsRetryable() bool {
	return false
}

func missing(component, field string) error {
	return &ConfigurationError{Component: component, Field: field, Reason: "is required"}
}

// TransportError represents a dial, channel, publish or consume failure
type TransportError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mq transport error: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err, Timestamp: time.Now()}
}

// RPCTimeoutError is returned to an RPC caller when no reply arrived in time
type RPCTimeoutError struct {
	RPC           string
	CorrelationID string
	Timeout       time.Duration
}

func (e *RPCTimeoutError) Error() string {
	return fmt.Sprintf("mq: rpc timed out (%s, %v)", e.RPC, e.Timeout)
}

// Is makes errors.Is(err, ErrRPCTimeout) match
func (e *RPCTimeoutError) Is(target error) bool {
	return target == ErrRPCTimeout
}

// ProtocolError reports a malformed or unexpected broker message
type ProtocolError struct {
	Queue  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mq protocol error on %s: %s", e.Queue, e.Reason)
}

// IsShutdown reports whether err is the expected result of a connection or
// channel closing underneath an operation.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrClientClosed)
}
