package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mqkit/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionError represents a dial failure
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failed operation on a channel
type ChannelError struct {
	Op        string    // Operation that failed
	Target    string    // Queue or exchange the operation addressed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("rabbitmq channel error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rabbitmq channel error: %s %s failed: %v", e.Op, e.Target, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// closedError marks an error caused by a closed connection or channel
type closedError struct {
	err error
}

func (e *closedError) Error() string {
	return e.err.Error()
}

func (e *closedError) Unwrap() []error {
	return []error{messaging.ErrTransportClosed, e.err}
}

// wrapClosed makes errors.Is(err, messaging.ErrTransportClosed) hold for
// operations that failed because the connection or channel is gone
func wrapClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return &closedError{err: err}
	}
	return err
}

func channelError(op, target string, err error) error {
	if err == nil {
		return nil
	}
	return &ChannelError{Op: op, Target: target, Err: wrapClosed(err), Timestamp: time.Now()}
}
