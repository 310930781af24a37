package interceptors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mqkit/messaging"
)

// Interceptor processes a request before it reaches the handler
type Interceptor interface {
	// Intercept handles msg, normally by calling next
	Intercept(ctx context.Context, msg messaging.Delivery, r messaging.Responder, next messaging.RPCHandler)

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg messaging.Delivery, r messaging.Responder, next messaging.RPCHandler)
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg messaging.Delivery, r messaging.Responder, next messaging.RPCHandler)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg messaging.Delivery, r messaging.Responder, next messaging.RPCHandler) {
	i.fn(ctx, msg, r, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{logger: logger}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Then returns handler wrapped by every interceptor, the first added
// outermost
func (c *Chain) Then(handler messaging.RPCHandler) messaging.RPCHandler {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, msg messaging.Delivery, r messaging.Responder) {
			interceptor.Intercept(ctx, msg, r, next)
		}
	}

	names := make([]string, 0, len(c.interceptors))
	for _, i := range c.interceptors {
		names = append(names, i.Name())
	}
	c.logger.Debug("rpc handler chain built", "interceptors", names)

	return handler
}

// recordingResponder remembers the outcome of a Respond call
type recordingResponder struct {
	messaging.Responder

	mu        sync.Mutex
	responded bool
	err       error
}

func (r *recordingResponder) Respond(body []byte) error {
	return r.record(r.Responder.Respond(body))
}

func (r *recordingResponder) RespondJSON(v any) error {
	return r.record(r.Responder.RespondJSON(v))
}

func (r *recordingResponder) record(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responded = true
	r.err = err
	return err
}

func (r *recordingResponder) outcome() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded, r.err
}

// LoggingInterceptor logs each request with its timing and outcome
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg messaging.Delivery, r messaging.Responder, next messaging.RPCHandler) {
	start := time.Now()

	i.logger.Info("processing rpc request",
		"queue", msg.RoutingKey,
		"correlationId", msg.CorrelationID,
		"replyTo", msg.ReplyTo,
	)

	rec := &recordingResponder{Responder: r}
	next(ctx, msg, rec)
	duration := time.Since(start)

	responded, err := rec.outcome()
	switch {
	case err != nil:
		i.logger.Error("rpc response failed",
			"queue", msg.RoutingKey,
			"correlationId", msg.CorrelationID,
			"duration", duration,
			"error", err,
		)
	case responded:
		i.logger.Info("rpc request answered",
			"queue", msg.RoutingKey,
			"correlationId", msg.CorrelationID,
			"duration", duration,
		)
	default:
		i.logger.Debug("rpc handler returned without responding",
			"queue", msg.RoutingKey,
			"correlationId", msg.CorrelationID,
			"duration", duration,
		)
	}
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives request measurements keyed by queue
type MetricsCollector interface {
	IncrementRequestCount(queue string)
	RecordHandlingTime(queue string, duration time.Duration)
	IncrementErrorCount(queue string, errorType string)
}

// MetricsInterceptor reports request counts, handling time and respond
// failures
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg messaging.Delivery, r messaging.Responder, next messaging.RPCHandler) {
	start := time.Now()
	queue := msg.RoutingKey

	i.collector.IncrementRequestCount(queue)

	rec := &recordingResponder{Responder: r}
	next(ctx, msg, rec)

	i.collector.RecordHandlingTime(queue, time.Since(start))

	if _, err := rec.outcome(); err != nil {
		i.collector.IncrementErrorCount(queue, "respond_error")
	}
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}
