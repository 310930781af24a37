package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/glimte/mqkit/messaging"
)

// ConnectionState is the part of *messaging.Connection the checker reads
type ConnectionState interface {
	State() messaging.State
	URL() string
}

// ConnectionChecker reports the broker connection state
type ConnectionChecker struct {
	conn ConnectionState
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

// GatesReadiness is true: nothing can be sent or served until connected
func (c *ConnectionChecker) GatesReadiness() bool {
	return true
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	state := c.conn.State()

	result := CheckResult{
		Name: c.Name(),
		Details: map[string]interface{}{
			"state": state.String(),
			"url":   c.conn.URL(),
		},
	}

	switch state {
	case messaging.StateConnected:
		result.Status = StatusHealthy
		result.Message = "connected"
	case messaging.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "connecting"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("connection is %s", state)
	}

	return result
}

// PublishStats is the part of *messaging.Client the checker reads
type PublishStats interface {
	Stats() messaging.ClientStats
}

// ClientChecker reports the publish backlog. A backlog at or above
// threshold is degraded.
type ClientChecker struct {
	client    PublishStats
	threshold int
}

// NewClientChecker creates a client checker
func NewClientChecker(client PublishStats, threshold int) *ClientChecker {
	return &ClientChecker{client: client, threshold: threshold}
}

func (c *ClientChecker) Name() string {
	return "client"
}

func (c *ClientChecker) Check(ctx context.Context) CheckResult {
	stats := c.client.Stats()

	result := CheckResult{
		Name:    c.Name(),
		Status:  StatusHealthy,
		Message: "publish queue is draining",
		Details: map[string]interface{}{
			"queued":    stats.Queued,
			"running":   stats.Running,
			"requeued":  stats.Requeued,
			"dropped":   stats.Dropped,
			"consumers": stats.Consumers,
		},
	}

	if c.threshold > 0 && stats.Queued+stats.Requeued >= c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("publish backlog of %d", stats.Queued+stats.Requeued)
	}

	return result
}

// ReplyQueue is the part of *messaging.RPCClient the checker reads
type ReplyQueue interface {
	Ready() <-chan struct{}
	Pending() int
}

// RPCClientChecker reports whether the reply queue is consuming
type RPCClientChecker struct {
	client ReplyQueue
}

// NewRPCClientChecker creates an rpc client checker
func NewRPCClientChecker(client ReplyQueue) *RPCClientChecker {
	return &RPCClientChecker{client: client}
}

func (c *RPCClientChecker) Name() string {
	return "rpc_client"
}

func (c *RPCClientChecker) GatesReadiness() bool {
	return true
}

func (c *RPCClientChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name: c.Name(),
		Details: map[string]interface{}{
			"pending": c.client.Pending(),
		},
	}

	select {
	case <-c.client.Ready():
		result.Status = StatusHealthy
		result.Message = "reply queue is consuming"
	default:
		result.Status = StatusDegraded
		result.Message = "reply queue is not ready"
	}

	return result
}

// RequestQueue is the part of *messaging.RPCServer the checker reads
type RequestQueue interface {
	Queue() string
	Serving() bool
}

// RPCServerChecker reports whether the server is consuming requests
type RPCServerChecker struct {
	server RequestQueue
}

// NewRPCServerChecker creates an rpc server checker
func NewRPCServerChecker(server RequestQueue) *RPCServerChecker {
	return &RPCServerChecker{server: server}
}

func (c *RPCServerChecker) Name() string {
	return fmt.Sprintf("rpc_server_%s", c.server.Queue())
}

func (c *RPCServerChecker) GatesReadiness() bool {
	return true
}

func (c *RPCServerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name: c.Name(),
		Details: map[string]interface{}{
			"queue": c.server.Queue(),
		},
	}

	if c.server.Serving() {
		result.Status = StatusHealthy
		result.Message = "consuming requests"
	} else {
		result.Status = StatusDegraded
		result.Message = "not consuming requests"
	}

	return result
}

// RuntimeChecker flags runaway goroutine counts
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name: c.Name(),
		Details: map[string]interface{}{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	return result
}
