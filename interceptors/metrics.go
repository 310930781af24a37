package interceptors

import (
	"sync"
	"time"
)

// TimeStats summarises handling times for one queue
type TimeStats struct {
	Count   int64 `json:"count"`
	TotalMs int64 `json:"totalMs"`
	MinMs   int64 `json:"minMs"`
	MaxMs   int64 `json:"maxMs"`
}

// AverageMs returns the mean handling time
func (s TimeStats) AverageMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalMs) / float64(s.Count)
}

// QueueMetrics is a snapshot of one request queue
type QueueMetrics struct {
	Requests int64            `json:"requests"`
	Errors   map[string]int64 `json:"errors,omitempty"`
	Timing   TimeStats        `json:"timing"`
}

// SimpleMetricsCollector is an in-memory MetricsCollector
type SimpleMetricsCollector struct {
	mu     sync.RWMutex
	queues map[string]*QueueMetrics
}

// NewSimpleMetricsCollector creates an empty collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{queues: make(map[string]*QueueMetrics)}
}

func (c *SimpleMetricsCollector) queue(name string) *QueueMetrics {
	q, ok := c.queues[name]
	if !ok {
		q = &QueueMetrics{Errors: make(map[string]int64)}
		c.queues[name] = q
	}
	return q
}

// IncrementRequestCount implements MetricsCollector
func (c *SimpleMetricsCollector) IncrementRequestCount(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue(queue).Requests++
}

// RecordHandlingTime implements MetricsCollector
func (c *SimpleMetricsCollector) RecordHandlingTime(queue string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := duration.Milliseconds()
	stats := &c.queue(queue).Timing
	if stats.Count == 0 || ms < stats.MinMs {
		stats.MinMs = ms
	}
	if ms > stats.MaxMs {
		stats.MaxMs = ms
	}
	stats.Count++
	stats.TotalMs += ms
}

// IncrementErrorCount implements MetricsCollector
func (c *SimpleMetricsCollector) IncrementErrorCount(queue string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue(queue).Errors[errorType]++
}

// Snapshot returns a copy of the collected metrics keyed by queue
func (c *SimpleMetricsCollector) Snapshot() map[string]QueueMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]QueueMetrics, len(c.queues))
	for name, q := range c.queues {
		errs := make(map[string]int64, len(q.Errors))
		for k, v := range q.Errors {
			errs[k] = v
		}
		out[name] = QueueMetrics{Requests: q.Requests, Errors: errs, Timing: q.Timing}
	}
	return out
}
