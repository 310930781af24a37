// Package health reports the state of mqkit components through registered
// checkers and serves the aggregate over HTTP.
//
// A process is ready when nothing is unhealthy and every checker that gates
// readiness (connection, RPC client, RPC server) is healthy. A degraded
// runtime or a publish backlog does not stop traffic; a connection that is
// still connecting does.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status of a single check or of the whole report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses so the report can keep the worst one
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is what a Checker reports. The registry fills Name, Duration
// and Timestamp when the checker leaves them empty.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report aggregates every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Blocking  []string               `json:"blocking,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Checker runs one health check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// ReadinessGate is implemented by checkers whose result must be healthy for
// the process to accept work
type ReadinessGate interface {
	GatesReadiness() bool
}

// CheckerFunc adapts a function to Checker. It does not gate readiness.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

type registered struct {
	checker Checker
	gate    bool
}

// Registry holds the checkers of a process
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]registered
	metadata map[string]interface{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]registered),
		metadata: make(map[string]interface{}),
	}
}

// Register adds checker, replacing any checker of the same name
func (r *Registry) Register(checker Checker) {
	gate := false
	if g, ok := checker.(ReadinessGate); ok {
		gate = g.GatesReadiness()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = registered{checker: checker, gate: gate}
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata attaches a value to every report
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every checker concurrently. Checks still running when ctx ends
// are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	entries := make(map[string]registered, len(r.checkers))
	for name, e := range r.checkers {
		entries[name] = e
	}
	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(entries))
		wg     sync.WaitGroup
	)
	for name, e := range entries {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			began := time.Now()
			result := checker.Check(ctx)
			if result.Name == "" {
				result.Name = name
			}
			if result.Timestamp.IsZero() {
				result.Timestamp = began
			}
			if result.Duration == 0 {
				result.Duration = time.Since(began)
			}

			mu.Lock()
			checks[name] = result
			mu.Unlock()
		}(name, e.checker)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	// Late results are discarded; the map is copied under the lock.
	mu.Lock()
	report := Report{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(entries)),
		Metadata: metadata,
	}
	for name := range entries {
		result, ok := checks[name]
		if !ok {
			result = CheckResult{
				Name:      name,
				Status:    StatusUnhealthy,
				Message:   "check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
		report.Checks[name] = result
	}
	mu.Unlock()

	for name, result := range report.Checks {
		if result.Status.severity() > report.Status.severity() {
			report.Status = result.Status
		}
		if result.Status == StatusUnhealthy || (entries[name].gate && result.Status != StatusHealthy) {
			report.Blocking = append(report.Blocking, name)
		}
	}
	sort.Strings(report.Blocking)
	report.Ready = len(report.Blocking) == 0
	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Handler serves the full report as JSON. An unhealthy report is a 503.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a report handler that bounds each check run by timeout
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	report := h.check(r.Context())

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		http.Error(w, "failed to encode health report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}

func (h *Handler) check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.registry.Check(ctx)
}

// ReadinessHandler answers 200 "ready" only when the report is ready, and
// 503 naming the blocking checks otherwise
func ReadinessHandler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	h := NewHandler(registry, timeout)
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.check(r.Context())
		if !report.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready: " + strings.Join(report.Blocking, ", ")))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}

// Mux mounts the report, readiness and liveness handlers under /health
func Mux(registry *Registry, timeout time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", NewHandler(registry, timeout))
	mux.Handle("/health/ready", ReadinessHandler(registry, timeout))
	mux.Handle("/health/live", LivenessHandler())
	return mux
}
