// Package health provides health checks for keybridged.
//
// Features:
//   - Liveness probe (is process running)
//   - Readiness probe (are the host transports up)
//   - Per-component status with timeouts and panic recovery
//   - HTTP endpoints served next to /metrics
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name string
	// Critical failures make the overall status unhealthy; others degrade it.
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Names returns the registered component names in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered health checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			result := run(ctx, comp)

			mu.Lock()
			results[comp.Name] = result
			mu.Unlock()

			c.mu.Lock()
			c.results[comp.Name] = result
			c.mu.Unlock()
		}(comp)
	}

	wg.Wait()
	return results
}

func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprint(r),
				}
			}
		}()
		resultCh <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-resultCh:
	case <-checkCtx.Done():
		result = CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}

	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// CheckComponent runs a single component's health check.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}

	result := run(ctx, comp)

	c.mu.Lock()
	c.results[name] = result
	c.mu.Unlock()
	return result, true
}

// GetResult returns the last result for a component.
func (c *Checker) GetResult(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[name]
	return result, ok
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}

		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// HealthResponse is the response format for health endpoints.
type HealthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HealthResponse runs every check and reports the result.
func (c *Checker) HealthResponse(ctx context.Context, includeComponents bool) HealthResponse {
	components := c.Check(ctx)
	if !includeComponents {
		components = nil
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	return HealthResponse{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler answers 200 while the process is up.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "not ready",
				"timestamp": time.Now(),
			})
			return
		}

		c.Check(r.Context())
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler reports every component with ?full=true.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := c.HealthResponse(r.Context(), r.URL.Query().Get("full") == "true")

		code := http.StatusOK
		if response.Status == StatusUnhealthy || response.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response)
	})
}

// Mount registers /healthz, /livez and /readyz on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.Handle("/healthz", c.HealthHandler())
	mux.Handle("/livez", c.LivenessHandler())
	mux.Handle("/readyz", c.ReadinessHandler())
}

// PingCheck turns a ping function into a check. errors.Is(err, degraded)
// reports degraded instead of unhealthy.
func PingCheck(what string, ping func(ctx context.Context) error, degraded error) Check {
	return func(ctx context.Context) CheckResult {
		err := ping(ctx)
		switch {
		case err == nil:
			return CheckResult{Status: StatusHealthy, Message: what + " ok"}
		case degraded != nil && errors.Is(err, degraded):
			return CheckResult{Status: StatusDegraded, Message: what + " degraded", Error: err.Error()}
		default:
			return CheckResult{Status: StatusUnhealthy, Message: what + " failed", Error: err.Error()}
		}
	}
}

// CountCheck reports a gauge-like value as details. It is healthy while
// count() is at most max, and degraded above it. A max of 0 disables the
// limit.
func CountCheck(name string, count func() int, max int) Check {
	return func(ctx context.Context) CheckResult {
		n := count()
		result := CheckResult{
			Status:  StatusHealthy,
			Details: map[string]any{name: n},
		}
		if max > 0 && n > max {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%s %d above %d", name, n, max)
		}
		return result
	}
}
