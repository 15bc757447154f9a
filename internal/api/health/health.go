// Package health provides health check functionality for API components.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is operational but with issues.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response represents the health check response.
type Response struct {
	Status     Status                     `json:"status"`
	EngineID   string                     `json:"engine_id"`
	Components map[string]ComponentStatus `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// Pinger is an interface for components that can be pinged.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckFunc reports the status of one component.
type CheckFunc func(ctx context.Context) ComponentStatus

// PingCheck turns a Pinger into a check. A nil pinger is reported healthy
// with the given message, for components that are optional.
func PingCheck(p Pinger, absent string) CheckFunc {
	return func(ctx context.Context) ComponentStatus {
		if p == nil {
			return ComponentStatus{Status: StatusHealthy, Message: absent}
		}
		if err := p.Ping(ctx); err != nil {
			return ComponentStatus{Status: StatusUnhealthy, Message: "ping failed: " + err.Error()}
		}
		return ComponentStatus{Status: StatusHealthy, Message: "ok"}
	}
}

// Checker performs health checks for the registered components.
type Checker struct {
	engineID  string
	startTime time.Time
	version   string

	mu      sync.RWMutex
	timeout time.Duration
	checks  map[string]CheckFunc
}

// NewChecker creates a new health checker.
func NewChecker(engineID, version string) *Checker {
	return &Checker{
		engineID:  engineID,
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
		checks:    make(map[string]CheckFunc),
	}
}

// SetTimeout sets the timeout for health checks.
func (c *Checker) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// Register adds a named component check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Check performs all health checks and returns the aggregated response.
func (c *Checker) Check(ctx context.Context) *Response {
	c.mu.RLock()
	timeout := c.timeout
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, p := range c.checks {
		checks[name] = p
	}
	c.mu.RUnlock()
	sort.Strings(names)

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components := make(map[string]ComponentStatus, len(names))
	overall := StatusHealthy
	for _, name := range names {
		st := checks[name](checkCtx)
		components[name] = st
		switch {
		case st.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case st.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return &Response{
		Status:     overall,
		EngineID:   c.engineID,
		Components: components,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
	}
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")

		switch response.Status {
		case StatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			// Degraded still serves.
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(response)
	}
}
