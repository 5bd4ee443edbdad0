// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fwtrust.
//
// go-fwtrust is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package health runs liveness, readiness and startup probes over the
// firmware trust components and serves them over HTTP.
package health

import (
	"context"
	"encoding/json"
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
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded means the component answers but its state should not
	// be trusted for attestation, e.g. a measurement log out of sync with
	// the PCRs.
	StatusDegraded Status = "degraded"
)

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) CheckResult

// Checker holds the registered readiness checks.
type Checker struct {
	mu        sync.RWMutex
	started   bool
	startTime time.Time
	timeout   time.Duration
	checks    map[string]CheckFunc
}

// NewChecker creates a checker whose probes are each bounded by timeout.
// Zero means no bound beyond the caller's context.
func NewChecker(timeout time.Duration) *Checker {
	return &Checker{
		checks:    make(map[string]CheckFunc),
		startTime: time.Now(),
		timeout:   timeout,
	}
}

// RegisterCheck adds or replaces the check called name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// MarkStarted marks initialization as complete.
func (c *Checker) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

// Live reports that the process is serving.
func (c *Checker) Live(ctx context.Context) CheckResult {
	return CheckResult{
		Name:    "liveness",
		Status:  StatusHealthy,
		Message: "alive",
	}
}

// Ready runs every registered check in name order.
func (c *Checker) Ready(ctx context.Context) []CheckResult {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		results = append(results, c.run(ctx, name, checks[name]))
	}
	return results
}

func (c *Checker) run(ctx context.Context, name string, check CheckFunc) CheckResult {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	result := check(ctx)
	result.Latency = time.Since(start)
	if result.Name == "" {
		result.Name = name
	}
	return result
}

// Startup fails until MarkStarted is called.
func (c *Checker) Startup(ctx context.Context) CheckResult {
	c.mu.RLock()
	started := c.started
	startTime := c.startTime
	c.mu.RUnlock()

	if !started {
		return CheckResult{
			Name:    "startup",
			Status:  StatusUnhealthy,
			Message: "initialization not complete",
		}
	}
	return CheckResult{
		Name:    "startup",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("initialized (uptime: %s)", time.Since(startTime).Round(time.Second)),
	}
}

// AggregateStatus returns unhealthy if any result is unhealthy, degraded
// if any is degraded, and healthy otherwise.
func AggregateStatus(results []CheckResult) Status {
	status := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Healthy returns a passing result.
func Healthy(name, message string) CheckResult {
	return CheckResult{Name: name, Status: StatusHealthy, Message: message}
}

// Degraded returns a degraded result carrying err.
func Degraded(name string, err error) CheckResult {
	return CheckResult{Name: name, Status: StatusDegraded, Error: err.Error()}
}

// Unhealthy returns a failing result carrying err.
func Unhealthy(name string, err error) CheckResult {
	return CheckResult{Name: name, Status: StatusUnhealthy, Error: err.Error()}
}

// Response is the body of every probe endpoint.
type Response struct {
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Checks  []CheckResult `json:"checks,omitempty"`
}

// LiveHandler serves the liveness probe.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	result := c.Live(r.Context())
	writeResponse(w, Response{Status: result.Status, Message: result.Message})
}

// ReadyHandler serves the readiness probe. Degraded components still
// answer 200.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	results := c.Ready(r.Context())
	resp := Response{Status: AggregateStatus(results), Checks: results}
	switch resp.Status {
	case StatusHealthy:
		resp.Message = "all checks passed"
	case StatusDegraded:
		resp.Message = "degraded"
	default:
		resp.Message = "one or more checks failed"
	}
	writeResponse(w, resp)
}

// StartupHandler serves the startup probe.
func (c *Checker) StartupHandler(w http.ResponseWriter, r *http.Request) {
	result := c.Startup(r.Context())
	writeResponse(w, Response{Status: result.Status, Message: result.Message})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
