// Package health runs the dependency checks behind the health endpoints.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckFunc checks one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Check is a named dependency check. Required checks gate readiness.
type Check struct {
	Name     string
	Required bool
	Timeout  time.Duration
	Fn       CheckFunc
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	Required     bool      `json:"required"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseTime string    `json:"responseTime"`
}

// Report aggregates one run over every registered check.
type Report struct {
	// Healthy is false when any check failed.
	Healthy bool
	// Ready is false when a required check failed.
	Ready  bool
	Checks map[string]CheckResult
}

// Failed returns the names of failing checks in sorted order.
func (r Report) Failed() []string {
	var names []string
	for name, res := range r.Checks {
		if !res.Healthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Config holds health checker configuration
type Config struct {
	DefaultTimeout time.Duration
	OnChange       func(name string, status Status)
}

// DefaultConfig provides default health checker settings
var DefaultConfig = Config{
	DefaultTimeout: 2 * time.Second,
}

// Checker runs dependency checks on demand and remembers the last status
// of each one.
type Checker struct {
	mu             sync.RWMutex
	checks         []Check
	status         map[string]Status
	defaultTimeout time.Duration
	onChange       func(name string, status Status)
}

// NewChecker creates a new health checker
func NewChecker(cfg Config) *Checker {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	return &Checker{
		status:         make(map[string]Status),
		defaultTimeout: cfg.DefaultTimeout,
		onChange:       cfg.OnChange,
	}
}

// Register adds a check. Registering a name twice replaces the earlier check.
func (c *Checker) Register(check Check) {
	if check.Timeout <= 0 {
		check.Timeout = c.defaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.checks {
		if existing.Name == check.Name {
			c.checks[i] = check
			return
		}
	}
	c.checks = append(c.checks, check)
	c.status[check.Name] = StatusUnknown
}

// Len returns the number of registered checks.
func (c *Checker) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.checks)
}

// GetStatus returns the last observed status of a check.
func (c *Checker) GetStatus(name string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.status[name]; ok {
		return s
	}
	return StatusUnknown
}

// Run executes every check concurrently, each under its own timeout.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make([]Check, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = c.runOne(ctx, check)
			return nil
		})
	}
	g.Wait()

	report := Report{Healthy: true, Ready: true, Checks: make(map[string]CheckResult, len(results))}
	for _, res := range results {
		report.Checks[res.Name] = res
		if !res.Healthy {
			report.Healthy = false
			if res.Required {
				report.Ready = false
			}
		}
		c.updateStatus(res.Name, res.Healthy)
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, check Check) (res CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	res = CheckResult{Name: check.Name, Required: check.Required, Timestamp: start.UTC()}
	defer func() {
		if rec := recover(); rec != nil {
			res.Healthy = false
			res.Message = fmt.Sprintf("check panicked: %v", rec)
		}
		res.ResponseTime = fmt.Sprintf("%dms", time.Since(start).Milliseconds())
	}()

	if err := check.Fn(ctx); err != nil {
		res.Message = err.Error()
		return res
	}
	res.Healthy = true
	res.Message = check.Name + " is healthy"
	return res
}

func (c *Checker) updateStatus(name string, healthy bool) {
	next := StatusUnhealthy
	if healthy {
		next = StatusHealthy
	}

	c.mu.Lock()
	prev := c.status[name]
	c.status[name] = next
	c.mu.Unlock()

	// The first observation is not a transition.
	if prev != next && prev != StatusUnknown && c.onChange != nil {
		c.onChange(name, next)
	}
}
