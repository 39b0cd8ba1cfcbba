package health

import (
	"context"
	"fmt"
	"time"
)

// Checkable is implemented by anything that can ping its backend: job
// engines, limiter stores and raw store adapters.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker turns a Checkable into a Checker bounded by a timeout.
type AdapterChecker struct {
	name          string
	adapter       Checkable
	timeout       time.Duration
	degradedAfter time.Duration
}

// NewAdapterChecker creates a checker for adapter. A non-positive timeout
// defaults to five seconds.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// WithDegradedAfter marks successful checks slower than d as degraded.
func (c *AdapterChecker) WithDegradedAfter(d time.Duration) *AdapterChecker {
	c.degradedAfter = d
	return c
}

// Name returns the checker name.
func (c *AdapterChecker) Name() string {
	return c.name
}

// Check pings the adapter.
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}

	if c.adapter == nil {
		result.Status = StatusUnhealthy
		result.Error = "adapter is not configured"
		return result
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	case c.degradedAfter > 0 && result.Duration > c.degradedAfter:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("responded in %s", result.Duration.Round(time.Millisecond))
	default:
		result.Status = StatusHealthy
	}
	return result
}

// CompositeChecker reports the worst status among a group of checkers, for
// example an engine and the limiter store it is paired with.
type CompositeChecker struct {
	name     string
	checkers []Checker
}

// NewCompositeChecker groups checkers under one name.
func NewCompositeChecker(name string, checkers ...Checker) *CompositeChecker {
	return &CompositeChecker{name: name, checkers: checkers}
}

// Name returns the checker name.
func (c *CompositeChecker) Name() string {
	return c.name
}

// Check runs the sub checks in order.
func (c *CompositeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Status: StatusHealthy, Timestamp: start}

	var unhealthy, degraded []string
	for _, checker := range c.checkers {
		sub := runCheck(ctx, checker)
		switch sub.Status {
		case StatusUnhealthy:
			unhealthy = append(unhealthy, sub.Name)
		case StatusDegraded:
			degraded = append(degraded, sub.Name)
		}
	}
	result.Duration = time.Since(start)

	switch {
	case len(unhealthy) > 0:
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("unhealthy: %v", unhealthy)
	case len(degraded) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("degraded: %v", degraded)
	default:
		result.Message = fmt.Sprintf("%d checks passed", len(c.checkers))
	}
	return result
}
