// Package health aggregates liveness and readiness checks for the job
// backends a worker process depends on.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status represents the health status of a check.
type Status string

const (
	// StatusHealthy indicates the backend is fully operational.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the backend answers but slowly.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the backend cannot serve jobs.
	StatusUnhealthy Status = "unhealthy"
)

// ErrDuplicateCheck is returned when a checker name is registered twice.
var ErrDuplicateCheck = errors.New("health check already registered")

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker performs a health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc wraps fn as a named checker.
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

// Name returns the checker name.
func (f *CheckerFunc) Name() string { return f.name }

// Check runs the wrapped function and fills in the name when missing.
func (f *CheckerFunc) Check(ctx context.Context) CheckResult {
	result := f.fn(ctx)
	if result.Name == "" {
		result.Name = f.name
	}
	return result
}

// Registry holds the checks of a process.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker. Names must be unique.
func (r *Registry) Register(checker Checker) error {
	if checker == nil {
		return errors.New("health checker is nil")
	}
	name := strings.TrimSpace(checker.Name())
	if name == "" {
		return errors.New("health checker name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checkers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCheck, name)
	}
	r.checkers[name] = checker
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(checker Checker) {
	if err := r.Register(checker); err != nil {
		panic(err)
	}
}

// Unregister removes a checker by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names returns the registered checker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every registered checker concurrently. Results are sorted by
// name.
func (r *Registry) Check(ctx context.Context) AggregatedResult {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, checker := range r.checkers {
		checkers = append(checkers, checker)
	}
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			results[i] = runCheck(ctx, checker)
		}(i, checker)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return aggregate(results)
}

// CheckOne runs a single checker by name.
func (r *Registry) CheckOne(ctx context.Context, name string) (CheckResult, bool) {
	r.mu.RLock()
	checker, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}
	return runCheck(ctx, checker), true
}

func runCheck(ctx context.Context, checker Checker) (result CheckResult) {
	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			result = CheckResult{
				Name:      checker.Name(),
				Status:    StatusUnhealthy,
				Error:     fmt.Sprintf("check panicked: %v", recovered),
				Duration:  time.Since(start),
				Timestamp: time.Now(),
			}
		}
	}()
	result = checker.Check(ctx)
	if result.Name == "" {
		result.Name = checker.Name()
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	return result
}

// AggregatedResult is the combined outcome of every check.
type AggregatedResult struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

func aggregate(results []CheckResult) AggregatedResult {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return AggregatedResult{Status: overall, Checks: results, Timestamp: time.Now()}
}

// IsHealthy reports whether no check is unhealthy. Degraded backends still
// serve jobs.
func (a AggregatedResult) IsHealthy() bool {
	return a.Status != StatusUnhealthy
}

// Failed returns the checks that are not healthy.
func (a AggregatedResult) Failed() []CheckResult {
	var failed []CheckResult
	for _, result := range a.Checks {
		if result.Status != StatusHealthy {
			failed = append(failed, result)
		}
	}
	return failed
}
