package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Resolver turns a persisted handler name into a fresh Job instance.
type Resolver interface {
	Resolve(name string) (Job, error)
}

// Factory builds a new instance of a job.
type Factory func() Job

// Registry is the in-process Resolver. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a job factory under the name its instances report. Invalid
// rate limit configuration is rejected here rather than at execution time.
func (r *Registry) Register(factory Factory) error {
	if r == nil {
		return errors.New("registry is not initialized")
	}
	if factory == nil {
		return jobsError(ErrInvalidArgument, "factory is required")
	}
	prototype := factory()
	if prototype == nil {
		return jobsError(ErrInvalidArgument, "factory returned nil job")
	}
	name := strings.TrimSpace(prototype.Name())
	if name == "" {
		return jobsError(ErrValidation, "job name is required")
	}
	if limit := jobRateLimit(prototype); limit != nil {
		if _, err := limit.Window(); err != nil {
			return fmt.Errorf("job %q: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: job %q already registered", ErrConflict, name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register that panics, for static wiring in main packages.
func (r *Registry) MustRegister(factories ...Factory) {
	for _, factory := range factories {
		if err := r.Register(factory); err != nil {
			panic(err)
		}
	}
}

// Resolve implements Resolver.
func (r *Registry) Resolve(name string) (Job, error) {
	if r == nil {
		return nil, jobsError(ErrNotInitialized, "registry is not initialized")
	}
	r.mu.RLock()
	factory, ok := r.factories[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no job registered as %q", ErrNotFound, name)
	}
	job := factory()
	if job == nil {
		return nil, fmt.Errorf("%w: factory for %q returned nil", ErrNotInitialized, name)
	}
	return job, nil
}

// Names returns registered job names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
