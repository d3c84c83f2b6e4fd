package application

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bnema/hbci-go/internal/domain"
)

// JobFactory builds a fresh job for the handler's institute.
type JobFactory func(h *Handler) (*domain.Job, error)

type registration struct {
	lowlevel string
	build    JobFactory
}

// Registry maps job names to factories.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[string]registration{}}
}

// Register adds or replaces the factory for name. lowlevel names the
// institute operation the job maps to and defaults to name.
func (r *Registry) Register(name, lowlevel string, factory JobFactory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("register job: name is required")
	}
	if factory == nil {
		return fmt.Errorf("register job %s: factory is nil", name)
	}
	if lowlevel == "" {
		lowlevel = name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[name] = registration{lowlevel: lowlevel, build: factory}
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

func (r *Registry) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.jobs[name]
	return reg, ok
}

// DefaultRegistry holds the built-in jobs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, b := range builtinJobs {
		// Built-in names are constant and non-empty.
		_ = r.Register(b.name, b.lowlevel, b.factory)
	}
	return r
}
