package jobqueue

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrUnknownHandler   = errors.New("unknown job handler")
	ErrDuplicateHandler = errors.New("duplicate job handler")
)

// Handler executes a Job in a worker process. Returning an error marks the Job
// as failed and ends the worker's chunk.
type Handler func(args []string) error

// Registry maps Job names to Handlers. Both the parent and every worker must
// build the same Registry, since workers only receive Job names.
type Registry struct {
	handlers map[string]Handler

	mu sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under name. Registering the same name twice returns
// ErrDuplicateHandler.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("handler name cannot be empty")
	}

	if h == nil {
		return fmt.Errorf("handler '%s' cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}

	r.handlers[name] = h

	return nil
}

// MustRegister is like Register but panics on error. It's intended for
// package-level setup where a duplicate name is a programming error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the Handler registered under name or ErrUnknownHandler.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	h, exists := r.handlers[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}

	return h, nil
}

// Invoke runs job with its registered Handler.
func (r *Registry) Invoke(job Job) error {
	h, err := r.Lookup(job.Name)
	if err != nil {
		return err
	}

	return h(job.Args)
}

// Names returns the registered Handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}
