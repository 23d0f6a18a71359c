package engine

import (
	"context"
	"fmt"
)

// Handler adapts one ResourceKind to the cloud provider. Implementations
// translate provider SDK errors into classified engine errors; in particular
// Describe must report absence as (nil, nil), never as an error.
type Handler interface {
	// Kind returns the resource kind this handler manages.
	Kind() ResourceKind

	// Describe fetches the observed state by deterministic name.
	// Returns (nil, nil) when the resource does not exist.
	Describe(ctx context.Context, name string) (*ObservedState, error)

	// Create provisions the resource and returns its provider-issued ID.
	// An already-exists failure must carry ErrorClassAlreadyExists so the
	// provisioner can adopt.
	Create(ctx context.Context, desired DesiredState) (string, error)

	// Update applies mutable-field drift in place.
	Update(ctx context.Context, desired DesiredState, observed ObservedState) error

	// Delete removes the resource. Absence is not an error.
	Delete(ctx context.Context, name string) error

	// List enumerates every resource of this kind whose name starts with
	// the project prefix, whether or not the descriptor knows about it.
	List(ctx context.Context, prefix string) ([]ObservedState, error)
}

// Drainer is implemented by handlers whose resources must shed capacity
// before dependents can be deleted (the scaling group zeroes its instance
// counts before the load balancer goes away).
type Drainer interface {
	// Drain requests the resource release its capacity. It returns once the
	// request is accepted; the executor polls Describe for completion.
	Drain(ctx context.Context, name string) error
}

// Registry maps resource kinds to their handlers.
type Registry struct {
	handlers map[ResourceKind]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[ResourceKind]Handler)}
}

// Register adds a handler; one handler per kind.
func (r *Registry) Register(h Handler) error {
	kind := h.Kind()
	if err := kind.Validate(); err != nil {
		return err
	}
	if _, dup := r.handlers[kind]; dup {
		return NewConflictError(fmt.Sprintf("handler already registered for %s", kind), nil)
	}
	r.handlers[kind] = h
	return nil
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind ResourceKind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("no handler for kind %s", kind), nil)
	}
	return h, nil
}
