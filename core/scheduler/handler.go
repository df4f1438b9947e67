package scheduler

import (
	"context"
	"sync"

	kerrors "kestrel/core/errors"
)

// Run is what a Handler sees of the process it executes.
type Run struct {
	ID      string
	Type    string
	Name    string
	Payload interface{}
	Attempt int // 1-based
}

// Handler processes a specific type of process. The context is cancelled when
// the process times out or is cancelled; handlers that poll it stop early,
// others keep running and their result is discarded.
type Handler interface {
	Handle(ctx context.Context, run Run) (interface{}, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, run Run) (interface{}, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, run Run) (interface{}, error) {
	return f(ctx, run)
}

// HandlerRegistry maps process types to handlers.
type HandlerRegistry interface {
	// RegisterHandler registers a handler for a process type.
	// If a handler for the given type already exists, it returns an error.
	RegisterHandler(processType string, handler Handler) error

	// GetHandler retrieves the handler for a given process type.
	// Returns nil if no handler is registered for the type.
	GetHandler(processType string) Handler
}

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry returns an empty, concurrency-safe HandlerRegistry.
func NewHandlerRegistry() HandlerRegistry {
	return &handlerRegistry{handlers: make(map[string]Handler)}
}

func (r *handlerRegistry) RegisterHandler(processType string, handler Handler) error {
	if processType == "" || handler == nil {
		return kerrors.Validation(kerrors.ErrInvalidInput, "process type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[processType]; exists {
		return kerrors.Validation(kerrors.ErrAlreadyRegistered, "handler already registered for process type %q", processType)
	}
	r.handlers[processType] = handler
	return nil
}

func (r *handlerRegistry) GetHandler(processType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[processType]
}
