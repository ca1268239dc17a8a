package core

import (
	"context"
	"sort"
	"sync"
)

// Handler performs the work for one task type. Implementations must be safe
// to call concurrently for different tasks.
type Handler interface {
	Handle(ctx context.Context, exec *Execution) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, exec *Execution) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, exec *Execution) (any, error) {
	return f(ctx, exec)
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates taskType with h. A later call for the same type
// replaces the earlier handler.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Resolve returns the handler for taskType.
func (r *Registry) Resolve(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
