package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hatchq/hatchq/internal/domain"
)

// Handler executes one job type. Each handler owns the decode of its own
// input payload; there is exactly one decode path per type.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps the job type discriminator to its handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}
