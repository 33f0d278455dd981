package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ProgressEmitter reports pipeline progress for the job being executed
type ProgressEmitter interface {
	// Progress records n (0..100) and a message. A value below the current
	// progress is rejected and logged; the handler keeps running.
	Progress(n int, message string)
}

// JobHandler runs the pipeline for one job kind.
//
// Handlers decode their own payload from job.Payload. Failure is an error
// return: the worker records it as the job's error and never retries.
type JobHandler interface {
	// Execute runs the job and returns the output location on success.
	Execute(ctx context.Context, job *Job, emitter ProgressEmitter) (result string, err error)

	// Kind returns the job kind this handler serves (e.g. "short", "long").
	Kind() string
}

// HandlerFunc adapts a function to JobHandler
type HandlerFunc struct {
	JobKind string
	Fn      func(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error)
}

// Execute calls Fn
func (h HandlerFunc) Execute(ctx context.Context, job *Job, emitter ProgressEmitter) (string, error) {
	return h.Fn(ctx, job, emitter)
}

// Kind returns JobKind
func (h HandlerFunc) Kind() string { return h.JobKind }

// HandlerRegistry manages job handlers by kind.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler under its kind.
// Panics if a handler is already registered for that kind.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := handler.Kind()
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("handler already registered for kind: %s", kind))
	}
	r.handlers[kind] = handler
}

// Get retrieves the handler for a kind, or nil.
func (r *HandlerRegistry) Get(kind string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// Has checks if a handler is registered for a kind.
func (r *HandlerRegistry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[kind]
	return exists
}

// Kinds returns all registered kinds, sorted.
func (r *HandlerRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
