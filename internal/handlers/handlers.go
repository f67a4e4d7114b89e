// Package handlers maps handler names to handler functions. The registry is
// populated once at process start and consulted by the dispatcher for every
// claimed task; the name set is fixed by the planner and worker state
// machines.
package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentcore/planrunner/internal/store"
)

// Handler names, one per planner/worker state-machine step.
const (
	ExecuteInitialPlanning = "execute_initial_planning"
	ExecuteTaskCreation    = "execute_task_creation"
	ExecuteSynthesis       = "execute_synthesis"
	WorkerInitialisation   = "worker_initialisation"
	ExecuteStandardWorker  = "execute_standard_worker"
	ExecuteSQLWorker       = "execute_sql_worker"
)

// Handler executes one step of a planner's or worker's state machine. It
// returns by side-effect (store mutations, queue enqueues, notifier events);
// a returned error marks the TaskRecord FAILED.
type Handler func(ctx context.Context, task *store.TaskRecord) error

// Registry is the fixed name -> Handler mapping. Safe for concurrent use;
// in practice it is written once during wiring and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a named handler. Duplicate names are an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("handlers: invalid handler definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("handlers: %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler for name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
