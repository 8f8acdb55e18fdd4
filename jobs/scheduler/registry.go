package scheduler

import (
	"fmt"
	"sync"
)

// TaskRegistry resolves task names to executable tasks. API-created jobs
// reference work by registered name rather than carrying code, so the
// registry is the boundary between transport and execution.
// Thread-safe for concurrent registration and lookup.
type TaskRegistry struct {
	tasks map[string]Task
	mu    sync.RWMutex
}

// NewTaskRegistry creates an empty task registry
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		tasks: make(map[string]Task),
	}
}

// Register adds a task under a name.
// Panics if a task is already registered with that name.
func (r *TaskRegistry) Register(name string, task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		panic(fmt.Sprintf("task already registered for name: %s", name))
	}
	r.tasks[name] = task
}

// Get retrieves the task for a name.
// Returns nil if no task is registered.
func (r *TaskRegistry) Get(name string) Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks[name]
}

// Has checks if a task is registered for a name.
func (r *TaskRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tasks[name]
	return exists
}

// Names returns all registered task names.
func (r *TaskRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}
