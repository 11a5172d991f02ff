package pipeline

import (
	"fmt"
	"sync"
)

// Registry maps step names to element factories. Populate it at startup and
// build pipelines from configured name lists.
type Registry[In, Out any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[Element[In, Out]]
}

func NewRegistry[In, Out any]() *Registry[In, Out] {
	return &Registry[In, Out]{factories: map[string]Factory[Element[In, Out]]{}}
}

// Register binds name to f. Registering a name twice panics.
func (r *Registry[In, Out]) Register(name string, f Factory[Element[In, Out]]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		panic(fmt.Sprintf("pipeline: step %q registered twice", name))
	}
	r.factories[name] = f
}

// Build assembles the named elements in order followed by finalizer.
func (r *Registry[In, Out]) Build(names []string, finalizer Factory[Finalizer[In, Out]]) (*Pipeline[In, Out], error) {
	r.mu.RLock()
	steps := make([]step[Element[In, Out]], 0, len(names))
	for _, name := range names {
		f, ok := r.factories[name]
		if !ok {
			r.mu.RUnlock()
			return nil, &ConfigError{Step: name, Err: ErrUnknownStep}
		}
		steps = append(steps, step[Element[In, Out]]{name: name, factory: f})
	}
	r.mu.RUnlock()
	return build(steps, step[Finalizer[In, Out]]{name: "finalizer", factory: finalizer})
}
