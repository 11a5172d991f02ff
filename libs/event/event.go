// Package event defines the domain event record raised by business logic and
// the registry used to decode event payloads by type name.
package event

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable domain event. Payload is serialized when the event is
// written to the outbox.
type Event struct {
	ID         uuid.UUID
	OccurredAt time.Time
	Type       string
	Payload    any
}

// New stamps a fresh id and occurrence time.
func New(eventType string, payload any) Event {
	return Event{
		ID:         uuid.New(),
		OccurredAt: time.Now().UTC(),
		Type:       eventType,
		Payload:    payload,
	}
}

// Registry maps event type names to payload factories. It is populated once at
// startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]func() any{}}
}

// Register binds eventType to a factory returning a pointer to decode into.
// Registering the same type twice is an integration bug and panics.
func (r *Registry) Register(eventType string, factory func() any) {
	if eventType == "" || factory == nil {
		panic("event: empty type or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[eventType]; ok {
		panic(fmt.Sprintf("event: type %q registered twice", eventType))
	}
	r.factories[eventType] = factory
}

// Known reports whether eventType has a registered factory.
func (r *Registry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[eventType]
	return ok
}

// Decode unmarshals a JSON payload into a fresh instance for eventType.
func (r *Registry) Decode(eventType string, payload []byte) (any, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, eventType)
	}
	v := factory()
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return v, nil
}
