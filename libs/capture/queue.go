package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/md-rashed-zaman/eventrelay/libs/event"
)

// Queue is a durable capture: events accumulate across any number of calls
// made with the bound context until Swap drains them. A unit of work binds one
// queue and swaps it at commit time.
type Queue struct {
	mu     sync.Mutex
	events []event.Event
	closed bool
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) record(e event.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, e)
	return true
}

func (q *Queue) active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

// Swap returns the queued events in raise order and replaces them with an
// empty queue.
func (q *Queue) Swap() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Len is the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops the queue from accepting events and discards what it holds.
// Raises on a closed queue behave as if no capture were active.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.events = nil
}

// WithQueue binds q as the active capture for the returned context.
func WithQueue(ctx context.Context, q *Queue) (context.Context, error) {
	if q == nil {
		return ctx, fmt.Errorf("%w: nil queue", ErrMisuse)
	}
	if current(ctx) != nil {
		return ctx, fmt.Errorf("%w: capture already active on this flow", ErrMisuse)
	}
	return context.WithValue(ctx, ctxKey{}, binding{sink: q}), nil
}
