// Package busmon tracks in-flight receive/consume operations and signals when
// the bus has been quiet for a debounce window.
package busmon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State of the monitor.
type State int

const (
	Active State = iota
	Idle
)

func (s State) String() string {
	if s == Idle {
		return "idle"
	}
	return "active"
}

// Monitor counts in-flight operations. The zero value is not usable; use New.
//
// The count is only changed through Begin and the done func it returns, so it
// cannot go negative. A single timer implements the debounce: it is armed when
// the count drops to zero and stopped by the next Begin.
type Monitor struct {
	debounce time.Duration
	count    atomic.Int64

	mu       sync.Mutex
	timer    *time.Timer
	armed    bool
	deadline time.Time
	idleCh   chan struct{}
	state    State
}

// New returns a monitor in the Active state; it becomes Idle once debounce
// elapses without any operation starting.
func New(debounce time.Duration) *Monitor {
	m := &Monitor{debounce: debounce}
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	return m
}

// Begin records the start of an operation. The returned func records its
// completion; calling it more than once has no further effect.
func (m *Monitor) Begin() (done func()) {
	if m.count.Add(1) == 1 {
		m.mu.Lock()
		m.activateLocked()
		m.mu.Unlock()
	}
	var once sync.Once
	return func() {
		once.Do(m.end)
	}
}

// Track runs fn as one operation.
func (m *Monitor) Track(fn func()) {
	done := m.Begin()
	defer done()
	fn()
}

func (m *Monitor) end() {
	if m.count.Add(-1) != 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// A Begin may have raced in after the decrement.
	if m.count.Load() == 0 {
		m.armLocked()
	}
}

// InFlight is the number of operations currently running.
func (m *Monitor) InFlight() int64 {
	return m.count.Load()
}

// State reports Active or Idle.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Idle returns a channel closed when the monitor next reaches Idle. The
// channel is already closed if the monitor is Idle now.
func (m *Monitor) Idle() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleCh
}

// WaitIdle blocks until the monitor is Idle or ctx is done. Any number of
// callers may wait concurrently.
func (m *Monitor) WaitIdle(ctx context.Context) error {
	for {
		ch := m.Idle()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		// An operation may have started between the close and our wakeup.
		if m.State() == Idle {
			return nil
		}
	}
}

// Reset returns the monitor to a fresh Active state with a new debounce window,
// for reuse across test runs or operational windows. Operations still in
// flight keep the monitor Active.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

// Stop releases the timer. A stopped monitor never becomes Idle until the next
// Reset or completed operation re-arms it.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmLocked()
}

func (m *Monitor) resetLocked() {
	m.state = Active
	m.idleCh = make(chan struct{})
	if m.count.Load() == 0 {
		m.armLocked()
		return
	}
	m.disarmLocked()
}

func (m *Monitor) activateLocked() {
	if m.state == Idle {
		m.state = Active
		m.idleCh = make(chan struct{})
	}
	if m.count.Load() == 0 {
		// The operation finished before we got the lock; restart the window.
		m.armLocked()
		return
	}
	m.disarmLocked()
}

func (m *Monitor) armLocked() {
	m.armed = true
	m.deadline = time.Now().Add(m.debounce)
	if m.timer == nil {
		m.timer = time.AfterFunc(m.debounce, m.fire)
		return
	}
	m.timer.Reset(m.debounce)
}

func (m *Monitor) disarmLocked() {
	m.armed = false
	if m.timer != nil {
		m.timer.Stop()
	}
}

func (m *Monitor) fire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.armed || m.count.Load() != 0 || m.state == Idle {
		return
	}
	// A callback scheduled before the latest re-arm fires early; the re-armed
	// timer will run again at the deadline.
	if time.Now().Before(m.deadline) {
		return
	}
	m.armed = false
	m.state = Idle
	close(m.idleCh)
}

// RegisterMetrics exposes the in-flight count as an observable gauge.
func (m *Monitor) RegisterMetrics(name string) error {
	meter := otel.Meter("github.com/md-rashed-zaman/eventrelay/libs/busmon")
	_, err := meter.Int64ObservableGauge(name+".in_flight",
		metric.WithDescription("in-flight bus receive/consume operations"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.InFlight())
			return nil
		}),
	)
	return err
}
