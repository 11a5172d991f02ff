package pipeline

import (
	"errors"
	"sync"
)

// Scope is the resolution scope of one run. Values set on it are visible to
// every step of the run; closers registered with OnClose run in reverse order
// when the run completes.
type Scope struct {
	probe bool

	mu      sync.Mutex
	values  map[any]any
	closers []func() error
	closed  bool
}

func newScope(probe bool) *Scope {
	return &Scope{probe: probe, values: map[any]any{}}
}

// Probe reports whether the scope only exists to validate the chain at build
// time. Factories must not acquire external resources when it is true.
func (s *Scope) Probe() bool {
	return s.probe
}

func (s *Scope) Set(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *Scope) Get(key any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// OnClose registers fn to release a per-run resource.
func (s *Scope) OnClose(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closers = append(s.closers, fn)
}

func (s *Scope) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.values = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
