package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrNilFactory  = errors.New("nil factory")
	ErrNilStep     = errors.New("factory produced nil step")
	ErrUnknownStep = errors.New("unknown step")
	ErrPanic       = errors.New("pipeline: step panicked")
)

// ConfigError reports a step that cannot be resolved. It is returned when the
// pipeline is built, so misconfiguration fails startup.
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeline: configure %s: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
