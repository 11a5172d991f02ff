package capture

import "errors"

var (
	// ErrMisuse marks framework integration bugs: unpaired or re-entrant captures.
	ErrMisuse = errors.New("capture: misuse")
	// ErrNoCapture is returned by Raise when no capture is active on the flow.
	ErrNoCapture = errors.New("capture: no active capture")
)
