package event

import "errors"

var ErrUnknownType = errors.New("event: unknown type")
