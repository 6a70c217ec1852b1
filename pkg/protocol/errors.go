package protocol

import "errors"

// ErrMalformedEvent is returned when a frame cannot be encoded or decoded.
var ErrMalformedEvent = errors.New("malformed protocol event")
