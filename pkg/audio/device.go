package audio

import "errors"

// ErrDeviceClosed is returned by devices used after Close.
var ErrDeviceClosed = errors.New("audio device closed")

// CaptureFunc receives captured samples from the driver. It runs on the
// driver's own thread and must only hand the data off; returning false asks
// the device to stop delivering.
type CaptureFunc func(samples []byte, frameCount uint32) bool

// Source is a microphone.
type Source interface {
	// Start begins delivering samples to fn.
	Start(fn CaptureFunc) error
	// Stop halts delivery. It is safe to call more than once.
	Stop() error
	Close() error
}

// Sink is a speaker. Write blocks until the samples are accepted by the
// device buffer.
type Sink interface {
	Write(samples []byte) (int, error)
	Close() error
}

// Flusher is implemented by sinks that can discard audio they have already
// accepted but not yet played.
type Flusher interface {
	Flush() int
}
