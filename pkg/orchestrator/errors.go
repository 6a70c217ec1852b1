package orchestrator

import "errors"

var (
	// ErrConnection is returned when the duplex stream cannot be opened or
	// is lost. It ends the session.
	ErrConnection = errors.New("duplex stream connection failed")

	// ErrProtocol covers framing that could not be sent, or inbound events
	// that were malformed or out of order. Inbound protocol errors are
	// logged and skipped.
	ErrProtocol = errors.New("protocol framing error")

	// ErrToolExecution marks a tool that failed; the failure is reported to
	// the model as a result, never returned to the caller.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrDevice is an audio hardware failure. It stops the affected pipeline
	// goroutine only.
	ErrDevice = errors.New("audio device failure")

	ErrNotActive          = errors.New("session is not active")
	ErrAlreadyInitialized = errors.New("engine already initialized")
	ErrToolsLocked        = errors.New("tools cannot be registered after the prompt has started")
)
