package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/lokutor-ai/lokutor-live/pkg/audio"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// Stream is one duplex connection to the remote model. Send may be called
// from several goroutines but the engine serializes its own calls; Receive
// is only ever called by the dispatcher goroutine. Receive must return
// promptly once ctx is done, and wrap undecodable frames in
// protocol.ErrMalformedEvent so the dispatcher can skip them.
type Stream interface {
	Send(ctx context.Context, ev protocol.Event) error
	Receive(ctx context.Context) (protocol.Event, error)
	Close() error
}

// Dialer opens a Stream. Reconnecting is the caller's business: a dropped
// stream ends the engine.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

type DialerFunc func(ctx context.Context) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context) (Stream, error) { return f(ctx) }

// State is the lifecycle position of the session.
type State int

const (
	StateUninitialized State = iota
	StateStreamOpen
	StateSessionStarted
	StatePromptStarted
	StateIdle
	StateContentOpen
	StatePromptEnded
	StateSessionEnded
	StateClosed
)

var stateNames = [...]string{
	"UNINITIALIZED",
	"STREAM_OPEN",
	"SESSION_STARTED",
	"PROMPT_STARTED",
	"IDLE",
	"CONTENT_OPEN",
	"PROMPT_ENDED",
	"SESSION_ENDED",
	"CLOSED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type EventType string

const (
	// TranscriptEvent carries a Transcript.
	TranscriptEvent EventType = "TRANSCRIPT"
	// BargeIn is emitted when the remote side reports the user talking over
	// the assistant.
	BargeIn EventType = "BARGE_IN"
	// ToolCompleted carries the tools.Result sent back to the model.
	ToolCompleted EventType = "TOOL_COMPLETED"
	// ErrorEvent carries an error message; the session may still be usable.
	ErrorEvent EventType = "ERROR"
	// SessionClosed is the last event before the channel is closed.
	SessionClosed EventType = "SESSION_CLOSED"
)

type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}

// Transcript is text produced by the remote side for either speaker.
// Provisional text belongs to a speculative block and may be superseded.
type Transcript struct {
	ContentID   string        `json:"content_id"`
	Role        protocol.Role `json:"role"`
	Text        string        `json:"text"`
	Provisional bool          `json:"provisional"`
}

// DefaultInterruptPattern matches the barge-in marker embedded in assistant
// text output, e.g. `{ "interrupted" : true }`.
const DefaultInterruptPattern = `\{\s*"interrupted"\s*:\s*true\s*\}`

type Config struct {
	SystemPrompt string
	VoiceID      string
	InputFormat  audio.Format
	OutputFormat audio.Format

	MaxTokens   int
	TopP        float64
	Temperature float64

	InterruptPattern string

	CaptureQueueSize  int
	PlaybackQueueSize int
	EventBufferSize   int

	// PlaybackPollInterval bounds how long the playback goroutine waits for
	// audio before re-checking for barge-in.
	PlaybackPollInterval time.Duration
	PlaybackWriteSize    int
	PlaybackYield        time.Duration

	// CloseTimeout bounds each wait during Close.
	CloseTimeout time.Duration

	MaxContextMessages int
}

func DefaultConfig() Config {
	return Config{
		SystemPrompt:         "You are a friendly assistant. Keep your responses short, generally two or three sentences for chatty scenarios.",
		VoiceID:              "matthew",
		InputFormat:          audio.DefaultInputFormat,
		OutputFormat:         audio.DefaultOutputFormat,
		MaxTokens:            1024,
		TopP:                 0.9,
		Temperature:          0.7,
		InterruptPattern:     DefaultInterruptPattern,
		CaptureQueueSize:     256,
		PlaybackQueueSize:    512,
		EventBufferSize:      256,
		PlaybackPollInterval: 100 * time.Millisecond,
		PlaybackWriteSize:    1024,
		PlaybackYield:        time.Millisecond,
		CloseTimeout:         2 * time.Second,
		MaxContextMessages:   20,
	}
}

// Validate fills zero values from DefaultConfig and checks the rest.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.InputFormat == (audio.Format{}) {
		c.InputFormat = d.InputFormat
	}
	if c.OutputFormat == (audio.Format{}) {
		c.OutputFormat = d.OutputFormat
	}
	if c.InterruptPattern == "" {
		c.InterruptPattern = d.InterruptPattern
	}
	if c.CaptureQueueSize <= 0 {
		c.CaptureQueueSize = d.CaptureQueueSize
	}
	if c.PlaybackQueueSize <= 0 {
		c.PlaybackQueueSize = d.PlaybackQueueSize
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	if c.PlaybackPollInterval <= 0 {
		c.PlaybackPollInterval = d.PlaybackPollInterval
	}
	if c.PlaybackWriteSize <= 0 {
		c.PlaybackWriteSize = d.PlaybackWriteSize
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.MaxContextMessages <= 0 {
		c.MaxContextMessages = d.MaxContextMessages
	}

	if c.PlaybackWriteSize%2 != 0 {
		return fmt.Errorf("playback write size must be a whole number of 16-bit samples, got %d", c.PlaybackWriteSize)
	}
	if c.InputFormat.BitsPerSample != 16 || c.OutputFormat.BitsPerSample != 16 {
		return fmt.Errorf("only 16-bit PCM is supported")
	}
	if _, err := regexp.Compile(c.InterruptPattern); err != nil {
		return fmt.Errorf("interrupt pattern: %w", err)
	}
	return nil
}
