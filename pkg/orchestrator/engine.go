// Package orchestrator runs one bidirectional multimodal session: it frames
// outbound text, audio and tool results, dispatches inbound events, and
// drives microphone capture and speaker playback concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-live/pkg/audio"
	"github.com/lokutor-ai/lokutor-live/pkg/observability"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
	"github.com/lokutor-ai/lokutor-live/pkg/tools"
)

type Option func(*Engine)

func WithLogger(l Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTools replaces the engine's tool registry.
func WithTools(r *tools.Registry) Option {
	return func(e *Engine) {
		if r != nil {
			e.tools = r
		}
	}
}

// WithAudioSource attaches a capture device. Without one the caller feeds
// audio through AddAudioChunk.
func WithAudioSource(s audio.Source) Option {
	return func(e *Engine) { e.source = s }
}

// WithAudioSink attaches a playback device. Without one inbound audio is
// discarded.
func WithAudioSink(s audio.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithEchoGate mutes likely speaker echo in captured audio.
func WithEchoGate(g *audio.EchoGate) Option {
	return func(e *Engine) { e.echo = g }
}

// Engine owns one session on one duplex stream. It is not reusable: after
// Close a new Engine is needed.
type Engine struct {
	dialer  Dialer
	config  Config
	logger  Logger
	metrics *observability.Metrics
	tools   *tools.Registry
	source  audio.Source
	sink    audio.Sink
	echo    *audio.EchoGate

	sessionID string
	promptID  string

	blocks      *ContentRegistry
	interrupter *InterruptController
	capture     *audio.Queue
	playback    *audio.Queue

	mu      sync.Mutex
	state   State
	stream  Stream
	closed  bool
	active  atomic.Bool
	closing atomic.Bool
	sendMu  sync.Mutex

	// live audio input, guarded by audioMu
	audioMu      sync.Mutex
	audioID      string
	captureStop  chan struct{}
	captureDone  chan struct{}
	audioOpen    atomic.Bool
	lastUserTurn atomic.Int64
	orphanChunks atomic.Int64
	orphanLogged atomic.Int64

	runCtx        context.Context
	runCancel     context.CancelFunc
	captureCtx    context.Context
	captureCancel context.CancelFunc

	playbackFailed atomic.Bool

	// set by Initialize under mu
	playCancel     context.CancelFunc
	dispatchCancel context.CancelFunc
	playDone       chan struct{}
	dispatchDone   chan struct{}

	// owned by the dispatcher goroutine
	pendingTools   map[string]tools.Invocation
	lastToolKey    string
	completedTools map[string]struct{}

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool
}

// New builds an engine. Nothing touches the network until Initialize.
func New(dialer Dialer, config Config, opts ...Option) (*Engine, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	interrupter, err := NewInterruptController(config.InterruptPattern)
	if err != nil {
		return nil, fmt.Errorf("interrupt pattern: %w", err)
	}

	e := &Engine{
		dialer:         dialer,
		config:         config,
		logger:         &NoOpLogger{},
		tools:          tools.NewRegistry(),
		sessionID:      uuid.NewString(),
		promptID:       uuid.NewString(),
		blocks:         NewContentRegistry(),
		interrupter:    interrupter,
		capture:        audio.NewQueue(config.CaptureQueueSize),
		playback:       audio.NewQueue(config.PlaybackQueueSize),
		pendingTools:   make(map[string]tools.Invocation),
		completedTools: make(map[string]struct{}),
		events:         make(chan Event, config.EventBufferSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observability.NewMetrics("lokutor_live")
	}
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	return e, nil
}

// RegisterTool adds a tool offered to the model. Tools are announced in
// promptStart, so registration is closed once Initialize runs.
func (e *Engine) RegisterTool(t tools.Tool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateUninitialized || e.closed {
		return ErrToolsLocked
	}
	return e.tools.Register(t)
}

// Initialize opens the stream, sends the session and prompt framing plus the
// system prompt, and starts the dispatcher and playback goroutines. A dial
// failure returns ErrConnection; a framing failure returns ErrProtocol. In
// both cases the engine ends up closed.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateUninitialized || e.closed {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	e.state = StateStreamOpen
	e.mu.Unlock()

	e.logger.Info("opening duplex stream", "sessionID", e.sessionID)
	stream, err := e.dialer.Dial(ctx)
	if err != nil {
		e.abort()
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	// the dispatcher starts before any framing so responses are never missed
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = stream.Close()
		return ErrNotActive
	}
	e.stream = stream
	e.active.Store(true)
	dispatchCtx, dispatchCancel := context.WithCancel(e.runCtx)
	dispatchDone := make(chan struct{})
	e.dispatchCancel, e.dispatchDone = dispatchCancel, dispatchDone
	go e.dispatchLoop(dispatchCtx, stream, dispatchDone)
	e.mu.Unlock()

	if err := e.startSession(ctx); err != nil {
		e.logger.Error("session framing failed", "sessionID", e.sessionID, "error", err)
		e.active.Store(false)
		dispatchCancel()
		_ = stream.Close()
		<-dispatchDone
		e.abort()
		return err
	}

	if e.sink != nil {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrNotActive
		}
		playCtx, playCancel := context.WithCancel(e.runCtx)
		playDone := make(chan struct{})
		e.playCancel, e.playDone = playCancel, playDone
		go e.playbackLoop(playCtx, playDone)
		e.mu.Unlock()
	}

	e.logger.Info("session started", "sessionID", e.sessionID, "promptID", e.promptID, "tools", len(e.tools.Names()))
	return nil
}

func (e *Engine) startSession(ctx context.Context) error {
	start := protocol.Event{SessionStart: &protocol.SessionStart{
		InferenceConfiguration: protocol.InferenceConfiguration{
			MaxTokens:   e.config.MaxTokens,
			TopP:        e.config.TopP,
			Temperature: e.config.Temperature,
		},
	}}
	if err := e.write(ctx, start); err != nil {
		return fmt.Errorf("%w: sessionStart: %v", ErrProtocol, err)
	}
	e.setState(StateSessionStarted)

	if err := e.write(ctx, e.promptStartEvent()); err != nil {
		return fmt.Errorf("%w: promptStart: %v", ErrProtocol, err)
	}
	e.setState(StatePromptStarted)

	if err := e.sendText(ctx, e.config.SystemPrompt, protocol.RoleSystem); err != nil {
		return err
	}
	return nil
}

func (e *Engine) promptStartEvent() protocol.Event {
	out := e.config.OutputFormat
	ps := &protocol.PromptStart{
		PromptName:              e.promptID,
		TextOutputConfiguration: protocol.TextConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: protocol.AudioConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: out.SampleRate,
			SampleSizeBits:  out.BitsPerSample,
			ChannelCount:    out.Channels,
			VoiceID:         e.config.VoiceID,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}
	if specs := e.tools.Specs(); len(specs) > 0 {
		ps.ToolUseOutputConfiguration = &protocol.TextConfiguration{MediaType: "application/json"}
		ps.ToolConfiguration = &protocol.ToolConfiguration{}
		for _, s := range specs {
			ps.ToolConfiguration.Tools = append(ps.ToolConfiguration.Tools, protocol.ToolWrapper{ToolSpec: s})
		}
	}
	return protocol.Event{PromptStart: ps}
}

// SendText sends one complete text block with the given role. It returns
// ErrNotActive outside the prompt.
func (e *Engine) SendText(ctx context.Context, text string, role protocol.Role) error {
	if !e.canSend() {
		return ErrNotActive
	}
	if role == "" {
		role = protocol.RoleUser
	}
	if role == protocol.RoleUser {
		e.markUserTurn()
	}
	return e.sendText(ctx, text, role)
}

func (e *Engine) sendText(ctx context.Context, text string, role protocol.Role) error {
	id := uuid.NewString()
	start := &protocol.ContentStart{
		PromptName:             e.promptID,
		ContentName:            id,
		Type:                   protocol.ContentText,
		Role:                   role,
		Interactive:            role != protocol.RoleSystem,
		TextInputConfiguration: &protocol.TextConfiguration{MediaType: "text/plain"},
	}
	if err := e.openBlock(ctx, start); err != nil {
		return err
	}
	payload := protocol.Event{TextInput: &protocol.TextInput{PromptName: e.promptID, ContentName: id, Content: text}}
	err := e.write(ctx, payload)
	if err != nil {
		err = fmt.Errorf("%w: textInput: %v", ErrProtocol, err)
	}
	if cerr := e.closeBlock(ctx, id, protocol.ContentText); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// StartAudioInput opens the live audio block and starts the capture
// goroutine. Calling it while a block is already open is a no-op.
func (e *Engine) StartAudioInput(ctx context.Context) error {
	e.audioMu.Lock()
	defer e.audioMu.Unlock()

	if e.audioOpen.Load() {
		return nil
	}
	if !e.canSend() {
		return ErrNotActive
	}

	in := e.config.InputFormat
	id := uuid.NewString()
	start := &protocol.ContentStart{
		PromptName:  e.promptID,
		ContentName: id,
		Type:        protocol.ContentAudio,
		Role:        protocol.RoleUser,
		Interactive: true,
		AudioInputConfiguration: &protocol.AudioConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: in.SampleRate,
			SampleSizeBits:  in.BitsPerSample,
			ChannelCount:    in.Channels,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}
	if err := e.openBlock(ctx, start); err != nil {
		return err
	}

	if n := e.capture.Drain(); n > 0 {
		e.logger.Debug("discarded stale capture audio", "sessionID", e.sessionID, "chunks", n)
	}
	e.audioID = id
	e.captureStop = make(chan struct{})
	e.captureDone = make(chan struct{})
	e.captureCtx, e.captureCancel = context.WithCancel(e.runCtx)
	go e.captureLoop(e.captureCtx, id, e.captureStop, e.captureDone)
	e.audioOpen.Store(true)

	if e.source != nil {
		if err := e.source.Start(e.onCapture); err != nil {
			err = fmt.Errorf("%w: start capture: %v", ErrDevice, err)
			e.logger.Error("microphone unavailable", "sessionID", e.sessionID, "error", err)
			e.emit(ErrorEvent, err.Error())
		}
	}
	e.logger.Debug("audio input started", "sessionID", e.sessionID, "contentName", id)
	return nil
}

// AddAudioChunk queues captured PCM for sending. It never blocks: without an
// open audio block the chunk is dropped, and a full queue evicts its oldest
// chunk.
func (e *Engine) AddAudioChunk(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	data := make([]byte, len(pcm))
	copy(data, pcm)
	e.enqueueCapture(data)
}

func (e *Engine) onCapture(samples []byte, _ uint32) bool {
	e.metrics.MicLevel.Set(audio.RMS(samples))
	if e.echo != nil {
		samples = e.echo.Filter(samples)
	}
	e.enqueueCapture(samples)
	return e.audioOpen.Load()
}

func (e *Engine) enqueueCapture(data []byte) {
	if !e.audioOpen.Load() {
		e.noteOrphanChunk()
		return
	}
	if e.capture.Push(audio.Chunk{Data: data, Direction: audio.Capture}) {
		e.metrics.CaptureDropped.Inc()
	}
}

// noteOrphanChunk counts audio arriving without an open audio block and logs
// it at most once per second, since it may run on the driver thread.
func (e *Engine) noteOrphanChunk() {
	e.orphanChunks.Add(1)
	now := time.Now().UnixNano()
	last := e.orphanLogged.Load()
	if now-last < int64(time.Second) || !e.orphanLogged.CompareAndSwap(last, now) {
		return
	}
	e.logger.Debug("dropping audio chunk without an open audio block", "sessionID", e.sessionID, "chunks", e.orphanChunks.Swap(0))
}

// EndAudioInput stops capture, sends whatever is still queued, and closes
// the live audio block.
func (e *Engine) EndAudioInput(ctx context.Context) error {
	if e.closing.Load() {
		return ErrNotActive
	}
	return e.endAudioInput(ctx)
}

func (e *Engine) endAudioInput(ctx context.Context) error {
	e.audioMu.Lock()
	defer e.audioMu.Unlock()

	if !e.audioOpen.Load() {
		return nil
	}
	e.audioOpen.Store(false)
	e.markUserTurn()

	if e.source != nil {
		if err := e.source.Stop(); err != nil {
			e.logger.Warn("failed to stop microphone", "sessionID", e.sessionID, "error", err)
		}
	}
	close(e.captureStop)
	<-e.captureDone
	e.captureCancel()

	id := e.audioID
	e.audioID = ""
	if !e.active.Load() {
		_, _ = e.blocks.Close(id)
		e.refreshContentState()
		return ErrNotActive
	}
	return e.closeBlock(ctx, id, protocol.ContentAudio)
}

// Close ends the prompt and session, stops every goroutine, releases the
// audio devices and closes the stream. It is safe to call more than once and
// from any state.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	state := e.state
	stream := e.stream
	playCancel, playDone := e.playCancel, e.playDone
	dispatchCancel, dispatchDone := e.dispatchCancel, e.dispatchDone
	e.mu.Unlock()
	e.closing.Store(true)

	if state == StateUninitialized {
		e.abort()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.CloseTimeout)
	defer cancel()

	if e.active.Load() {
		if err := e.endAudioInput(ctx); err != nil && !errors.Is(err, ErrNotActive) {
			e.logger.Warn("failed to close audio input", "sessionID", e.sessionID, "error", err)
		}
		if err := e.write(ctx, protocol.Event{PromptEnd: &protocol.PromptEnd{PromptName: e.promptID}}); err != nil {
			e.logger.Warn("failed to send promptEnd", "sessionID", e.sessionID, "error", err)
		} else {
			e.setState(StatePromptEnded)
		}
		if err := e.write(ctx, protocol.Event{SessionEnd: &protocol.SessionEnd{}}); err != nil {
			e.logger.Warn("failed to send sessionEnd", "sessionID", e.sessionID, "error", err)
		} else {
			e.setState(StateSessionEnded)
		}
	}
	e.active.Store(false)

	// capture first, then playback, then the dispatcher
	e.audioMu.Lock()
	if e.captureCancel != nil {
		e.captureCancel()
	}
	e.audioMu.Unlock()

	sinkClosed := false
	if playCancel != nil {
		playCancel()
		if !waitDone(playDone, e.config.CloseTimeout) && e.sink != nil {
			// a device write is stuck; closing the sink unblocks it
			_ = e.sink.Close()
			sinkClosed = true
			if !waitDone(playDone, e.config.CloseTimeout) {
				e.logger.Warn("playback did not stop", "sessionID", e.sessionID)
			}
		}
	}

	if dispatchCancel != nil {
		dispatchCancel()
		waitDone(dispatchDone, e.config.CloseTimeout)
	}

	if e.source != nil {
		if err := e.source.Close(); err != nil {
			e.logger.Warn("failed to release microphone", "sessionID", e.sessionID, "error", err)
		}
	}
	if e.sink != nil && !sinkClosed {
		if err := e.sink.Close(); err != nil {
			e.logger.Warn("failed to release speaker", "sessionID", e.sessionID, "error", err)
		}
	}

	var err error
	if stream != nil {
		if cerr := stream.Close(); cerr != nil {
			err = fmt.Errorf("%w: close stream: %v", ErrConnection, cerr)
		}
	}
	if !waitDone(dispatchDone, e.config.CloseTimeout) {
		// a tool handler ignoring cancellation keeps the dispatcher busy
		e.logger.Warn("dispatcher did not stop", "sessionID", e.sessionID)
	}

	e.runCancel()
	e.setState(StateClosed)
	e.emit(SessionClosed, nil)
	e.closeEvents()
	e.logger.Info("session closed", "sessionID", e.sessionID)
	return err
}

// abort moves straight to CLOSED without any teardown framing.
func (e *Engine) abort() {
	e.mu.Lock()
	e.closed = true
	e.state = StateClosed
	e.mu.Unlock()
	e.active.Store(false)
	e.closing.Store(true)
	e.runCancel()
	e.closeEvents()
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if done == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Events returns the channel of session events. It is closed after Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsActive reports whether the stream is usable.
func (e *Engine) IsActive() bool {
	return e.active.Load()
}

func (e *Engine) SessionID() string { return e.sessionID }

func (e *Engine) PromptID() string { return e.promptID }

// Blocks exposes the content registry for inspection.
func (e *Engine) Blocks() *ContentRegistry { return e.blocks }

func (e *Engine) canSend() bool {
	if e.closing.Load() || !e.active.Load() {
		return false
	}
	switch e.State() {
	case StatePromptStarted, StateIdle, StateContentOpen:
		return true
	}
	return false
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateClosed {
		return
	}
	e.state = s
}

// refreshContentState toggles between IDLE and CONTENT_OPEN while the prompt
// is running.
func (e *Engine) refreshContentState() {
	e.metrics.OpenContentBlocks.Set(float64(e.blocks.Len()))
	outbound := e.blocks.OpenCount(Outbound)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StatePromptStarted, StateIdle, StateContentOpen:
		if outbound > 0 {
			e.state = StateContentOpen
		} else {
			e.state = StateIdle
		}
	}
}

// write sends one event, serialized with every other writer.
func (e *Engine) write(ctx context.Context, ev protocol.Event) error {
	if !e.active.Load() {
		return ErrNotActive
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.stream.Send(ctx, ev); err != nil {
		return err
	}
	e.metrics.EventsSent.WithLabelValues(string(ev.Kind())).Inc()
	return nil
}

func (e *Engine) openBlock(ctx context.Context, start *protocol.ContentStart) error {
	block := ContentBlock{
		ID:          start.ContentName,
		Type:        start.Type,
		Role:        start.Role,
		Interactive: start.Interactive,
		Direction:   Outbound,
	}
	if err := e.blocks.Open(block); err != nil {
		return err
	}
	if err := e.write(ctx, protocol.Event{ContentStart: start}); err != nil {
		_, _ = e.blocks.Close(block.ID)
		e.refreshContentState()
		return fmt.Errorf("%w: contentStart: %v", ErrProtocol, err)
	}
	e.refreshContentState()
	return nil
}

// closeBlock sends contentEnd. The block is considered closed locally even if
// the send fails, since the stream is then unusable anyway.
func (e *Engine) closeBlock(ctx context.Context, id string, typ protocol.ContentType) error {
	if _, err := e.blocks.Close(id); err != nil {
		return err
	}
	defer e.refreshContentState()
	end := protocol.Event{ContentEnd: &protocol.ContentEnd{PromptName: e.promptID, ContentName: id}}
	if err := e.write(ctx, end); err != nil {
		return fmt.Errorf("%w: contentEnd for %s block: %v", ErrProtocol, typ, err)
	}
	return nil
}

func (e *Engine) markUserTurn() {
	e.lastUserTurn.Store(time.Now().UnixNano())
}

// emit publishes an event without waiting. When the collaborator is not
// draining Events the event is dropped and counted, so the dispatcher and
// playback keep running.
func (e *Engine) emit(eventType EventType, data interface{}) {
	e.eventsMu.RLock()
	defer e.eventsMu.RUnlock()
	if e.eventsClosed {
		return
	}
	select {
	case e.events <- Event{Type: eventType, SessionID: e.sessionID, Data: data}:
	default:
		e.metrics.EventsDropped.Inc()
		e.logger.Debug("event buffer full, dropping event", "sessionID", e.sessionID, "type", eventType)
	}
}

func (e *Engine) closeEvents() {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if e.eventsClosed {
		return
	}
	e.eventsClosed = true
	close(e.events)
}
