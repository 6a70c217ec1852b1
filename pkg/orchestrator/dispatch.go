package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-live/pkg/audio"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
	"github.com/lokutor-ai/lokutor-live/pkg/tools"
)

// dispatchLoop reads inbound events until the stream fails or ctx is done.
// Malformed frames are skipped; a receive error ends the session.
func (e *Engine) dispatchLoop(ctx context.Context, stream Stream, done chan<- struct{}) {
	defer close(done)

	for {
		ev, err := stream.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || e.closing.Load() {
				return
			}
			if errors.Is(err, protocol.ErrMalformedEvent) {
				e.metrics.ProtocolErrors.Inc()
				e.logger.Warn("skipping malformed event", "sessionID", e.sessionID, "error", err)
				continue
			}
			e.active.Store(false)
			err = fmt.Errorf("%w: %v", ErrConnection, err)
			e.logger.Error("duplex stream lost", "sessionID", e.sessionID, "error", err)
			e.emit(ErrorEvent, err.Error())
			return
		}

		e.metrics.EventsReceived.WithLabelValues(string(ev.Kind())).Inc()
		if err := e.handle(ctx, ev); err != nil {
			e.metrics.ProtocolErrors.Inc()
			e.logger.Warn("inbound event rejected", "sessionID", e.sessionID, "kind", ev.Kind(), "error", err)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev protocol.Event) error {
	switch {
	case ev.ContentStart != nil:
		return e.onContentStart(ev.ContentStart)
	case ev.TextOutput != nil:
		e.onTextOutput(ev.TextOutput)
	case ev.AudioOutput != nil:
		return e.onAudioOutput(ev.AudioOutput)
	case ev.ToolUse != nil:
		return e.onToolUse(ev.ToolUse)
	case ev.ContentEnd != nil:
		return e.onContentEnd(ctx, ev.ContentEnd)
	case ev.CompletionStart != nil, ev.CompletionEnd != nil, ev.UsageEvent != nil:
		e.logger.Debug("inbound event", "sessionID", e.sessionID, "kind", ev.Kind())
	case ev.Unknown != "":
		e.logger.Debug("ignoring unknown event", "sessionID", e.sessionID, "kind", ev.Unknown)
	default:
		return fmt.Errorf("%w: unexpected inbound %s event", ErrProtocol, ev.Kind())
	}
	return nil
}

func (e *Engine) onContentStart(cs *protocol.ContentStart) error {
	block := ContentBlock{
		ID:          cs.Key(),
		Type:        cs.Type,
		Role:        cs.Role,
		Interactive: cs.Interactive,
		Direction:   Inbound,
		Speculative: cs.Speculative(),
	}
	if err := e.blocks.Open(block); err != nil {
		return err
	}
	e.metrics.OpenContentBlocks.Set(float64(e.blocks.Len()))
	return nil
}

func (e *Engine) onTextOutput(out *protocol.TextOutput) {
	if e.interrupter.Matches(out.Content) {
		e.interrupter.Signal()
		e.metrics.BargeIns.Inc()
		e.logger.Info("barge-in", "sessionID", e.sessionID, "contentId", out.ContentID)
		e.emit(BargeIn, nil)
		return
	}

	t := Transcript{ContentID: out.ContentID, Role: out.Role, Text: out.Content}
	if b, ok := e.blocks.Get(out.ContentID); ok {
		t.Provisional = b.Speculative
		if t.Role == "" {
			t.Role = b.Role
		}
	}
	if t.Role == protocol.RoleUser && !t.Provisional {
		e.markUserTurn()
	}
	e.emit(TranscriptEvent, t)
}

func (e *Engine) onAudioOutput(out *protocol.AudioOutput) error {
	pcm, err := out.PCM()
	if err != nil {
		return fmt.Errorf("%w: audio payload: %v", ErrProtocol, err)
	}
	if e.sink == nil || e.playbackFailed.Load() {
		return nil
	}
	if t := e.lastUserTurn.Swap(0); t != 0 {
		e.metrics.ObserveFirstAudioLatency(time.Since(time.Unix(0, t)))
	}
	e.playback.Push(audio.Chunk{Data: pcm, Direction: audio.Playback, ContentID: out.ContentID})
	return nil
}

// onToolUse records the request; it runs when its block closes.
func (e *Engine) onToolUse(tu *protocol.ToolUse) error {
	if tu.ToolUseID == "" {
		return fmt.Errorf("%w: toolUse without toolUseId", ErrProtocol)
	}
	if _, done := e.completedTools[tu.ToolUseID]; done {
		return fmt.Errorf("%w: toolUseId %q already answered", ErrProtocol, tu.ToolUseID)
	}
	key := tu.ContentID
	if key == "" {
		key = tu.ToolUseID
	}
	e.pendingTools[key] = tools.Invocation{
		ToolUseID: tu.ToolUseID,
		Name:      tu.ToolName,
		Arguments: tu.Arguments(),
	}
	e.lastToolKey = key
	return nil
}

func (e *Engine) onContentEnd(ctx context.Context, ce *protocol.ContentEnd) error {
	key := ce.Key()
	block, err := e.blocks.Close(key)
	e.metrics.OpenContentBlocks.Set(float64(e.blocks.Len()))

	typ := ce.Type
	if err == nil && typ == "" {
		typ = block.Type
	}
	if typ != protocol.ContentTool {
		return err
	}

	inv, ok := e.pendingTools[key]
	if !ok && e.lastToolKey != "" {
		key = e.lastToolKey
		inv, ok = e.pendingTools[key]
	}
	if !ok {
		return fmt.Errorf("%w: tool block %q closed without a toolUse", ErrProtocol, ce.Key())
	}
	delete(e.pendingTools, key)
	if e.lastToolKey == key {
		e.lastToolKey = ""
	}
	e.completedTools[inv.ToolUseID] = struct{}{}

	e.runTool(ctx, inv)
	return nil
}

// runTool executes a tool and answers the model. Failures are reported to the
// model as an error result and never end the session.
func (e *Engine) runTool(ctx context.Context, inv tools.Invocation) {
	start := time.Now()
	res := e.tools.Dispatch(ctx, inv)
	elapsed := time.Since(start)
	e.metrics.ObserveToolCall(inv.Name, res.Err != nil, elapsed)

	if res.Err != nil {
		err := fmt.Errorf("%w: %s: %v", ErrToolExecution, inv.Name, res.Err)
		e.logger.Warn("tool call failed", "sessionID", e.sessionID, "toolUseId", inv.ToolUseID, "error", err)
	} else {
		e.logger.Info("tool call", "sessionID", e.sessionID, "tool", inv.Name, "toolUseId", inv.ToolUseID, "latency", elapsed)
	}

	if err := e.sendToolResult(ctx, res); err != nil {
		e.logger.Error("failed to send tool result", "sessionID", e.sessionID, "toolUseId", inv.ToolUseID, "error", err)
		e.emit(ErrorEvent, err.Error())
	}
	e.emit(ToolCompleted, res)
}

func (e *Engine) sendToolResult(ctx context.Context, res tools.Result) error {
	if !e.canSend() {
		return ErrNotActive
	}
	id := uuid.NewString()
	start := &protocol.ContentStart{
		PromptName:  e.promptID,
		ContentName: id,
		Type:        protocol.ContentTool,
		Role:        protocol.RoleTool,
		Interactive: false,
		ToolResultInputConfiguration: &protocol.ToolResultInputConfiguration{
			ToolUseID:              res.ToolUseID,
			Type:                   protocol.ContentText,
			TextInputConfiguration: protocol.TextConfiguration{MediaType: "text/plain"},
		},
	}
	if err := e.openBlock(ctx, start); err != nil {
		return err
	}
	payload := protocol.Event{ToolResult: &protocol.ToolResult{
		PromptName:  e.promptID,
		ContentName: id,
		ToolUseID:   res.ToolUseID,
		Content:     string(res.Content),
	}}
	err := e.write(ctx, payload)
	if err != nil {
		err = fmt.Errorf("%w: toolResult: %v", ErrProtocol, err)
	}
	if cerr := e.closeBlock(ctx, id, protocol.ContentTool); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
