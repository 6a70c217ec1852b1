package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
	"github.com/lokutor-ai/lokutor-live/pkg/tools"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func toolRequest(stream *mockStream, contentID, toolUseID, name, args string) {
	stream.push(protocol.Event{ContentStart: &protocol.ContentStart{
		ContentID: contentID,
		Type:      protocol.ContentTool,
		Role:      protocol.RoleTool,
	}})
	stream.push(protocol.Event{ToolUse: &protocol.ToolUse{
		ContentID: contentID,
		ToolUseID: toolUseID,
		ToolName:  name,
		Content:   args,
	}})
	stream.push(protocol.Event{ContentEnd: &protocol.ContentEnd{
		ContentID: contentID,
		Type:      protocol.ContentTool,
	}})
}

func toolResults(stream *mockStream) []*protocol.ToolResult {
	var out []*protocol.ToolResult
	for _, ev := range stream.Sent() {
		if ev.ToolResult != nil {
			out = append(out, ev.ToolResult)
		}
	}
	return out
}

func TestToolRoundTrip(t *testing.T) {
	var (
		calls   atomic.Int32
		gotArgs atomic.Value
	)
	fixed := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	date := tools.DateTool(time.UTC, func() time.Time { return fixed })
	inner := date.Handler
	date.Handler = func(ctx context.Context, args json.RawMessage) (any, error) {
		calls.Add(1)
		gotArgs.Store(len(args))
		return inner(ctx, args)
	}

	e, stream := newTestEngine(t)
	if err := e.RegisterTool(date); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}

	toolRequest(stream, "tool-block-1", "tu-1", tools.DateToolName, "")
	ev := waitEvent(t, e, ToolCompleted)

	res, ok := ev.Data.(tools.Result)
	if !ok {
		t.Fatalf("expected tools.Result, got %T", ev.Data)
	}
	if res.ToolUseID != "tu-1" || res.Err != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one invocation, got %d", calls.Load())
	}
	if n, _ := gotArgs.Load().(int); n != 0 {
		t.Errorf("expected no arguments, got %d bytes", n)
	}

	results := toolResults(stream)
	if len(results) != 1 {
		t.Fatalf("expected exactly one toolResult, got %d", len(results))
	}
	if results[0].ToolUseID != "tu-1" {
		t.Errorf("expected toolUseId tu-1, got %s", results[0].ToolUseID)
	}
	if !strings.Contains(results[0].Content, `"dayOfWeek":"MONDAY"`) {
		t.Errorf("unexpected tool content %s", results[0].Content)
	}

	var start *protocol.ContentStart
	for _, sent := range stream.Sent() {
		if sent.ContentStart != nil && sent.ContentStart.ContentName == results[0].ContentName {
			start = sent.ContentStart
		}
	}
	if start == nil {
		t.Fatal("toolResult sent without contentStart")
	}
	if start.Type != protocol.ContentTool || start.Role != protocol.RoleTool {
		t.Errorf("unexpected tool result block %+v", start)
	}
	if start.ToolResultInputConfiguration == nil || start.ToolResultInputConfiguration.ToolUseID != "tu-1" {
		t.Errorf("expected toolUseId in block configuration, got %+v", start.ToolResultInputConfiguration)
	}

	e.Close()
	checkFraming(t, stream.Sent())
}

func TestToolArguments(t *testing.T) {
	reg := tools.NewRegistry()
	if err := tools.RegisterTrackOrder(reg, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, stream := startTestEngine(t, WithTools(reg))

	toolRequest(stream, "tb", "tu-order", tools.TrackOrderToolName, `{"orderId":"A-100"}`)
	ev := waitEvent(t, e, ToolCompleted)
	res := ev.Data.(tools.Result)
	if res.Err != nil {
		t.Fatalf("unexpected tool error: %v", res.Err)
	}
	if !strings.Contains(string(res.Content), "A-100") {
		t.Errorf("expected order id echoed, got %s", res.Content)
	}
}

func TestUnknownToolIsNonFatal(t *testing.T) {
	e, stream := startTestEngine(t)

	toolRequest(stream, "tb", "tu-404", "noSuchTool", `{}`)
	ev := waitEvent(t, e, ToolCompleted)
	res := ev.Data.(tools.Result)
	if !errors.Is(res.Err, tools.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", res.Err)
	}

	results := toolResults(stream)
	if len(results) != 1 || !strings.Contains(results[0].Content, `"error"`) {
		t.Fatalf("expected an error result, got %+v", results)
	}
	if results[0].ToolUseID != "tu-404" {
		t.Errorf("expected toolUseId tu-404, got %s", results[0].ToolUseID)
	}
	if !e.IsActive() {
		t.Error("expected session to stay active")
	}
	if err := e.SendText(context.Background(), "are you there?", protocol.RoleUser); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFailingToolIsNonFatal(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{
		Name: "explode",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			panic("boom")
		},
	})
	e, stream := startTestEngine(t, WithTools(reg))

	toolRequest(stream, "tb", "tu-boom", "explode", "")
	ev := waitEvent(t, e, ToolCompleted)
	if res := ev.Data.(tools.Result); res.Err == nil {
		t.Error("expected tool error")
	}
	if !e.IsActive() {
		t.Error("expected session to stay active")
	}
}

func TestRepeatedToolUseID(t *testing.T) {
	e, stream := startTestEngine(t)

	toolRequest(stream, "tb-1", "tu-dup", "noSuchTool", "")
	waitEvent(t, e, ToolCompleted)
	toolRequest(stream, "tb-2", "tu-dup", "noSuchTool", "")
	stream.push(textOutput("x", protocol.RoleAssistant, "after"))
	waitEvent(t, e, TranscriptEvent)

	if n := len(toolResults(stream)); n != 1 {
		t.Errorf("expected the repeated toolUseId to be skipped, got %d results", n)
	}
}

func TestTranscripts(t *testing.T) {
	e, stream := startTestEngine(t)

	stream.push(protocol.Event{ContentStart: &protocol.ContentStart{
		ContentID:             "draft-1",
		Type:                  protocol.ContentText,
		Role:                  protocol.RoleAssistant,
		AdditionalModelFields: `{"generationStage":"SPECULATIVE"}`,
	}})
	stream.push(textOutput("draft-1", "", "I think"))
	stream.push(protocol.Event{ContentStart: &protocol.ContentStart{
		ContentID:             "final-1",
		Type:                  protocol.ContentText,
		Role:                  protocol.RoleAssistant,
		AdditionalModelFields: `{"generationStage":"FINAL"}`,
	}})
	stream.push(textOutput("final-1", protocol.RoleAssistant, "I think so"))

	first := waitEvent(t, e, TranscriptEvent).Data.(Transcript)
	if !first.Provisional || first.Role != protocol.RoleAssistant || first.Text != "I think" {
		t.Errorf("unexpected speculative transcript %+v", first)
	}
	second := waitEvent(t, e, TranscriptEvent).Data.(Transcript)
	if second.Provisional || second.Text != "I think so" {
		t.Errorf("unexpected final transcript %+v", second)
	}
}

func TestInboundErrors(t *testing.T) {
	t.Run("MalformedFrameIsSkipped", func(t *testing.T) {
		e, stream := startTestEngine(t)
		stream.pushErr(fmt.Errorf("%w: not json", protocol.ErrMalformedEvent))
		stream.push(protocol.Event{AudioOutput: &protocol.AudioOutput{Content: "%%%"}})
		stream.push(protocol.Event{Unknown: "somethingNew"})
		stream.push(protocol.Event{UsageEvent: json.RawMessage(`{}`)})
		stream.push(textOutput("t", protocol.RoleUser, "hello"))

		tr := waitEvent(t, e, TranscriptEvent).Data.(Transcript)
		if tr.Text != "hello" {
			t.Errorf("unexpected transcript %+v", tr)
		}
		if !e.IsActive() {
			t.Error("expected session to stay active")
		}
	})

	t.Run("DuplicateInboundBlockIsSkipped", func(t *testing.T) {
		e, stream := startTestEngine(t)
		cs := protocol.Event{ContentStart: &protocol.ContentStart{ContentID: "dup", Type: protocol.ContentText, Role: protocol.RoleAssistant}}
		stream.push(cs)
		stream.push(cs)
		stream.push(textOutput("dup", "", "still fine"))
		tr := waitEvent(t, e, TranscriptEvent).Data.(Transcript)
		if tr.Role != protocol.RoleAssistant {
			t.Errorf("expected role from the block, got %q", tr.Role)
		}
	})

	t.Run("ReceiveFailureEndsSession", func(t *testing.T) {
		e, stream := startTestEngine(t)
		stream.pushErr(errors.New("connection reset by peer"))

		ev := waitEvent(t, e, ErrorEvent)
		if msg, _ := ev.Data.(string); !strings.Contains(msg, ErrConnection.Error()) {
			t.Errorf("expected connection error, got %q", msg)
		}
		if e.IsActive() {
			t.Error("expected inactive session")
		}
		if err := e.SendText(context.Background(), "hello", protocol.RoleUser); !errors.Is(err, ErrNotActive) {
			t.Errorf("expected ErrNotActive, got %v", err)
		}
		if err := e.Close(); err != nil {
			t.Errorf("unexpected close error: %v", err)
		}
		if e.State() != StateClosed {
			t.Errorf("expected CLOSED, got %s", e.State())
		}
	})
}

func TestInboundAudioWithoutSink(t *testing.T) {
	e, stream := startTestEngine(t)
	stream.push(audioOutput("a", make([]byte, 64)))
	stream.push(textOutput("t", protocol.RoleAssistant, "done"))
	waitEvent(t, e, TranscriptEvent)
	if e.playback.Len() != 0 {
		t.Errorf("expected inbound audio to be discarded, got %d queued", e.playback.Len())
	}
}

func TestUndrainedEventsKeepSessionRunning(t *testing.T) {
	cfg := testConfig()
	cfg.EventBufferSize = 4

	reg := tools.NewRegistry()
	if err := reg.Register(tools.DateTool(time.UTC, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream := newMockStream()
	sink := newMockSink()
	dialer := DialerFunc(func(ctx context.Context) (Stream, error) { return stream, nil })
	e, err := New(dialer, cfg, WithTools(reg), WithAudioSink(sink))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}

	// nobody reads Events
	for i := 0; i < cfg.EventBufferSize+20; i++ {
		stream.push(textOutput(fmt.Sprintf("text-%d", i), protocol.RoleAssistant, "still talking"))
	}
	stream.push(audioOutput("audio-1", make([]byte, 640)))
	toolRequest(stream, "tool-block-1", "tu-1", tools.DateToolName, "")

	eventually(t, "audio to reach the sink", func() bool {
		written, _, _ := sink.stats()
		return written == 640
	})
	eventually(t, "the tool result", func() bool { return len(toolResults(stream)) == 1 })

	if dropped := testutil.ToFloat64(e.metrics.EventsDropped); dropped < 20 {
		t.Errorf("expected dropped events to be counted, got %v", dropped)
	}
	if !e.IsActive() {
		t.Error("expected the session to stay active")
	}
}
