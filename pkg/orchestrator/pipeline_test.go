package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-live/pkg/audio"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
)

func audioOutput(contentID string, pcm []byte) protocol.Event {
	return protocol.Event{AudioOutput: &protocol.AudioOutput{
		ContentID: contentID,
		Content:   base64.StdEncoding.EncodeToString(pcm),
	}}
}

func textOutput(contentID string, role protocol.Role, text string) protocol.Event {
	return protocol.Event{TextOutput: &protocol.TextOutput{ContentID: contentID, Role: role, Content: text}}
}

func TestAudioInputOrder(t *testing.T) {
	e, stream := startTestEngine(t)
	ctx := context.Background()

	e.AddAudioChunk([]byte{9, 9})
	if err := e.StartAudioInput(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.StartAudioInput(ctx); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if e.State() != StateContentOpen {
		t.Errorf("expected CONTENT_OPEN, got %s", e.State())
	}

	chunks := [][]byte{{1, 1}, {2, 2}, {3, 3}}
	for _, c := range chunks {
		e.AddAudioChunk(c)
	}
	if err := e.EndAudioInput(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.State() != StateIdle {
		t.Errorf("expected IDLE, got %s", e.State())
	}

	var (
		got      [][]byte
		audioID  string
		endIndex = -1
	)
	for i, ev := range stream.Sent() {
		switch {
		case ev.ContentStart != nil && ev.ContentStart.Type == protocol.ContentAudio:
			audioID = ev.ContentStart.ContentName
			if ev.ContentStart.AudioInputConfiguration.SampleRateHertz != 16000 {
				t.Errorf("expected 16kHz input, got %d", ev.ContentStart.AudioInputConfiguration.SampleRateHertz)
			}
		case ev.AudioInput != nil:
			if endIndex >= 0 {
				t.Errorf("audioInput at %d after contentEnd", i)
			}
			if ev.AudioInput.ContentName != audioID {
				t.Errorf("audioInput tagged %q, expected %q", ev.AudioInput.ContentName, audioID)
			}
			pcm, err := base64.StdEncoding.DecodeString(ev.AudioInput.Content)
			if err != nil {
				t.Fatalf("bad audio payload: %v", err)
			}
			got = append(got, pcm)
		case ev.ContentEnd != nil && ev.ContentEnd.ContentName == audioID:
			endIndex = i
		}
	}

	if len(got) != len(chunks) {
		t.Fatalf("expected %d audio chunks, got %d", len(chunks), len(got))
	}
	for i := range chunks {
		if !bytes.Equal(got[i], chunks[i]) {
			t.Errorf("chunk %d: expected %v, got %v", i, chunks[i], got[i])
		}
	}
	if endIndex < 0 {
		t.Error("audio block was never closed")
	}

	// after the block is closed chunks are dropped
	e.AddAudioChunk([]byte{4, 4})
	if n := stream.count(protocol.KindAudioInput); n != len(chunks) {
		t.Errorf("expected %d audioInput events, got %d", len(chunks), n)
	}

	e.Close()
	checkFraming(t, stream.Sent())
}

func TestAudioInputWithText(t *testing.T) {
	e, stream := startTestEngine(t)
	ctx := context.Background()

	if err := e.StartAudioInput(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.AddAudioChunk([]byte{1, 2})
	if err := e.SendText(ctx, "typed while talking", protocol.RoleUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.AddAudioChunk([]byte{3, 4})
	if err := e.EndAudioInput(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.Close()
	checkFraming(t, stream.Sent())
}

type mockSource struct {
	fn      audio.CaptureFunc
	started int
	stopped int
	closed  int
	err     error
}

func (s *mockSource) Start(fn audio.CaptureFunc) error {
	s.started++
	s.fn = fn
	return s.err
}

func (s *mockSource) Stop() error  { s.stopped++; return nil }
func (s *mockSource) Close() error { s.closed++; return nil }

func TestAudioSource(t *testing.T) {
	src := &mockSource{}
	e, stream := startTestEngine(t, WithAudioSource(src))
	ctx := context.Background()

	if err := e.StartAudioInput(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.started != 1 || src.fn == nil {
		t.Fatal("expected capture device to be started")
	}
	if keep := src.fn([]byte{5, 0, 6, 0}, 2); !keep {
		t.Error("expected capture callback to keep running while the block is open")
	}
	if err := e.EndAudioInput(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.stopped != 1 {
		t.Errorf("expected capture device to be stopped once, got %d", src.stopped)
	}
	if keep := src.fn([]byte{7, 0}, 1); keep {
		t.Error("expected capture callback to stop after the block closed")
	}
	if n := stream.count(protocol.KindAudioInput); n != 1 {
		t.Errorf("expected 1 audioInput event, got %d", n)
	}

	e.Close()
	if src.closed != 1 {
		t.Errorf("expected capture device to be released, got %d", src.closed)
	}
}

func TestAudioSourceFailure(t *testing.T) {
	src := &mockSource{err: errors.New("no microphone")}
	e, _ := startTestEngine(t, WithAudioSource(src))

	if err := e.StartAudioInput(context.Background()); err != nil {
		t.Fatalf("device failure should not fail the session, got %v", err)
	}
	ev := waitEvent(t, e, ErrorEvent)
	if msg, _ := ev.Data.(string); !strings.Contains(msg, ErrDevice.Error()) {
		t.Errorf("expected device error, got %q", msg)
	}
	if !e.IsActive() {
		t.Error("expected session to stay active")
	}
}

func TestPlaybackStep(t *testing.T) {
	sink := newMockSink()
	e, _ := newTestEngine(t, WithAudioSink(sink))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.playback.Push(audio.Chunk{Data: make([]byte, 4096), Direction: audio.Playback})
	}
	e.interrupter.Signal()

	if err := e.playbackStep(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.playback.Len() != 0 {
		t.Errorf("expected empty playback queue, got %d", e.playback.Len())
	}
	if e.interrupter.Pending() {
		t.Error("expected barge-in flag to be cleared")
	}
	written, _, flushes := sink.stats()
	if written != 0 {
		t.Errorf("expected nothing played, got %d bytes", written)
	}
	if flushes != 1 {
		t.Errorf("expected device flush, got %d", flushes)
	}

	e.playback.Push(audio.Chunk{Data: make([]byte, 3000), Direction: audio.Playback})
	if err := e.playbackStep(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	written, calls, _ := sink.stats()
	if written != 3000 {
		t.Errorf("expected 3000 bytes played, got %d", written)
	}
	if calls != 3 {
		t.Errorf("expected 3 sub-chunk writes, got %d", calls)
	}
}

func TestBargeIn(t *testing.T) {
	sink := newMockSink()
	sink.gate = make(chan struct{})
	e, stream := startTestEngine(t, WithAudioSink(sink))

	for i := 0; i < 3; i++ {
		stream.push(audioOutput("a1", make([]byte, 4096)))
	}
	eventually(t, "first device write", func() bool {
		_, calls, _ := sink.stats()
		return calls >= 1
	})

	stream.push(textOutput("a1", protocol.RoleAssistant, `{ "interrupted" : true }`))
	waitEvent(t, e, BargeIn)
	close(sink.gate)

	eventually(t, "playback flush", func() bool {
		_, _, flushes := sink.stats()
		return flushes == 1
	})
	written, _, _ := sink.stats()
	if written > testConfig().PlaybackWriteSize {
		t.Errorf("expected playback to stop mid-chunk, %d bytes played", written)
	}
	if e.playback.Len() != 0 {
		t.Errorf("expected drained playback queue, got %d", e.playback.Len())
	}

	stream.push(audioOutput("a2", make([]byte, 2048)))
	eventually(t, "post barge-in audio", func() bool {
		w, _, _ := sink.stats()
		return w == written+2048
	})
}

func TestPlaybackDeviceFailure(t *testing.T) {
	sink := newMockSink()
	sink.err = errors.New("device unplugged")
	e, stream := startTestEngine(t, WithAudioSink(sink))

	stream.push(audioOutput("a1", make([]byte, 512)))
	ev := waitEvent(t, e, ErrorEvent)
	if msg, _ := ev.Data.(string); !strings.Contains(msg, ErrDevice.Error()) {
		t.Errorf("expected device error, got %q", msg)
	}

	if !e.IsActive() {
		t.Error("expected session to stay active")
	}
	if err := e.SendText(context.Background(), "still here", protocol.RoleUser); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	stream.push(audioOutput("a2", make([]byte, 512)))
	stream.push(textOutput("t1", protocol.RoleAssistant, "hello"))
	waitEvent(t, e, TranscriptEvent)
}

func TestEchoGateWiring(t *testing.T) {
	gate := audio.NewEchoGate(0.5, time.Hour)
	src := &mockSource{}
	sink := newMockSink()
	e, stream := startTestEngine(t, WithAudioSource(src), WithAudioSink(sink), WithEchoGate(gate))
	ctx := context.Background()

	stream.push(audioOutput("a1", make([]byte, 256)))
	eventually(t, "playback", func() bool {
		w, _, _ := sink.stats()
		return w == 256
	})

	if err := e.StartAudioInput(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.fn([]byte{10, 0, 20, 0}, 2)
	if err := e.EndAudioInput(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, ev := range stream.Sent() {
		if ev.AudioInput == nil {
			continue
		}
		pcm, _ := base64.StdEncoding.DecodeString(ev.AudioInput.Content)
		if !bytes.Equal(pcm, make([]byte, 4)) {
			t.Errorf("expected echo to be muted, got %v", pcm)
		}
	}
}

func TestAudioChunkWithoutOpenBlock(t *testing.T) {
	logger := &recordingLogger{}
	e, stream := startTestEngine(t, WithLogger(logger))
	const msg = "dropping audio chunk without an open audio block"

	for i := 0; i < 50; i++ {
		e.AddAudioChunk([]byte{1, 2})
	}
	if n := logger.count(msg); n != 1 {
		t.Errorf("expected one log line for a burst of dropped chunks, got %d", n)
	}
	if e.capture.Len() != 0 {
		t.Errorf("expected nothing queued, got %d chunks", e.capture.Len())
	}
	if n := stream.count(protocol.KindAudioInput); n != 0 {
		t.Errorf("expected no audioInput sent, got %d", n)
	}
}
