package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/lokutor-ai/lokutor-live/pkg/audio"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
)

// captureLoop forwards queued microphone chunks for the audio block id in
// arrival order. When stop closes it sends what is still queued, so every
// payload precedes the block's contentEnd.
func (e *Engine) captureLoop(ctx context.Context, id string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			for {
				c, ok := e.capture.TryPop()
				if !ok {
					return
				}
				if !e.sendAudio(ctx, id, c) {
					return
				}
			}
		case c := <-e.capture.C():
			if !e.sendAudio(ctx, id, c) {
				return
			}
		}
	}
}

// sendAudio reports whether the loop should keep going.
func (e *Engine) sendAudio(ctx context.Context, id string, c audio.Chunk) bool {
	err := e.write(ctx, protocol.NewAudioInput(e.promptID, id, c.Data))
	if err == nil {
		return true
	}
	if !e.active.Load() || ctx.Err() != nil {
		return false
	}
	e.logger.Warn("failed to send audio chunk", "sessionID", e.sessionID, "contentName", id, "bytes", len(c.Data), "error", err)
	return true
}

// playbackLoop writes inbound audio to the speaker until ctx is done or the
// device fails. A device failure stops playback only.
func (e *Engine) playbackLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		if err := e.playbackStep(ctx); err != nil {
			e.playbackFailed.Store(true)
			e.playback.Drain()
			e.logger.Error("playback stopped", "sessionID", e.sessionID, "error", err)
			e.emit(ErrorEvent, err.Error())
			return
		}
	}
}

// playbackStep handles a pending barge-in or plays at most one chunk.
func (e *Engine) playbackStep(ctx context.Context) error {
	if n, flushed := e.interrupter.Flush(e.playback); flushed {
		if f, ok := e.sink.(audio.Flusher); ok {
			f.Flush()
		}
		if e.echo != nil {
			e.echo.Reset()
		}
		e.metrics.PlaybackFlushed.Add(float64(n))
		e.logger.Debug("playback flushed", "sessionID", e.sessionID, "chunks", n)
		return nil
	}

	c, ok := e.playback.Pop(ctx, e.config.PlaybackPollInterval)
	if !ok {
		return nil
	}
	return e.play(ctx, c.Data)
}

// play writes pcm in small pieces so a barge-in takes effect mid-chunk.
func (e *Engine) play(ctx context.Context, pcm []byte) error {
	size := e.config.PlaybackWriteSize
	for off := 0; off < len(pcm); off += size {
		if ctx.Err() != nil || e.interrupter.Pending() {
			return nil
		}
		end := min(off+size, len(pcm))
		if _, err := e.sink.Write(pcm[off:end]); err != nil {
			return fmt.Errorf("%w: playback write: %v", ErrDevice, err)
		}
		if e.echo != nil {
			e.echo.Played()
		}
		e.yield(ctx)
	}
	return nil
}

func (e *Engine) yield(ctx context.Context) {
	if e.config.PlaybackYield <= 0 {
		runtime.Gosched()
		return
	}
	timer := time.NewTimer(e.config.PlaybackYield)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
