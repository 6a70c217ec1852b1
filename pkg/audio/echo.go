package audio

import (
	"sync"
	"time"
)

// EchoGate mutes microphone chunks that are probably the speaker playing back
// into the mic. While playback happened within the window, a chunk passes only
// once minConfirmed consecutive chunks are louder than the threshold; quieter
// chunks are replaced with silence so the outbound stream keeps its timing.
type EchoGate struct {
	mu           sync.Mutex
	threshold    float64
	window       time.Duration
	minConfirmed int
	consecutive  int
	lastPlayed   time.Time
	now          func() time.Time
}

func NewEchoGate(threshold float64, window time.Duration) *EchoGate {
	return &EchoGate{
		threshold:    threshold,
		window:       window,
		minConfirmed: 3,
		now:          time.Now,
	}
}

// SetMinConfirmed sets how many loud chunks in a row open the gate.
func (g *EchoGate) SetMinConfirmed(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n < 1 {
		n = 1
	}
	g.minConfirmed = n
}

// Played records that audio just went to the speaker.
func (g *EchoGate) Played() {
	g.mu.Lock()
	g.lastPlayed = g.now()
	g.mu.Unlock()
}

// Reset forgets recent playback, e.g. after the playback buffer was flushed.
func (g *EchoGate) Reset() {
	g.mu.Lock()
	g.lastPlayed = time.Time{}
	g.consecutive = 0
	g.mu.Unlock()
}

// Filter returns chunk unchanged or a silent chunk of the same length.
func (g *EchoGate) Filter(chunk []byte) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastPlayed.IsZero() || g.now().Sub(g.lastPlayed) > g.window {
		g.consecutive = 0
		return chunk
	}

	if RMS(chunk) > g.threshold {
		g.consecutive++
		if g.consecutive >= g.minConfirmed {
			return chunk
		}
	} else {
		g.consecutive = 0
	}
	return make([]byte, len(chunk))
}
