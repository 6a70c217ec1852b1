// Package audio holds the PCM types, the bounded chunk queue shared by the
// pipeline goroutines and the device boundary (capture callback, blocking
// playback writes) with a malgo-backed implementation.
package audio

import "time"

// Direction tells whether a chunk was captured locally or is headed for the
// speaker.
type Direction int

const (
	Capture Direction = iota
	Playback
)

func (d Direction) String() string {
	if d == Capture {
		return "capture"
	}
	return "playback"
}

// Format describes raw PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultInputFormat is the microphone format negotiated with the remote side.
var DefaultInputFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// DefaultOutputFormat is the synthesized speech format.
var DefaultOutputFormat = Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}

// BytesPerFrame returns the size of one frame (one sample per channel).
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration returns how long n bytes of this format play for.
func (f Format) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := n / bpf
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Chunk is a slice of mono 16-bit little-endian PCM belonging to one content
// block.
type Chunk struct {
	Data      []byte
	Direction Direction
	ContentID string
}
