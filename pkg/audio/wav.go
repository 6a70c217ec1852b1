package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"
)

// NewWavBuffer wraps raw PCM in a canonical 44-byte RIFF/WAVE header.
func NewWavBuffer(pcm []byte, format Format) []byte {
	buf := new(bytes.Buffer)
	blockAlign := format.BytesPerFrame()

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(format.SampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(format.BitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// RecordingSink tees everything written to it into memory so the played
// audio can be saved as a WAV file. Next may be nil to record without
// playing.
type RecordingSink struct {
	Next   Sink
	Format Format

	mu  sync.Mutex
	pcm []byte
}

func (r *RecordingSink) Write(samples []byte) (int, error) {
	r.mu.Lock()
	r.pcm = append(r.pcm, samples...)
	r.mu.Unlock()
	if r.Next == nil {
		return len(samples), nil
	}
	return r.Next.Write(samples)
}

// Flush forwards to the wrapped sink. Audio already recorded stays recorded.
func (r *RecordingSink) Flush() int {
	if f, ok := r.Next.(Flusher); ok {
		return f.Flush()
	}
	return 0
}

// Bytes returns the recorded PCM.
func (r *RecordingSink) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.pcm))
	copy(out, r.pcm)
	return out
}

// Save writes the recording to path as a WAV file.
func (r *RecordingSink) Save(path string) error {
	return os.WriteFile(path, NewWavBuffer(r.Bytes(), r.Format), 0o644)
}

func (r *RecordingSink) Close() error {
	if r.Next == nil {
		return nil
	}
	return r.Next.Close()
}
