package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// NewContext initializes the miniaudio backend. The caller must Uninit and
// Free the returned context after every device built on it is closed.
func NewContext() (*malgo.AllocatedContext, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return mctx, nil
}

// MalgoSource captures microphone audio through miniaudio.
type MalgoSource struct {
	ctx    malgo.Context
	format Format

	mu      sync.Mutex
	device  *malgo.Device
	stopped atomic.Bool
}

func NewMalgoSource(ctx malgo.Context, format Format) *MalgoSource {
	return &MalgoSource{ctx: ctx, format: format}
}

func (s *MalgoSource) Start(fn CaptureFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		s.stopped.Store(false)
		return s.device.Start()
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(s.format.Channels)
	cfg.SampleRate = uint32(s.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = 20
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(s.ctx, cfg, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			if pInput == nil || s.stopped.Load() {
				return
			}
			// the driver reuses pInput after we return
			samples := make([]byte, len(pInput))
			copy(samples, pInput)
			if !fn(samples, frameCount) {
				s.stopped.Store(true)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}
	s.device = device
	return nil
}

func (s *MalgoSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped.Store(true)
	if s.device == nil || !s.device.IsStarted() {
		return nil
	}
	return s.device.Stop()
}

func (s *MalgoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped.Store(true)
	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	return nil
}

// MalgoSink plays PCM through miniaudio. Written samples are buffered and
// pulled by the driver callback; Write blocks while more than maxBuffered of
// audio is waiting.
type MalgoSink struct {
	format      Format
	maxBuffered int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	device *malgo.Device
}

func NewMalgoSink(ctx malgo.Context, format Format, maxBuffered time.Duration) (*MalgoSink, error) {
	if maxBuffered <= 0 {
		maxBuffered = 200 * time.Millisecond
	}
	s := &MalgoSink{
		format:      format,
		maxBuffered: int(maxBuffered.Seconds()*float64(format.SampleRate)) * format.BytesPerFrame(),
	}
	s.cond = sync.NewCond(&s.mu)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx, cfg, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			if pOutput == nil {
				return
			}
			s.mu.Lock()
			n := copy(pOutput, s.buf)
			s.buf = s.buf[n:]
			s.mu.Unlock()
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			if n > 0 {
				s.cond.Broadcast()
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	s.device = device
	return s, nil
}

func (s *MalgoSink) Write(samples []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && len(s.buf) >= s.maxBuffered {
		s.cond.Wait()
	}
	if s.closed {
		return 0, ErrDeviceClosed
	}
	s.buf = append(s.buf, samples...)
	return len(samples), nil
}

// Flush drops buffered audio that has not reached the driver yet.
func (s *MalgoSink) Flush() int {
	s.mu.Lock()
	n := len(s.buf)
	s.buf = s.buf[:0]
	s.mu.Unlock()
	s.cond.Broadcast()
	return n
}

func (s *MalgoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	device := s.device
	s.device = nil
	s.mu.Unlock()
	s.cond.Broadcast()

	if device != nil {
		device.Uninit()
	}
	return nil
}
