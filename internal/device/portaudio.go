package device

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/audio"
)

// Compile-time assertions that the portaudio devices satisfy the interfaces.
var _ Microphone = (*PortAudioMic)(nil)
var _ Speaker = (*PortAudioSpeaker)(nil)

const defaultFramesPerBuffer = 1024

// ── Microphone ─────────────────────────────────────────────────────────────────

// PortAudioMic captures mono PCM16 frames from the default input device.
type PortAudioMic struct {
	stream *portaudio.Stream
	buf    []int16
	rate   int

	mu      sync.Mutex
	started bool
}

// OpenMicrophone opens the default input device at the given sample rate.
// frames is the number of samples per ReadFrame call; zero selects a default.
func OpenMicrophone(sampleRate, frames int) (*PortAudioMic, error) {
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	m := &PortAudioMic{
		buf:  make([]int16, frames),
		rate: sampleRate,
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frames, m.buf)
	if err != nil {
		return nil, fmt.Errorf("device: open microphone: %w", err)
	}
	m.stream = stream
	return m, nil
}

// Start begins capturing. Idempotent.
func (m *PortAudioMic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("device: start microphone: %w", err)
	}
	m.started = true
	return nil
}

// ReadFrame blocks until one frame of samples has been captured and returns
// it as little-endian PCM16 bytes. The returned slice is freshly allocated.
func (m *PortAudioMic) ReadFrame() ([]byte, error) {
	if err := m.stream.Read(); err != nil {
		return nil, fmt.Errorf("device: read microphone: %w", err)
	}
	return audio.Int16sToBytes(m.buf), nil
}

// Stop halts capture and releases the stream. Idempotent.
func (m *PortAudioMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	if err := m.stream.Stop(); err != nil {
		return fmt.Errorf("device: stop microphone: %w", err)
	}
	return m.stream.Close()
}

// SampleRate reports the capture rate in Hz.
func (m *PortAudioMic) SampleRate() int { return m.rate }

// ── Speaker ────────────────────────────────────────────────────────────────────

// PortAudioSpeaker plays mono PCM16 frames on the default output device.
type PortAudioSpeaker struct {
	stream *portaudio.Stream
	buf    []int16
	rate   int

	mu      sync.Mutex
	started bool
}

// OpenSpeaker opens the default output device at the given sample rate.
func OpenSpeaker(sampleRate, frames int) (*PortAudioSpeaker, error) {
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	s := &PortAudioSpeaker{
		buf:  make([]int16, frames),
		rate: sampleRate,
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frames, s.buf)
	if err != nil {
		return nil, fmt.Errorf("device: open speaker: %w", err)
	}
	s.stream = stream
	return s, nil
}

// Start begins playback. Idempotent.
func (s *PortAudioSpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("device: start speaker: %w", err)
	}
	s.started = true
	return nil
}

// WriteFrame plays one PCM16 slice. Slices shorter than the device buffer are
// zero-padded; longer slices are written in device-buffer-sized chunks.
func (s *PortAudioSpeaker) WriteFrame(pcm []byte) error {
	samples := audio.BytesToInt16s(pcm)
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("device: write speaker: %w", err)
		}
		samples = samples[n:]
	}
	return nil
}

// Stop halts playback and releases the stream. Idempotent.
func (s *PortAudioSpeaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("device: stop speaker: %w", err)
	}
	return s.stream.Close()
}

// SampleRate reports the playback rate in Hz.
func (s *PortAudioSpeaker) SampleRate() int { return s.rate }
