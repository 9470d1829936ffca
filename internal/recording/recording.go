// Package recording mixes both sides of a session into one audio artifact.
//
// Microphone frames are appended in capture order; model playback is placed
// at the exact timeline position it was scheduled to be audible, so the
// artifact reproduces what the user actually heard. The mixed timeline is
// mono PCM16 at a fixed rate and is encoded once, at finalization, by the
// first encoder in the preference chain that succeeds.
package recording

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/audio"
)

// SampleRate is the recording timeline rate in Hz.
const SampleRate = 24000

// Artifact is a finalized session recording.
type Artifact struct {
	Data     []byte
	MIME     string
	Duration time.Duration
}

// Mixer accumulates both audio directions on a shared timeline.
type Mixer struct {
	start    time.Time
	encoders []Encoder

	mu        sync.Mutex
	timeline  []int16
	micCursor int
	finalized bool
	artifact  *Artifact
}

// Option configures a Mixer.
type Option func(*Mixer)

// WithEncoders overrides the encoder preference chain. Used in tests.
func WithEncoders(encoders ...Encoder) Option {
	return func(m *Mixer) { m.encoders = encoders }
}

// NewMixer creates a Mixer whose timeline origin is start.
func NewMixer(start time.Time, opts ...Option) *Mixer {
	m := &Mixer{
		start:    start,
		encoders: DefaultEncoders(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddMicFrame appends one captured microphone frame at the microphone cursor.
// Frames at other rates are resampled to the timeline rate first. Frames
// arriving after finalization are dropped.
func (m *Mixer) AddMicFrame(pcm []byte, rate int) {
	if rate != SampleRate {
		pcm = audio.ResampleMono16(pcm, rate, SampleRate)
	}
	samples := audio.BytesToInt16s(pcm)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.timeline = audio.MixInto(m.timeline, samples, m.micCursor)
	m.micCursor += len(samples)
}

// AddPlayback mixes one played slice at its scheduled timeline position.
// Slices before the timeline origin are clamped to it. Slices arriving after
// finalization are dropped.
func (m *Mixer) AddPlayback(pcm []byte, rate int, at time.Time) {
	if rate != SampleRate {
		pcm = audio.ResampleMono16(pcm, rate, SampleRate)
	}
	samples := audio.BytesToInt16s(pcm)

	offset := 0
	if d := at.Sub(m.start); d > 0 {
		offset = int(d.Seconds() * SampleRate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.timeline = audio.MixInto(m.timeline, samples, offset)
}

// Finalize encodes the timeline and returns the artifact. The first call
// encodes; every later call returns the same artifact. A session with no
// audio at all still yields an artifact of zero duration.
func (m *Mixer) Finalize() (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return m.artifact, nil
	}
	m.finalized = true

	dur := time.Duration(len(m.timeline)) * time.Second / SampleRate

	for _, enc := range m.encoders {
		data, err := enc.Encode(m.timeline, SampleRate)
		if err != nil {
			slog.Warn("recording: encoder failed, trying next", "encoder", enc.Name(), "err", err)
			continue
		}
		m.artifact = &Artifact{Data: data, MIME: enc.MIME(), Duration: dur}
		return m.artifact, nil
	}
	return nil, fmt.Errorf("recording: all encoders failed")
}
