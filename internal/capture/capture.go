// Package capture streams microphone frames into a realtime session.
//
// Each frame is measured for loudness before transmission so the rest of the
// client can reflect whether the user is currently talking. A tap callback
// hands every captured frame to the recording mixer.
package capture

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/audio"
)

// DefaultSpeakingThreshold is the normalized RMS level above which a frame
// counts as the user speaking. The flag flips per frame with no hysteresis.
const DefaultSpeakingThreshold = 0.02

// Sink receives captured PCM16 frames, typically a realtime.Channel.
type Sink interface {
	SendAudio(pcm []byte, rate int) error
}

// Tap observes every captured frame, whether or not the sink accepted it.
// The recording mixer consumes the raw microphone signal through it.
type Tap func(pcm []byte, rate int)

// Streamer pumps microphone frames into a Sink until its context ends.
type Streamer struct {
	mic       Microphone
	sink      Sink
	tap       Tap
	threshold float64

	speaking atomic.Bool
	frames   atomic.Int64
}

// Microphone is the capture-facing subset of a device.
type Microphone interface {
	Start() error
	ReadFrame() ([]byte, error)
	Stop() error
	SampleRate() int
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithThreshold overrides the speaking detection threshold.
func WithThreshold(threshold float64) Option {
	return func(s *Streamer) { s.threshold = threshold }
}

// WithTap registers a callback invoked with every captured frame.
func WithTap(tap Tap) Option {
	return func(s *Streamer) { s.tap = tap }
}

// New creates a Streamer reading from mic and writing to sink.
func New(mic Microphone, sink Sink, opts ...Option) *Streamer {
	s := &Streamer{
		mic:       mic,
		sink:      sink,
		threshold: DefaultSpeakingThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run starts the microphone and streams frames until ctx is cancelled. A
// failed frame read is logged and skipped; a failed send is logged but the
// frame still counts and reaches the tap. Run always stops the microphone
// and clears the speaking flag on exit.
func (s *Streamer) Run(ctx context.Context) error {
	if err := s.mic.Start(); err != nil {
		return err
	}
	defer func() {
		s.speaking.Store(false)
		if err := s.mic.Stop(); err != nil {
			slog.Warn("capture: stop microphone", "err", err)
		}
	}()

	rate := s.mic.SampleRate()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pcm, err := s.mic.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("capture: read frame", "err", err)
			continue
		}

		s.speaking.Store(audio.RMS(pcm) > s.threshold)
		s.frames.Add(1)

		// The tap runs before the send: the recording keeps the user's
		// audio even when the channel is down.
		if s.tap != nil {
			s.tap(pcm, rate)
		}

		if err := s.sink.SendAudio(pcm, rate); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("capture: send frame", "err", err)
		}
	}
}

// Speaking reports whether the most recent frame exceeded the threshold.
func (s *Streamer) Speaking() bool { return s.speaking.Load() }

// FramesCaptured reports how many frames were read from the microphone.
func (s *Streamer) FramesCaptured() int64 { return s.frames.Load() }
