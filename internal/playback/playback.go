// Package playback schedules model audio chunks for gapless output.
//
// Chunks arrive from the network in bursts, faster than real time. The
// scheduler maintains a watermark: each chunk is assigned a start time of
// max(watermark, now) and the watermark advances by the chunk's duration, so
// consecutive chunks play back to back regardless of arrival jitter. An
// interruption voids everything still queued and resets the watermark, so the
// next model turn starts immediately.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/audio"
)

// sliceDuration is the granularity at which a scheduled chunk is fed to the
// speaker. Small slices keep interruption latency low.
const sliceDuration = 20 * time.Millisecond

const queueBuf = 256

// Clock abstracts time so the scheduler can be driven deterministically in
// tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }

// Speaker is the playback-facing subset of a device.
type Speaker interface {
	Start() error
	WriteFrame(pcm []byte) error
	Stop() error
	SampleRate() int
}

// Tap observes every slice that is handed to the speaker, together with the
// time the slice was scheduled to start. The recording mixer uses it to place
// playback audio on the session timeline: whatever was audible is mixed.
type Tap func(pcm []byte, start time.Time)

type chunk struct {
	pcm   []byte // resampled to the speaker rate
	start time.Time
	gen   uint64
}

// Scheduler owns the speaker and plays chunks at their assigned start times.
type Scheduler struct {
	speaker Speaker
	clock   Clock
	tap     Tap

	mu        sync.Mutex
	watermark time.Time
	gen       uint64
	pending   int

	queue  chan chunk
	notify chan struct{}

	speaking  atomic.Bool
	scheduled atomic.Int64
	interrupt atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock. Used in tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTap registers a callback invoked with every slice sent to the speaker.
func WithTap(tap Tap) Option {
	return func(s *Scheduler) { s.tap = tap }
}

// New creates a Scheduler writing to speaker.
func New(speaker Speaker, opts ...Option) *Scheduler {
	s := &Scheduler{
		speaker: speaker,
		clock:   systemClock{},
		queue:   make(chan chunk, queueBuf),
		notify:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule assigns the chunk a start time of max(watermark, now), advances
// the watermark by the chunk's duration and queues it for playback. Chunks
// at a different rate than the speaker are resampled first. Empty chunks are
// ignored.
func (s *Scheduler) Schedule(pcm []byte, rate int) {
	if len(pcm) < 2 {
		return
	}
	outRate := s.speaker.SampleRate()
	if rate != outRate {
		pcm = audio.ResampleMono16(pcm, rate, outRate)
	}
	dur := audio.PCMDuration(pcm, outRate)

	s.mu.Lock()
	now := s.clock.Now()
	start := s.watermark
	if start.Before(now) {
		start = now
	}
	s.watermark = start.Add(dur)
	c := chunk{pcm: pcm, start: start, gen: s.gen}
	s.pending++
	s.mu.Unlock()

	s.speaking.Store(true)

	select {
	case s.queue <- c:
		s.scheduled.Add(1)
	default:
		// Queue overflow means playback is hopelessly behind; dropping the
		// chunk is better than blocking the event loop.
		slog.Warn("playback: queue full, dropping chunk", "duration", dur)
		s.finishChunk(c.gen)
	}
}

// Interrupt voids all queued and in-flight audio and resets the watermark.
// The next scheduled chunk starts immediately.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.gen++
	s.pending = 0
	s.watermark = time.Time{}
	s.mu.Unlock()

	s.speaking.Store(false)
	s.interrupt.Add(1)

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ModelSpeaking reports whether any scheduled audio is queued or playing.
func (s *Scheduler) ModelSpeaking() bool { return s.speaking.Load() }

// ChunksScheduled reports how many chunks entered the playback queue.
func (s *Scheduler) ChunksScheduled() int64 { return s.scheduled.Load() }

// Interruptions reports how many times playback was voided.
func (s *Scheduler) Interruptions() int64 { return s.interrupt.Load() }

// Run starts the speaker and plays queued chunks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.speaker.Start(); err != nil {
		return err
	}
	defer func() {
		if err := s.speaker.Stop(); err != nil {
			slog.Warn("playback: stop speaker", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.queue:
			if s.stale(c.gen) {
				continue
			}
			if err := s.play(ctx, c); err != nil {
				return err
			}
		}
	}
}

// play waits until the chunk's start time, then feeds it to the speaker in
// slices. Each slice checks for interruption so barge-in cuts audio within
// one slice duration.
func (s *Scheduler) play(ctx context.Context, c chunk) error {
	if wait := c.start.Sub(s.clock.Now()); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
			if s.stale(c.gen) {
				return nil
			}
		case <-s.clock.After(wait):
		}
	}

	rate := s.speaker.SampleRate()
	sliceBytes := int(sliceDuration.Seconds()*float64(rate)) * 2
	if sliceBytes < 2 {
		sliceBytes = 2
	}

	offset := c.start
	for pcm := c.pcm; len(pcm) > 0; {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.stale(c.gen) {
			return nil
		}

		n := sliceBytes
		if n > len(pcm) {
			n = len(pcm)
		}
		slice := pcm[:n]
		pcm = pcm[n:]

		if err := s.speaker.WriteFrame(slice); err != nil {
			slog.Warn("playback: write frame", "err", err)
		} else if s.tap != nil {
			s.tap(slice, offset)
		}
		offset = offset.Add(audio.PCMDuration(slice, rate))
	}

	s.finishChunk(c.gen)
	return nil
}

// stale reports whether the chunk belongs to a voided generation.
func (s *Scheduler) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.gen
}

// finishChunk retires one chunk of the given generation. When the last chunk
// of the current generation retires, the model is no longer speaking.
func (s *Scheduler) finishChunk(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.pending--
	if s.pending <= 0 {
		s.pending = 0
		s.speaking.Store(false)
	}
}
