package playback_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Moasy1/LIA-Sales-Agent/internal/playback"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// fakeClock is a manually advanced clock. After timers fire when Advance
// moves the clock past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, fakeTimer{deadline: deadline, ch: ch})
	return ch
}

func (c *fakeClock) timerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	var remaining []fakeTimer
	for _, tm := range c.timers {
		if !tm.deadline.After(c.now) {
			tm.ch <- c.now
		} else {
			remaining = append(remaining, tm)
		}
	}
	c.timers = remaining
}

// fakeSpeaker records every frame written to it.
type fakeSpeaker struct {
	mu      sync.Mutex
	rate    int
	frames  [][]byte
	started bool
	stopped bool
}

func (s *fakeSpeaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *fakeSpeaker) WriteFrame(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), pcm...))
	return nil
}

func (s *fakeSpeaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeSpeaker) SampleRate() int { return s.rate }

func (s *fakeSpeaker) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// tapRecorder collects slice start times.
type tapRecorder struct {
	mu     sync.Mutex
	starts []time.Time
	bytes  []int
}

func (r *tapRecorder) tap(pcm []byte, start time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, start)
	r.bytes = append(r.bytes, len(pcm))
}

func (r *tapRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func (r *tapRecorder) startAt(i int) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[i]
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// pcmOf returns a PCM16 buffer of the given duration at rate.
func pcmOf(d time.Duration, rate int) []byte {
	samples := int(d.Seconds() * float64(rate))
	return make([]byte, samples*2)
}

func startScheduler(t *testing.T, s *playback.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("scheduler did not shut down")
		}
	})
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSchedule_BackToBackChunksAreGapless(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	spk := &fakeSpeaker{rate: 24000}
	rec := &tapRecorder{}
	s := playback.New(spk, playback.WithClock(clock), playback.WithTap(rec.tap))
	startScheduler(t, s)

	t0 := clock.Now()
	s.Schedule(pcmOf(100*time.Millisecond, 24000), 24000)
	s.Schedule(pcmOf(50*time.Millisecond, 24000), 24000)

	// The first chunk starts immediately and plays as five 20 ms slices.
	waitFor(t, "first chunk to play", func() bool { return rec.count() == 5 })
	if got := rec.startAt(0); !got.Equal(t0) {
		t.Errorf("first slice start = %v; want %v", got, t0)
	}
	if !s.ModelSpeaking() {
		t.Error("model not speaking while second chunk is queued")
	}

	// The second chunk is pinned to the watermark, not to arrival time.
	waitFor(t, "watermark wait", func() bool { return clock.timerCount() == 1 })
	clock.Advance(100 * time.Millisecond)
	waitFor(t, "second chunk to play", func() bool { return rec.count() == 8 })
	if got, want := rec.startAt(5), t0.Add(100*time.Millisecond); !got.Equal(want) {
		t.Errorf("second chunk start = %v; want watermark %v", got, want)
	}

	waitFor(t, "model speaking to clear", func() bool { return !s.ModelSpeaking() })
}

func TestSchedule_IdleGapRestartsAtNow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	spk := &fakeSpeaker{rate: 24000}
	rec := &tapRecorder{}
	s := playback.New(spk, playback.WithClock(clock), playback.WithTap(rec.tap))
	startScheduler(t, s)

	s.Schedule(pcmOf(20*time.Millisecond, 24000), 24000)
	waitFor(t, "first chunk", func() bool { return rec.count() == 1 })

	// Long silence; the stale watermark must not delay the next chunk.
	clock.Advance(5 * time.Second)
	later := clock.Now()
	s.Schedule(pcmOf(20*time.Millisecond, 24000), 24000)
	waitFor(t, "second chunk", func() bool { return rec.count() == 2 })

	if got := rec.startAt(1); !got.Equal(later) {
		t.Errorf("post-gap start = %v; want now %v", got, later)
	}
}

func TestSchedule_ResamplesToSpeakerRate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	spk := &fakeSpeaker{rate: 48000}
	rec := &tapRecorder{}
	s := playback.New(spk, playback.WithClock(clock), playback.WithTap(rec.tap))
	startScheduler(t, s)

	// 20 ms at 24 kHz must become 20 ms at 48 kHz: one 1920-byte slice.
	s.Schedule(pcmOf(20*time.Millisecond, 24000), 24000)
	waitFor(t, "chunk to play", func() bool { return rec.count() >= 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.bytes[0] != 1920 {
		t.Errorf("slice size = %d bytes; want 1920 at the speaker rate", rec.bytes[0])
	}
}

func TestInterrupt_VoidsQueuedChunks(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	spk := &fakeSpeaker{rate: 24000}
	rec := &tapRecorder{}
	s := playback.New(spk, playback.WithClock(clock), playback.WithTap(rec.tap))

	// Queue audio before the scheduler runs, then void it. Nothing may reach
	// the speaker once the scheduler starts.
	s.Schedule(pcmOf(100*time.Millisecond, 24000), 24000)
	s.Schedule(pcmOf(100*time.Millisecond, 24000), 24000)
	s.Interrupt()
	if s.ModelSpeaking() {
		t.Error("model still speaking immediately after interrupt")
	}

	startScheduler(t, s)

	t0 := clock.Now()
	s.Schedule(pcmOf(20*time.Millisecond, 24000), 24000)
	waitFor(t, "post-interrupt chunk", func() bool { return rec.count() >= 1 })

	// Only the post-interrupt chunk played, starting at now because the
	// watermark was reset.
	if got := rec.count(); got != 1 {
		t.Errorf("slices played = %d; want 1, voided chunks must not play", got)
	}
	if got := rec.startAt(0); !got.Equal(t0) {
		t.Errorf("post-interrupt start = %v; want %v", got, t0)
	}
	if got := s.Interruptions(); got != 1 {
		t.Errorf("interruptions = %d; want 1", got)
	}
}

func TestInterrupt_CutsInFlightWait(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	spk := &fakeSpeaker{rate: 24000}
	rec := &tapRecorder{}
	s := playback.New(spk, playback.WithClock(clock), playback.WithTap(rec.tap))
	startScheduler(t, s)

	s.Schedule(pcmOf(20*time.Millisecond, 24000), 24000)
	waitFor(t, "first chunk", func() bool { return rec.count() == 1 })

	// The second chunk is waiting for the watermark. Interrupt must drop it
	// without the clock ever advancing.
	s.Schedule(pcmOf(20*time.Millisecond, 24000), 24000)
	s.Interrupt()

	waitFor(t, "speaking to clear", func() bool { return !s.ModelSpeaking() })
	clock.Advance(time.Second)
	time.Sleep(10 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Errorf("slices played = %d; want 1, interrupted chunk must not play", got)
	}
}

func TestRun_StartsAndStopsSpeaker(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	spk := &fakeSpeaker{rate: 24000}
	s := playback.New(spk, playback.WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	waitFor(t, "speaker start", func() bool {
		spk.mu.Lock()
		defer spk.mu.Unlock()
		return spk.started
	})
	cancel()
	<-done

	spk.mu.Lock()
	defer spk.mu.Unlock()
	if !spk.stopped {
		t.Error("speaker not stopped after Run returned")
	}
}

func TestSchedule_IgnoresEmptyChunks(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	spk := &fakeSpeaker{rate: 24000}
	s := playback.New(spk, playback.WithClock(clock))
	startScheduler(t, s)

	s.Schedule(nil, 24000)
	s.Schedule([]byte{1}, 24000)

	time.Sleep(10 * time.Millisecond)
	if s.ModelSpeaking() {
		t.Error("empty chunks must not mark the model as speaking")
	}
	if got := spk.frameCount(); got != 0 {
		t.Errorf("speaker received %d frames; want 0", got)
	}
}
