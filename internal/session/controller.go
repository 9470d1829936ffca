// Package session owns the lifecycle of one realtime conversation.
//
// The Controller is a small state machine: DISCONNECTED to CONNECTING to
// CONNECTED, ending in DISCONNECTED or ERROR. Connecting builds a fresh set
// of collaborators (capture streamer, playback scheduler, recording mixer,
// transcript assembler, tool dispatcher) around a newly dialed channel, so
// no state leaks between sessions. The inbound event stream has exactly one
// consumer, the event loop, which preserves arrival order end to end.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Moasy1/LIA-Sales-Agent/internal/archive"
	"github.com/Moasy1/LIA-Sales-Agent/internal/capture"
	"github.com/Moasy1/LIA-Sales-Agent/internal/observe"
	"github.com/Moasy1/LIA-Sales-Agent/internal/playback"
	"github.com/Moasy1/LIA-Sales-Agent/internal/recording"
	"github.com/Moasy1/LIA-Sales-Agent/internal/tooling"
	"github.com/Moasy1/LIA-Sales-Agent/internal/transcript"
	"github.com/Moasy1/LIA-Sales-Agent/internal/transcript/phonetic"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/audio"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
)

// State is the lifecycle state of the controller.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config carries everything a Controller needs to open sessions.
type Config struct {
	Dialer realtime.Dialer

	// NewMicrophone and NewSpeaker open fresh devices per session.
	NewMicrophone func() (capture.Microphone, error)
	NewSpeaker    func() (playback.Speaker, error)

	Archiver archive.Archiver
	Hooks    tooling.Hooks

	Instructions string
	Voice        string

	// ProviderName labels provider error metrics. Optional.
	ProviderName string

	// TranscriptTerms are domain terms (project names, locations) to
	// canonicalize in transcribed user speech. Optional.
	TranscriptTerms []string

	// Metrics receives session telemetry. Nil selects the package-level
	// default instruments.
	Metrics *observe.Metrics

	// Clock drives playback scheduling and recording timestamps. Nil selects
	// the wall clock.
	Clock playback.Clock

	// SpeakingThreshold overrides the capture speaking threshold when > 0.
	SpeakingThreshold float64
}

// Controller opens, supervises and tears down realtime sessions. All methods
// are safe for concurrent use.
type Controller struct {
	cfg Config

	mu    sync.Mutex
	state State
	sess  *liveSession
	last  *liveSession
}

// liveSession bundles the per-session collaborators.
type liveSession struct {
	id        string
	startedAt time.Time

	channel    realtime.Channel
	streamer   *capture.Streamer
	scheduler  *playback.Scheduler
	mixer      *recording.Mixer
	assembler  *transcript.Assembler
	dispatcher *tooling.Dispatcher

	// opened is closed on the EventOpened acknowledgment; capture holds
	// back until then.
	opened   chan struct{}
	openOnce sync.Once

	// artifact is the finalized recording, set during teardown.
	artifact *recording.Artifact

	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a Controller in the DISCONNECTED state.
func NewController(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = playback.SystemClock()
	}
	if cfg.Archiver == nil {
		cfg.Archiver = archive.LogArchiver{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Controller{cfg: cfg}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserSpeaking reports whether the most recent capture frame was above the
// speaking threshold. False outside an active session.
func (c *Controller) UserSpeaking() bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	return sess != nil && sess.streamer.Speaking()
}

// ModelSpeaking reports whether model audio is queued or playing. False
// outside an active session.
func (c *Controller) ModelSpeaking() bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	return sess != nil && sess.scheduler.ModelSpeaking()
}

// Transcript returns the finalized entries of the active session, or of the
// most recently completed one.
func (c *Controller) Transcript() []transcript.Entry {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		sess = c.last
	}
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.assembler.Entries()
}

// Actions returns the action records of the active session, or of the most
// recently completed one.
func (c *Controller) Actions() []tooling.Action {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		sess = c.last
	}
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.dispatcher.Actions()
}

// Leads returns the captured lead payloads of the active session, or of the
// most recently completed one.
func (c *Controller) Leads() []tooling.Lead {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		sess = c.last
	}
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.dispatcher.Leads()
}

// Recording returns the finalized mixed recording of the most recently
// completed session. Nil while a session is active or when the session
// produced no audio.
func (c *Controller) Recording() *recording.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	return c.last.artifact
}

// Connect opens a new session. It is a no-op while a session is connecting
// or connected; from DISCONNECTED or ERROR it always starts fresh, clearing
// every trace of the previous session. Device or dial failure moves the
// controller to ERROR.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	sess, err := c.openSession(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		return err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go c.run(sessCtx, cancel, sess)
	return nil
}

// openSession acquires devices, dials the channel and wires the per-session
// collaborators. On failure everything acquired so far is released.
func (c *Controller) openSession(ctx context.Context) (*liveSession, error) {
	mic, err := c.cfg.NewMicrophone()
	if err != nil {
		return nil, fmt.Errorf("session: open microphone: %w", err)
	}
	speaker, err := c.cfg.NewSpeaker()
	if err != nil {
		_ = mic.Stop()
		return nil, fmt.Errorf("session: open speaker: %w", err)
	}

	channel, err := c.cfg.Dialer.Dial(ctx, realtime.SessionConfig{
		Instructions: c.cfg.Instructions,
		Voice:        c.cfg.Voice,
		Tools:        tooling.Definitions(),
	})
	if err != nil {
		_ = mic.Stop()
		_ = speaker.Stop()
		return nil, fmt.Errorf("session: dial: %w", err)
	}

	start := c.cfg.Clock.Now()
	mixer := recording.NewMixer(start)

	scheduler := playback.New(speaker,
		playback.WithClock(c.cfg.Clock),
		playback.WithTap(func(pcm []byte, at time.Time) {
			mixer.AddPlayback(pcm, speaker.SampleRate(), at)
		}),
	)

	captureOpts := []capture.Option{
		capture.WithTap(func(pcm []byte, rate int) {
			mixer.AddMicFrame(pcm, rate)
		}),
	}
	if c.cfg.SpeakingThreshold > 0 {
		captureOpts = append(captureOpts, capture.WithThreshold(c.cfg.SpeakingThreshold))
	}

	var assemblerOpts []transcript.Option
	if len(c.cfg.TranscriptTerms) > 0 {
		corr := transcript.NewCorrector(phonetic.New(), c.cfg.TranscriptTerms)
		assemblerOpts = append(assemblerOpts, transcript.WithCorrector(corr))
	}

	sess := &liveSession{
		id:         uuid.NewString(),
		startedAt:  start,
		channel:    channel,
		streamer:   capture.New(mic, channel, captureOpts...),
		scheduler:  scheduler,
		mixer:      mixer,
		assembler:  transcript.New(assemblerOpts...),
		dispatcher: tooling.New(c.cfg.Hooks),
		opened:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	return sess, nil
}

// run supervises the session goroutines, then tears down in a fixed order:
// capture first, channel, playback, recording, state, archive handoff.
func (c *Controller) run(sessCtx context.Context, cancel context.CancelFunc, sess *liveSession) {
	defer close(sess.done)

	c.cfg.Metrics.ActiveSessions.Add(sessCtx, 1)

	g, gCtx := errgroup.WithContext(sessCtx)
	var loopErr error
	g.Go(func() error {
		err := c.eventLoop(gCtx, sess)
		if err != nil {
			loopErr = err
		}
		cancel() // channel gone, wind down capture and playback
		return nil
	})
	g.Go(func() error {
		// Audio starts flowing only once the channel has acknowledged
		// the session.
		select {
		case <-gCtx.Done():
			return nil
		case <-sess.opened:
		}
		err := sess.streamer.Run(gCtx)
		if err != nil && gCtx.Err() == nil {
			slog.Error("session: capture failed", "session_id", sess.id, "err", err)
		}
		return nil
	})
	g.Go(func() error {
		err := sess.scheduler.Run(gCtx)
		if err != nil && gCtx.Err() == nil {
			slog.Error("session: playback failed", "session_id", sess.id, "err", err)
		}
		return nil
	})
	_ = g.Wait()

	// Close unblocks the provider's receive loop; draining the remaining
	// events lets it exit and close the stream.
	_ = sess.channel.Close()
	audio.Drain(sess.channel.Events())

	artifact, err := sess.mixer.Finalize()
	if err != nil {
		slog.Warn("session: finalize recording", "session_id", sess.id, "err", err)
		artifact = nil
	}

	endState := StateDisconnected
	if loopErr != nil {
		endState = StateError
		slog.Error("session: ended with error", "session_id", sess.id, "err", loopErr)
	}

	c.mu.Lock()
	c.state = endState
	c.sess = nil
	sess.artifact = artifact
	c.last = sess
	c.mu.Unlock()

	ctx := context.Background()
	c.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	c.cfg.Metrics.MicFrames.Add(ctx, sess.streamer.FramesCaptured())
	c.cfg.Metrics.SessionDuration.Record(ctx, c.cfg.Clock.Now().Sub(sess.startedAt).Seconds())

	c.handOff(sess, artifact)
}

// handOff archives the completed session exactly once, and only when it
// produced any conversational content.
func (c *Controller) handOff(sess *liveSession, artifact *recording.Artifact) {
	entries := sess.assembler.Entries()
	actions := sess.dispatcher.Actions()
	leads := sess.dispatcher.Leads()

	audioExchanged := sess.streamer.FramesCaptured() > 0 || sess.scheduler.ChunksScheduled() > 0
	if len(entries) == 0 && len(actions) == 0 && !audioExchanged {
		slog.Debug("session: nothing to archive", "session_id", sess.id)
		return
	}
	if !audioExchanged {
		artifact = nil
	}
	if artifact != nil && len(artifact.Data) == 0 {
		artifact = nil
	}

	rec := archive.Record{
		SessionID:  sess.id,
		StartedAt:  sess.startedAt,
		EndedAt:    c.cfg.Clock.Now(),
		Recording:  artifact,
		Transcript: entries,
		Actions:    actions,
		Leads:      leads,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	archiveStart := time.Now()
	err := c.cfg.Archiver.Archive(ctx, rec)
	c.cfg.Metrics.ArchiveDuration.Record(ctx, time.Since(archiveStart).Seconds())
	if err != nil {
		c.cfg.Metrics.ArchiveErrors.Add(ctx, 1)
		slog.Error("session: archive failed", "session_id", sess.id, "err", err)
		return
	}
	slog.Info("session: archived",
		"session_id", sess.id,
		"entries", len(entries),
		"actions", len(actions),
		"leads", len(leads),
		"recording", artifact != nil,
	)
}

// eventLoop is the sole consumer of the inbound event stream. Events are
// handled strictly in arrival order. It returns nil on clean closure and the
// terminal error otherwise.
func (c *Controller) eventLoop(ctx context.Context, sess *liveSession) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sess.channel.Events():
			if !ok {
				return nil
			}
			if err := c.handleEvent(ctx, sess, ev); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, sess *liveSession, ev realtime.Event) error {
	switch ev.Type {
	case realtime.EventOpened:
		sess.openOnce.Do(func() { close(sess.opened) })
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateConnected
		}
		c.mu.Unlock()
		slog.Info("session: connected", "session_id", sess.id)

	case realtime.EventAudio:
		sess.scheduler.Schedule(ev.Audio, ev.SampleRate)
		c.cfg.Metrics.PlaybackChunks.Add(ctx, 1)

	case realtime.EventTranscript:
		sess.assembler.Append(ev.Direction, ev.Text)

	case realtime.EventInterrupted:
		// Everything scheduled but unheard is voided, as is the model's
		// half-spoken transcript.
		sess.scheduler.Interrupt()
		sess.assembler.DropPending()
		c.cfg.Metrics.Interruptions.Add(ctx, 1)
		slog.Debug("session: interrupted", "session_id", sess.id)

	case realtime.EventTurnComplete:
		entries := sess.assembler.CompleteTurn()
		for _, e := range entries {
			c.cfg.Metrics.RecordTranscriptEntry(ctx, string(e.Direction))
		}
		if len(entries) > 0 {
			slog.Debug("session: turn complete", "session_id", sess.id, "entries", len(entries))
		}

	case realtime.EventToolCall:
		results := sess.dispatcher.Dispatch(ev.ToolCalls)
		for _, res := range results {
			status := "completed"
			if res.Response["result"] == "error" {
				status = "error"
			}
			c.cfg.Metrics.RecordToolCall(ctx, res.Name, status)
		}
		if err := sess.channel.SendToolResults(results); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("session: send tool results: %w", err)
		}

	case realtime.EventError:
		if ev.Err != nil {
			c.cfg.Metrics.RecordProviderError(ctx, c.cfg.ProviderName)
			return ev.Err
		}

	case realtime.EventClosed:
		return nil
	}
	return nil
}

// Stop ends the active session and blocks until teardown, including the
// archive handoff, has completed. Calling Stop with no active session is a
// no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	sess.cancel()
	<-sess.done
}
