// Package openai implements the realtime.Dialer interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded PCM16 chunks at a fixed 24 kHz rate, so
// capture frames at other rates are resampled before transmission. Tool calls
// are answered with function_call_output conversation items followed by a
// response.create trigger.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/audio"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
)

// Compile-time assertions that Dialer and channel satisfy the realtime
// interfaces.
var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Channel = (*channel)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sessionSampleRate is the PCM rate the Realtime API uses in both
	// directions when the audio format is pcm16.
	sessionSampleRate = 24000

	eventBuf = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements realtime.Dialer for OpenAI's Realtime API.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial establishes a new OpenAI Realtime session with the given configuration.
// The returned Channel emits [realtime.EventOpened] once the server sends its
// session.created event.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Channel, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan realtime.Event, eventBuf),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.sendSessionUpdate(cfg); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go ch.receiveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Tools                   []oaiTool      `json:"tools,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	closed bool

	// sawInputDelta records whether streamed user transcript deltas arrived;
	// if so the final .completed event is a duplicate and is dropped.
	sawInputDelta bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, tools and audio formats. User-side transcription is always
// requested: the transcript assembler depends on it.
func (c *channel) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcription{Model: "whisper-1"},
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if len(cfg.Tools) > 0 {
		params.Tools = make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			params.Tools[i] = oaiTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// emit delivers one event in order. It blocks until the consumer accepts the
// event or the channel is torn down, preserving arrival order end to end.
func (c *channel) emit(ev realtime.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// emitTerminal delivers the final event. It waits for the consumer even when
// the buffer is full, giving up only once teardown has abandoned the stream.
func (c *channel) emitTerminal(ev realtime.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// receiveLoop reads events from the WebSocket and translates them into
// ordered events. It owns c.events: it emits the terminal Closed/Error event
// and closes the stream when it exits.
func (c *channel) receiveLoop() {
	defer c.closeEvents()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				c.emitTerminal(realtime.Event{Type: realtime.EventClosed})
				return
			}
			c.emitTerminal(realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue // skip malformed frames
		}

		c.handleServerEvent(&evt)
	}
}

func (c *channel) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		c.emit(realtime.Event{Type: realtime.EventOpened})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		c.emit(realtime.Event{
			Type:       realtime.EventAudio,
			Audio:      pcm,
			SampleRate: sessionSampleRate,
		})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		c.emit(realtime.Event{
			Type:      realtime.EventTranscript,
			Direction: realtime.DirectionModel,
			Text:      evt.Delta,
		})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return
		}
		c.sawInputDelta = true
		c.emit(realtime.Event{
			Type:      realtime.EventTranscript,
			Direction: realtime.DirectionUser,
			Text:      evt.Delta,
		})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" || c.sawInputDelta {
			c.sawInputDelta = false
			return
		}
		c.emit(realtime.Event{
			Type:      realtime.EventTranscript,
			Direction: realtime.DirectionUser,
			Text:      evt.Transcript,
		})

	case "input_audio_buffer.speech_started":
		// Server VAD detected the user talking over the model. The server
		// cancels its own response; the client must void scheduled playback.
		c.emit(realtime.Event{Type: realtime.EventInterrupted})

	case "response.done":
		c.emit(realtime.Event{Type: realtime.EventTurnComplete})

	case "response.function_call_arguments.done":
		c.handleFunctionCall(evt)

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.emit(realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

// handleFunctionCall surfaces one function call as a single-element batch.
// OpenAI Realtime delivers calls one at a time rather than grouped.
func (c *channel) handleFunctionCall(evt *serverEvent) {
	args := map[string]any{}
	if evt.Arguments != "" {
		if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
			args = map[string]any{}
		}
	}
	c.emit(realtime.Event{
		Type: realtime.EventToolCall,
		ToolCalls: []realtime.ToolCallRequest{
			{ID: evt.CallID, Name: evt.Name, Args: args},
		},
	})
}

func (c *channel) closeEvents() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 mono capture frame to the model. The Realtime
// API expects 24 kHz input, so frames captured at other rates are resampled
// before encoding.
func (c *channel) SendAudio(pcm []byte, rate int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai: channel closed")
	}
	c.mu.Unlock()

	if rate != sessionSampleRate {
		pcm = audio.ResampleMono16(pcm, rate, sessionSampleRate)
	}
	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendToolResults returns one batch of tool results to the model. Each result
// becomes a function_call_output conversation item; a single response.create
// after the batch triggers the model's next turn.
func (c *channel) SendToolResults(results []realtime.ToolCallResult) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai: channel closed")
	}
	c.mu.Unlock()

	if len(results) == 0 {
		return nil
	}

	for _, r := range results {
		output, err := json.Marshal(r.Response)
		if err != nil {
			return fmt.Errorf("openai: marshal tool result %s: %w", r.Name, err)
		}
		msg := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   "function_call_output",
				CallID: r.ID,
				Output: string(output),
			},
		}
		if err := c.writeJSON(msg); err != nil {
			return err
		}
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// Events returns the ordered inbound event stream.
func (c *channel) Events() <-chan realtime.Event { return c.events }

// Close terminates the session and releases the connection. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
