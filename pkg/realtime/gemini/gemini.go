// Package gemini implements the realtime.Dialer interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM chunks; input and output
// transcription are requested at setup so both directions stream partial
// transcripts. Tool calls arrive as functionCall batches and are answered
// with a single toolResponse message per batch.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
)

// Compile-time assertions that Dialer and channel satisfy the realtime
// interfaces.
var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Channel = (*channel)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// outputSampleRate is the PCM rate of Gemini Live synthesised audio when
	// the inlineData mime type does not carry an explicit rate parameter.
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuf = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements realtime.Dialer for Google's Gemini Live API.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Dialer with the given API key and options.
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

// Dial establishes a new Gemini Live session with the given configuration.
// The returned Channel emits [realtime.EventOpened] once the server
// acknowledges the setup message.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan realtime.Event, eventBuf),
		done:   make(chan struct{}),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.sendSetup(d.model, cfg); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model               string             `json:"model"`
	GenerationConfig    generationConfig   `json:"generationConfig"`
	SystemInstruction   *systemInstruction `json:"systemInstruction,omitempty"`
	Tools               []geminiTool       `json:"tools,omitempty"`
	InputTranscription  *transcriptionCfg  `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *transcriptionCfg  `json:"outputAudioTranscription,omitempty"`
}

// transcriptionCfg is an empty marker object: its presence in the setup
// message enables transcription for the corresponding direction.
type transcriptionCfg struct{}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message. Both
// transcription directions are always enabled: the transcript assembler
// depends on them.
func (c *channel) sendSetup(model string, cfg realtime.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputTranscription:  &transcriptionCfg{},
			OutputTranscription: &transcriptionCfg{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return c.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
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

// receiveLoop reads messages from the WebSocket and translates them into
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
			c.emitTerminal(realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("gemini: read: %w", err)})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		c.handleServerMessage(&msg)
	}
}

func (c *channel) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		c.emit(realtime.Event{Type: realtime.EventOpened})
	}
	if msg.Error != nil {
		errMsg := "unknown error"
		if msg.Error.Message != "" {
			errMsg = msg.Error.Message
		}
		c.emit(realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("gemini: %s", errMsg)})
	}
	if msg.ServerContent != nil {
		c.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		c.handleToolCall(msg.ToolCall)
	}
}

// handleServerContent translates one serverContent block. Interruption is
// emitted before any audio in the same message so that a consumer never
// schedules a chunk the server already voided.
func (c *channel) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		c.emit(realtime.Event{Type: realtime.EventInterrupted})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			c.emit(realtime.Event{
				Type:       realtime.EventAudio,
				Audio:      pcm,
				SampleRate: rateFromMIME(p.InlineData.MIMEType),
			})
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		c.emit(realtime.Event{
			Type:      realtime.EventTranscript,
			Direction: realtime.DirectionUser,
			Text:      sc.InputTranscription.Text,
		})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		c.emit(realtime.Event{
			Type:      realtime.EventTranscript,
			Direction: realtime.DirectionModel,
			Text:      sc.OutputTranscription.Text,
		})
	}

	if sc.TurnComplete {
		c.emit(realtime.Event{Type: realtime.EventTurnComplete})
	}
}

func (c *channel) handleToolCall(tc *toolCallMsg) {
	if len(tc.FunctionCalls) == 0 {
		return
	}
	calls := make([]realtime.ToolCallRequest, len(tc.FunctionCalls))
	for i, fc := range tc.FunctionCalls {
		calls[i] = realtime.ToolCallRequest{
			ID:   fc.ID,
			Name: fc.Name,
			Args: fc.Args,
		}
	}
	c.emit(realtime.Event{Type: realtime.EventToolCall, ToolCalls: calls})
}

// emitTerminal delivers the final event. It waits for the consumer even when
// the buffer is full, giving up only once teardown has abandoned the stream.
func (c *channel) emitTerminal(ev realtime.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *channel) closeEvents() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
}

// rateFromMIME extracts the rate parameter from a mime type such as
// "audio/pcm;rate=24000". Falls back to the documented Gemini output rate.
func rateFromMIME(mime string) int {
	for _, p := range strings.Split(mime, ";") {
		p = strings.TrimSpace(p)
		if v, ok := strings.CutPrefix(p, "rate="); ok {
			if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return outputSampleRate
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 mono capture frame to the model. The actual
// sample rate of the frame is encoded into the media chunk mime type.
func (c *channel) SendAudio(pcm []byte, rate int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gemini: channel closed")
	}
	c.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(pcm)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate), Data: encoded},
			},
		},
	}
	return c.writeJSON(msg)
}

// SendToolResults flushes one batch of tool results back to the model as a
// single toolResponse message.
func (c *channel) SendToolResults(results []realtime.ToolCallResult) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gemini: channel closed")
	}
	c.mu.Unlock()

	if len(results) == 0 {
		return nil
	}

	responses := make([]functionResponse, len(results))
	for i, r := range results {
		responses[i] = functionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		}
	}
	return c.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: responses},
	})
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

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
