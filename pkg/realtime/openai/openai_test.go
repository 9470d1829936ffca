package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server that first consumes the
// client's session.update, then sends session.created, then hands the
// connection to the handler.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func nextEvent(t *testing.T, ch realtime.Channel) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return realtime.Event{}
}

func dialTest(t *testing.T, srv *httptest.Server) realtime.Channel {
	t.Helper()
	ch, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).
		Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

// ── Session update ────────────────────────────────────────────────────────────

func TestDial_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	updateCh := make(chan map[string]any, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		var update map[string]any
		readJSON(t, conn, &update)
		updateCh <- update
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(srv.Close)

	ch, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).
		Dial(context.Background(), realtime.SessionConfig{
			Instructions: "You are Alex.",
			Voice:        "coral",
			Tools: []realtime.ToolDefinition{
				{Name: "start_outbound_call", Description: "Place a call."},
			},
		})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	var update map[string]any
	select {
	case update = <-updateCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}

	if got, want := update["type"], "session.update"; got != want {
		t.Fatalf("type = %v; want %v", got, want)
	}
	sess := update["session"].(map[string]any)
	if got, want := sess["voice"], "coral"; got != want {
		t.Errorf("voice = %v; want %v", got, want)
	}
	if got, want := sess["input_audio_format"], "pcm16"; got != want {
		t.Errorf("input_audio_format = %v; want %v", got, want)
	}
	if _, ok := sess["input_audio_transcription"]; !ok {
		t.Error("session.update missing input_audio_transcription")
	}
	tools := sess["tools"].([]any)
	tool := tools[0].(map[string]any)
	if got, want := tool["type"], "function"; got != want {
		t.Errorf("tool type = %v; want %v", got, want)
	}
	if got, want := tool["name"], "start_outbound_call"; got != want {
		t.Errorf("tool name = %v; want %v", got, want)
	}

	if ev := nextEvent(t, ch); ev.Type != realtime.EventOpened {
		t.Errorf("first event = %v; want opened", ev.Type)
	}
}

// ── Inbound events ────────────────────────────────────────────────────────────

func TestEventTranslation_Order(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio_transcript.delta",
			"delta": "Hello",
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv)

	if ev := nextEvent(t, ch); ev.Type != realtime.EventOpened {
		t.Fatalf("event 1 = %v; want opened", ev.Type)
	}

	ev := nextEvent(t, ch)
	if ev.Type != realtime.EventAudio {
		t.Fatalf("event 2 = %v; want audio", ev.Type)
	}
	if string(ev.Audio) != string(pcm) {
		t.Errorf("audio = %v; want %v", ev.Audio, pcm)
	}
	if ev.SampleRate != 24000 {
		t.Errorf("sample rate = %d; want 24000", ev.SampleRate)
	}

	ev = nextEvent(t, ch)
	if ev.Type != realtime.EventTranscript || ev.Direction != realtime.DirectionModel || ev.Text != "Hello" {
		t.Fatalf("event 3 = %+v; want model transcript \"Hello\"", ev)
	}

	if ev = nextEvent(t, ch); ev.Type != realtime.EventTurnComplete {
		t.Fatalf("event 4 = %v; want turn_complete", ev.Type)
	}
}

func TestSpeechStarted_MapsToInterrupted(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv)

	nextEvent(t, ch) // opened
	if ev := nextEvent(t, ch); ev.Type != realtime.EventInterrupted {
		t.Fatalf("event = %v; want interrupted", ev.Type)
	}
}

func TestInputTranscription_CompletedWithoutDeltas(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "I need a villa",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv)

	nextEvent(t, ch) // opened
	ev := nextEvent(t, ch)
	if ev.Type != realtime.EventTranscript || ev.Direction != realtime.DirectionUser {
		t.Fatalf("event = %+v; want user transcript", ev)
	}
	if ev.Text != "I need a villa" {
		t.Errorf("text = %q; want %q", ev.Text, "I need a villa")
	}
}

func TestInputTranscription_CompletedAfterDeltasDropped(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"type":  "conversation.item.input_audio_transcription.delta",
			"delta": "I need ",
		})
		writeJSON(t, conn, map[string]any{
			"type":  "conversation.item.input_audio_transcription.delta",
			"delta": "a villa",
		})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "I need a villa",
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv)

	nextEvent(t, ch) // opened
	if ev := nextEvent(t, ch); ev.Text != "I need " {
		t.Fatalf("delta 1 = %+v", ev)
	}
	if ev := nextEvent(t, ch); ev.Text != "a villa" {
		t.Fatalf("delta 2 = %+v", ev)
	}
	// The completed event duplicates the deltas and must not surface; the next
	// event is the turn completion.
	if ev := nextEvent(t, ch); ev.Type != realtime.EventTurnComplete {
		t.Fatalf("event = %+v; want turn_complete, not duplicated transcript", ev)
	}
}

// ── Tool calls ────────────────────────────────────────────────────────────────

func TestFunctionCall_RoundTrip(t *testing.T) {
	t.Parallel()

	outCh := make(chan []map[string]any, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call_7",
			"name":      "submit_lead_form",
			"arguments": `{"name":"Sara","phone":"+20100"}`,
		})
		var msgs []map[string]any
		for i := 0; i < 2; i++ {
			var m map[string]any
			readJSON(t, conn, &m)
			msgs = append(msgs, m)
		}
		outCh <- msgs
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv)

	nextEvent(t, ch) // opened
	ev := nextEvent(t, ch)
	if ev.Type != realtime.EventToolCall {
		t.Fatalf("event = %v; want tool_call", ev.Type)
	}
	if len(ev.ToolCalls) != 1 {
		t.Fatalf("batch size = %d; want 1", len(ev.ToolCalls))
	}
	call := ev.ToolCalls[0]
	if call.ID != "call_7" || call.Name != "submit_lead_form" {
		t.Errorf("call = %+v", call)
	}
	if got := call.Args["name"]; got != "Sara" {
		t.Errorf("args[name] = %v; want Sara", got)
	}

	err := ch.SendToolResults([]realtime.ToolCallResult{
		{ID: "call_7", Name: "submit_lead_form", Response: map[string]any{"result": "success"}},
	})
	if err != nil {
		t.Fatalf("SendToolResults: %v", err)
	}

	var msgs []map[string]any
	select {
	case msgs = <-outCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool result messages")
	}

	if got, want := msgs[0]["type"], "conversation.item.create"; got != want {
		t.Fatalf("message 1 type = %v; want %v", got, want)
	}
	item := msgs[0]["item"].(map[string]any)
	if got, want := item["type"], "function_call_output"; got != want {
		t.Errorf("item type = %v; want %v", got, want)
	}
	if got, want := item["call_id"], "call_7"; got != want {
		t.Errorf("call_id = %v; want %v", got, want)
	}
	if got, want := msgs[1]["type"], "response.create"; got != want {
		t.Errorf("message 2 type = %v; want %v", got, want)
	}
}

// ── Outbound audio ────────────────────────────────────────────────────────────

func TestSendAudio_ResamplesToSessionRate(t *testing.T) {
	t.Parallel()

	chunkCh := make(chan map[string]any, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		var m map[string]any
		readJSON(t, conn, &m)
		chunkCh <- m
		<-conn.CloseRead(context.Background()).Done()
	})

	ch := dialTest(t, srv)

	// 48 kHz input must be halved to the fixed 24 kHz session rate.
	pcm := make([]byte, 96) // 48 samples at 48 kHz
	if err := ch.SendAudio(pcm, 48000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	var m map[string]any
	select {
	case m = <-chunkCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for input_audio_buffer.append")
	}

	if got, want := m["type"], "input_audio_buffer.append"; got != want {
		t.Fatalf("type = %v; want %v", got, want)
	}
	data, err := base64.StdEncoding.DecodeString(m["audio"].(string))
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if len(data) != 48 {
		t.Errorf("resampled length = %d bytes; want 48", len(data))
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestClose_IsIdempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ch, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).
		Dial(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ch.SendAudio([]byte{0, 0}, 24000); err == nil {
		t.Error("SendAudio after Close should fail")
	}
}

func TestServerDisconnect_TerminalErrorSurvivesFullBuffer(t *testing.T) {
	t.Parallel()

	chunk := base64.StdEncoding.EncodeToString([]byte{1, 0})

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		// Overrun the event buffer before the consumer reads anything.
		for i := 0; i < 80; i++ {
			writeJSON(t, conn, map[string]any{
				"type":  "response.audio.delta",
				"delta": chunk,
			})
		}
		conn.Close(websocket.StatusInternalError, "boom")
	})

	ch := dialTest(t, srv)

	time.Sleep(100 * time.Millisecond)

	var last realtime.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				if last.Type != realtime.EventError {
					t.Fatalf("last event = %v; want the terminal error, not a silent close", last.Type)
				}
				return
			}
			last = ev
		case <-deadline:
			t.Fatal("timeout draining events")
		}
	}
}
