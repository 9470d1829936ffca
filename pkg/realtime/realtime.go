// Package realtime defines the abstraction over a bidirectional streaming
// connection to a remote speech-to-speech service.
//
// A Channel carries raw PCM audio in both directions together with partial
// transcriptions, turn boundaries, interruption signals, and structured tool
// calls. Provider packages (realtime/gemini, realtime/openai) implement the
// Dialer and Channel interfaces over their respective wire protocols.
//
// Inbound traffic is surfaced as a single ordered Event stream: every
// implementation must emit events in wire arrival order on the channel
// returned by [Channel.Events], and must never deliver two events
// concurrently. The session controller relies on this to process
// interruptions before any later message.
package realtime

import "context"

// Direction tags a transcript fragment with the side of the conversation it
// transcribes.
type Direction string

const (
	// DirectionUser is the model's running recognition of the user's speech.
	DirectionUser Direction = "user"

	// DirectionModel is the text form of the model's own spoken output.
	DirectionModel Direction = "model"
)

// ToolDefinition declares one callable function to the remote model at
// session setup. Parameters is a JSON-Schema object in the provider-neutral
// map form.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallRequest is a single function invocation requested by the model.
// Each ID arrives at most once and must be answered by exactly one
// [ToolCallResult] with the same ID.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolCallResult answers one ToolCallRequest. Response is the structured
// payload returned to the model; the remote side blocks its turn until every
// outstanding request ID has a result.
type ToolCallResult struct {
	ID       string
	Name     string
	Response map[string]any
}

// SessionConfig is the initial configuration for a realtime session.
type SessionConfig struct {
	// Instructions is the system-level prompt defining the agent's persona.
	Instructions string

	// Voice is the provider-specific voice identifier for synthesised speech.
	Voice string

	// Tools is the set of functions the model may call during the session.
	Tools []ToolDefinition
}

// EventType discriminates the variants of [Event].
type EventType int

const (
	// EventOpened signals that the provider acknowledged session setup.
	// Audio may be sent from this point on.
	EventOpened EventType = iota

	// EventAudio carries one decoded chunk of synthesised speech (PCM16).
	EventAudio

	// EventTranscript carries one incremental transcript fragment.
	EventTranscript

	// EventTurnComplete marks a conversational turn boundary; accumulated
	// transcript fragments should be finalised.
	EventTurnComplete

	// EventInterrupted signals barge-in: in-flight playback and the pending
	// model transcript are void.
	EventInterrupted

	// EventToolCall carries a batch of function invocations from the model.
	EventToolCall

	// EventClosed signals that the connection ended cleanly. It is the last
	// event before the stream closes.
	EventClosed

	// EventError signals a channel-level failure. It is the last event
	// before the stream closes.
	EventError
)

// String returns the wire-log name of the event type.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventToolCall:
		return "tool_call"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one inbound message from the realtime channel. Exactly the fields
// relevant to Type are populated.
type Event struct {
	Type EventType

	// Audio is the decoded PCM16 chunk for EventAudio, at SampleRate Hz mono.
	Audio      []byte
	SampleRate int

	// Direction and Text describe an EventTranscript fragment.
	Direction Direction
	Text      string

	// ToolCalls is the request batch for EventToolCall.
	ToolCalls []ToolCallRequest

	// Err is the failure for EventError.
	Err error
}

// Channel is an open realtime session. Implementations must be safe for
// concurrent use: sends originate from the capture goroutine while tool
// results are written from the controller's event loop.
//
// Callers must drain Events promptly and call Close when done. The Events
// channel is closed after the terminal EventClosed or EventError is
// delivered.
type Channel interface {
	// SendAudio delivers one raw PCM16 mono capture frame to the provider.
	// rate is the actual sample rate of pcm; implementations must encode it
	// into the wire format rather than assuming a constant.
	SendAudio(pcm []byte, rate int) error

	// SendToolResults returns one batch of tool results to the model. The
	// whole batch is flushed in a single wire message where the protocol
	// allows it.
	SendToolResults(results []ToolCallResult) error

	// Events returns the ordered inbound event stream.
	Events() <-chan Event

	// Close terminates the session and releases the connection. Idempotent.
	Close() error
}

// Dialer establishes realtime sessions. Implementations must be safe for
// concurrent use.
type Dialer interface {
	// Dial opens a new session with the given configuration. The returned
	// Channel accepts audio as soon as EventOpened has been observed.
	Dial(ctx context.Context, cfg SessionConfig) (Channel, error)
}
