// Package transcript assembles streamed transcription deltas into turn
// entries.
//
// Both directions accumulate independently until the model signals the end
// of a turn, at which point the buffered text becomes immutable entries,
// user side first. An interruption discards the model's pending text, which
// was never fully spoken, while the user's pending text survives.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
)

// Entry is one finalized utterance of the conversation.
type Entry struct {
	ID        string             `json:"id"`
	Direction realtime.Direction `json:"direction"`
	Text      string             `json:"text"`
	Timestamp time.Time          `json:"timestamp"`
}

// Assembler buffers transcription deltas per direction and finalizes them on
// turn boundaries. All methods are safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	user    strings.Builder
	model   strings.Builder
	entries []Entry
	now     func() time.Time
	corr    *Corrector
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithNow overrides the timestamp source. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithCorrector canonicalizes domain terms in finalized user entries. Model
// entries are left untouched; the model spells its own terms correctly.
func WithCorrector(c *Corrector) Option {
	return func(a *Assembler) { a.corr = c }
}

// New creates an empty Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append adds one delta to the pending buffer for its direction.
func (a *Assembler) Append(dir realtime.Direction, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch dir {
	case realtime.DirectionUser:
		a.user.WriteString(text)
	case realtime.DirectionModel:
		a.model.WriteString(text)
	}
}

// CompleteTurn finalizes both pending buffers and returns the new entries,
// user side first. Buffers that trim to nothing produce no entry. Both
// buffers are cleared regardless.
func (a *Assembler) CompleteTurn() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var added []Entry
	if text := strings.TrimSpace(a.user.String()); text != "" {
		if a.corr != nil {
			text = a.corr.Correct(text)
		}
		added = append(added, Entry{
			ID:        uuid.NewString(),
			Direction: realtime.DirectionUser,
			Text:      text,
			Timestamp: a.now(),
		})
	}
	if text := strings.TrimSpace(a.model.String()); text != "" {
		added = append(added, Entry{
			ID:        uuid.NewString(),
			Direction: realtime.DirectionModel,
			Text:      text,
			Timestamp: a.now(),
		})
	}
	a.user.Reset()
	a.model.Reset()
	a.entries = append(a.entries, added...)
	return added
}

// DropPending discards the model's pending buffer. The user buffer is kept:
// what the user said was real even if it cut the model off.
func (a *Assembler) DropPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.Reset()
}

// Entries returns a copy of all finalized entries in conversation order.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len reports the number of finalized entries.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
