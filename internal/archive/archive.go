// Package archive persists completed sessions for later review.
//
// A Record bundles everything a session produced: the mixed recording (when
// any audio was exchanged), the ordered transcript, the action records and
// the captured leads. The session controller hands each record to an
// Archiver exactly once, after teardown has fully completed.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/Moasy1/LIA-Sales-Agent/internal/recording"
	"github.com/Moasy1/LIA-Sales-Agent/internal/tooling"
	"github.com/Moasy1/LIA-Sales-Agent/internal/transcript"
)

// Record is one completed session.
type Record struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time

	// Recording is nil when the session never produced audio.
	Recording  *recording.Artifact
	Transcript []transcript.Entry
	Actions    []tooling.Action
	Leads      []tooling.Lead
}

// Archiver stores one completed session record.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// LogArchiver is the fallback Archiver used when no backend store is
// configured. It logs a summary and discards the payload.
type LogArchiver struct{}

// Archive implements Archiver.
func (LogArchiver) Archive(_ context.Context, rec Record) error {
	attrs := []any{
		"session_id", rec.SessionID,
		"duration", rec.EndedAt.Sub(rec.StartedAt),
		"entries", len(rec.Transcript),
		"actions", len(rec.Actions),
		"leads", len(rec.Leads),
	}
	if rec.Recording != nil {
		attrs = append(attrs,
			"recording_bytes", len(rec.Recording.Data),
			"recording_mime", rec.Recording.MIME,
		)
	}
	slog.Info("archive: session discarded (no store configured)", attrs...)
	return nil
}
