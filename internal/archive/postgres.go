package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Archiver = (*PostgresArchiver)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                    TEXT         PRIMARY KEY,
    started_at            TIMESTAMPTZ  NOT NULL,
    ended_at              TIMESTAMPTZ  NOT NULL,
    recording             BYTEA,
    recording_mime        TEXT         NOT NULL DEFAULT '',
    recording_duration_ns BIGINT       NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transcript_entries (
    id         TEXT         PRIMARY KEY,
    session_id TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    position   INT          NOT NULL,
    direction  TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session
    ON transcript_entries (session_id, position);

CREATE TABLE IF NOT EXISTS actions (
    id         TEXT         NOT NULL,
    session_id TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    position   INT          NOT NULL,
    kind       TEXT         NOT NULL,
    detail     TEXT         NOT NULL,
    status     TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS leads (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    name       TEXT         NOT NULL,
    phone      TEXT         NOT NULL,
    email      TEXT         NOT NULL DEFAULT '',
    interest   TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_session ON leads (session_id);
`

// PostgresArchiver stores session records in PostgreSQL. All operations are
// safe for concurrent use.
type PostgresArchiver struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresArchiver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &PostgresArchiver{pool: pool}, nil
}

// Archive implements Archiver. The whole record is written in one
// transaction so a session is either fully archived or not at all.
func (a *PostgresArchiver) Archive(ctx context.Context, rec Record) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		recData []byte
		recMIME string
		recDur  int64
	)
	if rec.Recording != nil {
		recData = rec.Recording.Data
		recMIME = rec.Recording.MIME
		recDur = rec.Recording.Duration.Nanoseconds()
	}

	const qSession = `
		INSERT INTO sessions (id, started_at, ended_at, recording, recording_mime, recording_duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, qSession,
		rec.SessionID, rec.StartedAt, rec.EndedAt, recData, recMIME, recDur,
	); err != nil {
		return fmt.Errorf("archive: write session: %w", err)
	}

	const qEntry = `
		INSERT INTO transcript_entries (id, session_id, position, direction, text, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for i, e := range rec.Transcript {
		if _, err := tx.Exec(ctx, qEntry,
			e.ID, rec.SessionID, i, string(e.Direction), e.Text, e.Timestamp,
		); err != nil {
			return fmt.Errorf("archive: write transcript entry: %w", err)
		}
	}

	const qAction = `
		INSERT INTO actions (id, session_id, position, kind, detail, status, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for i, act := range rec.Actions {
		if _, err := tx.Exec(ctx, qAction,
			act.ID, rec.SessionID, i, string(act.Kind), act.Detail, act.Status, act.Timestamp,
		); err != nil {
			return fmt.Errorf("archive: write action: %w", err)
		}
	}

	const qLead = `
		INSERT INTO leads (session_id, name, phone, email, interest)
		VALUES ($1, $2, $3, $4, $5)`
	for _, lead := range rec.Leads {
		if _, err := tx.Exec(ctx, qLead,
			rec.SessionID, lead.Name, lead.Phone, lead.Email, lead.Interest,
		); err != nil {
			return fmt.Errorf("archive: write lead: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Ping verifies the database connection. Used by readiness probes.
func (a *PostgresArchiver) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (a *PostgresArchiver) Close() {
	a.pool.Close()
}
