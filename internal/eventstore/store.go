package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voiceorder/internal/config"
	"github.com/loqalabs/loqa-voiceorder/internal/protocol"
	_ "modernc.org/sqlite"
)

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// SessionRecord is the summary row of one voice session.
type SessionRecord struct {
	SessionID  string
	UserID     string
	State      string
	Error      string
	Transcript string
	FramesSent int64
	StartedAt  time.Time
	EndedAt    time.Time
}

// TranscriptRecord is one logged transcript with the items parsed from it.
type TranscriptRecord struct {
	ID         int64
	SessionID  string
	Transcript string
	Items      []protocol.ParsedLine
	CreatedAt  time.Time
}

const (
	EventTranscript = "voice.transcript"
	EventSession    = "voice.session"
)

// Store wraps a SQLite-backed voice session timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS voice_sessions (
    session_id TEXT PRIMARY KEY,
    user_id TEXT,
    state TEXT,
    error TEXT,
    transcript TEXT,
    frames_sent INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP,
    ended_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    transcript TEXT NOT NULL,
    items BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES voice_sessions(session_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES voice_sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSession inserts or updates the summary row for a session.
func (s *Store) RecordSession(ctx context.Context, rec SessionRecord) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_sessions(session_id, user_id, state, error, transcript, frames_sent, started_at, ended_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   user_id=excluded.user_id, state=excluded.state, error=excluded.error,
		   transcript=excluded.transcript, frames_sent=excluded.frames_sent,
		   started_at=excluded.started_at, ended_at=excluded.ended_at`,
		rec.SessionID, rec.UserID, rec.State, rec.Error, rec.Transcript, rec.FramesSent,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), s.clock().UTC())
	return err
}

// GetSession loads a session summary.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if s.disabled() {
		return SessionRecord{}, sql.ErrNoRows
	}
	var (
		rec            SessionRecord
		userID, state  sql.NullString
		errText, text  sql.NullString
		started, ended sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, state, error, transcript, frames_sent, started_at, ended_at
		 FROM voice_sessions WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &userID, &state, &errText, &text, &rec.FramesSent, &started, &ended)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.UserID, rec.State, rec.Error, rec.Transcript = userID.String, state.String, errText.String, text.String
	rec.StartedAt = parseTime(started.String)
	rec.EndedAt = parseTime(ended.String)
	return rec, nil
}

// LogVoiceTranscript stores a transcript and the items parsed from it.
func (s *Store) LogVoiceTranscript(ctx context.Context, rec protocol.VoiceTranscript) error {
	if s.disabled() {
		return nil
	}
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	created := rec.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureSession(ctx, tx, rec.SessionID, created); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, transcript, items, created_at) VALUES(?, ?, ?, ?)`,
		rec.SessionID, rec.Transcript, items, created.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListTranscripts returns up to limit transcripts, newest first.
func (s *Store) ListTranscripts(ctx context.Context, limit int) ([]TranscriptRecord, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, transcript, items, created_at
		 FROM transcripts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptRecord
	for rows.Next() {
		var (
			r       TranscriptRecord
			items   []byte
			created string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Transcript, &items, &created); err != nil {
			return nil, err
		}
		if len(items) > 0 {
			if err := json.Unmarshal(items, &r.Items); err != nil {
				s.log.Warn("skipping undecodable transcript items", slog.Int64("id", r.ID), slog.String("error", err.Error()))
			}
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendEvent writes an event into the store, creating the session row if needed.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureSession(ctx, tx, evt.SessionID, evt.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM voice_sessions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM voice_sessions WHERE session_id IN (
			SELECT session_id FROM voice_sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func ensureSession(ctx context.Context, tx *sql.Tx, sessionID string, at time.Time) error {
	if sessionID == "" {
		return errors.New("session id required")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO voice_sessions(session_id, created_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		sessionID, at.UTC())
	return err
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return ts
	}
	return time.Time{}
}
