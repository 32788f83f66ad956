// Package history archives final conversation messages in SQLite.
// If opening the DB or executing queries fails, the store falls back to
// in-memory storage so a session never fails because of its archive.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/voicecare/internal/conversation"
	"github.com/comigor/voicecare/internal/logger"
)

const schema = `CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    origin TEXT NOT NULL,
    turn INTEGER NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    emergency INTEGER NOT NULL DEFAULT 0,
    audio_ref TEXT,
    sources TEXT
);`

const index = `CREATE INDEX IF NOT EXISTS messages_session ON messages (session_id, created_at);`

// Store is the transcript archive. It implements session.Archive.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	mu     sync.Mutex
	memory map[string][]conversation.Message // sessionID → messages, in arrival order
}

// Open opens (creating if needed) the database at path. An empty path or a
// failing database yields a memory-only store.
func Open(path string, log *slog.Logger) *Store {
	s := &Store{
		log:    logger.Or(log).With("component", "history"),
		memory: make(map[string][]conversation.Message),
	}
	if path == "" {
		return s
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.log.Warn("sqlite open failed; using in-memory history", "error", err)
		return s
	}
	for _, stmt := range []string{schema, index} {
		if _, err := db.Exec(stmt); err != nil {
			s.log.Warn("sqlite table creation failed; using in-memory history", "error", err)
			_ = db.Close()
			return s
		}
	}
	s.db = db
	s.log.Info("sqlite history DB initialized", "path", path)
	return s
}

// Persistent reports whether messages reach SQLite.
func (s *Store) Persistent() bool { return s.db != nil }

// Save persists msg under sessionID. Saving a message id again replaces the
// stored row, which is how a later emergency flag is recorded. An in-memory
// copy is always kept.
func (s *Store) Save(ctx context.Context, sessionID string, msg conversation.Message) error {
	s.remember(sessionID, msg)
	if s.db == nil {
		return nil
	}

	sources, err := json.Marshal(msg.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (id, session_id, origin, turn, content, created_at, emergency, audio_ref, sources)
        VALUES (?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET content = excluded.content, emergency = excluded.emergency,
            audio_ref = excluded.audio_ref, sources = excluded.sources;`,
		msg.ID, sessionID, string(msg.Origin), msg.Turn, msg.Text, msg.CreatedAt.UnixNano(),
		msg.Emergency, msg.AudioRef, string(sources))
	if err != nil {
		s.log.Error("failed to store message in sqlite; kept in memory", "message_id", msg.ID, "error", err)
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) remember(sessionID string, msg conversation.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.memory[sessionID]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			return
		}
	}
	s.memory[sessionID] = append(msgs, msg)
}

// List returns all messages of a session in chronological order.
func (s *Store) List(ctx context.Context, sessionID string) ([]conversation.Message, error) {
	if s.db == nil {
		return s.listMemory(sessionID), nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, origin, turn, content, created_at, emergency, audio_ref, sources
        FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC;`, sessionID)
	if err != nil {
		s.log.Warn("sqlite query failed; reading in-memory history", "error", err)
		return s.listMemory(sessionID), nil
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var (
			m        conversation.Message
			origin   string
			created  int64
			audioRef sql.NullString
			sources  sql.NullString
		)
		if err := rows.Scan(&m.ID, &origin, &m.Turn, &m.Text, &created, &m.Emergency, &audioRef, &sources); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Origin = conversation.Origin(origin)
		m.CreatedAt = time.Unix(0, created)
		m.Finality = conversation.Final
		m.AudioRef = audioRef.String
		if sources.Valid && sources.String != "" && sources.String != "null" {
			if err := json.Unmarshal([]byte(sources.String), &m.Sources); err != nil {
				return nil, fmt.Errorf("decode sources of %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) listMemory(sessionID string) []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Message(nil), s.memory[sessionID]...)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
