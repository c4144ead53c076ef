package relay

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Session statuses in the durable ledger.
const (
	StatusLive     = "live"
	StatusComplete = "complete"
	StatusArchived = "archived"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL DEFAULT 'live',
	interactive       INTEGER NOT NULL DEFAULT 0,
	harness           TEXT NOT NULL DEFAULT '',
	stream_token_hash TEXT,
	created_at        TEXT NOT NULL DEFAULT (datetime('now')),
	last_activity_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS messages (
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	message_index INTEGER NOT NULL,
	role          TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	created_at    TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (session_id, message_index)
);

CREATE TABLE IF NOT EXISTS diffs (
	session_id          TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	filename            TEXT NOT NULL,
	patch               TEXT NOT NULL,
	additions           INTEGER NOT NULL DEFAULT 0,
	deletions           INTEGER NOT NULL DEFAULT 0,
	is_session_relevant INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, filename)
);

CREATE TABLE IF NOT EXISTS relay_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the durable session ledger.
//
// appendMu serializes AppendMessages so concurrent batches for the same
// session can never be assigned overlapping indices (the relay is the only
// writer, per the single-process model).
type Store struct {
	db       *sql.DB
	appendMu sync.Mutex
}

// SessionRow is one row of the sessions table.
type SessionRow struct {
	ID              string
	Status          string
	Interactive     bool
	Harness         string
	StreamTokenHash *string
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

// Message is one transcript entry.
type Message struct {
	Index   int             `json:"index"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NewMessage is a message submitted for appending; the sequencer assigns
// the index, never the caller.
type NewMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// DiffRow is one stored per-file diff.
type DiffRow struct {
	Filename  string `json:"filename"`
	Patch     string `json:"patch"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Relevant  bool   `json:"is_session_relevant"`
}

// Open opens (or creates) the ledger at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

// CreateSession inserts a new live session with its stream token hash.
func (s *Store) CreateSession(id, harness string, interactive bool, tokenHash string) error {
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, status, interactive, harness, stream_token_hash) VALUES (?, 'live', ?, ?, ?)",
		id, interactive, harness, tokenHash,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session, or nil if unknown.
func (s *Store) GetSession(id string) (*SessionRow, error) {
	row := s.db.QueryRow(
		"SELECT id, status, interactive, harness, stream_token_hash, created_at, last_activity_at FROM sessions WHERE id = ?",
		id,
	)
	var sr SessionRow
	var created, activity string
	err := row.Scan(&sr.ID, &sr.Status, &sr.Interactive, &sr.Harness, &sr.StreamTokenHash, &created, &activity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sr.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
	sr.LastActivityAt, _ = time.Parse("2006-01-02 15:04:05", activity)
	return &sr, nil
}

// liveTokenHash returns the stored token hash for a live session, or ""
// when the session is unknown or not live.
func (s *Store) liveTokenHash(sessionID string) (string, error) {
	row := s.db.QueryRow(
		"SELECT stream_token_hash FROM sessions WHERE id = ? AND status = 'live'",
		sessionID,
	)
	var hash sql.NullString
	err := row.Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load token hash: %w", err)
	}
	return hash.String, nil
}

// UpdateStreamToken overwrites the token hash for a live session,
// invalidating the previous credential.
func (s *Store) UpdateStreamToken(sessionID, newHash string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE sessions SET stream_token_hash = ? WHERE id = ? AND status = 'live'",
		newHash, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("update stream token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RestoreSessionToLive flips a completed session back to live with a fresh
// token hash. Used on resume.
func (s *Store) RestoreSessionToLive(sessionID, newHash string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE sessions SET status = 'live', stream_token_hash = ?, last_activity_at = datetime('now') WHERE id = ?",
		newHash, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("restore session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetSessionStatus updates the lifecycle status. Leaving live clears the
// stream token hash so a stale credential can never replay.
func (s *Store) SetSessionStatus(sessionID, status string) error {
	var err error
	if status == StatusLive {
		_, err = s.db.Exec("UPDATE sessions SET status = ? WHERE id = ?", status, sessionID)
	} else {
		_, err = s.db.Exec(
			"UPDATE sessions SET status = ?, stream_token_hash = NULL WHERE id = ?",
			status, sessionID,
		)
	}
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

// TouchLastActivity bumps the session's activity timestamp.
func (s *Store) TouchLastActivity(sessionID string) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET last_activity_at = datetime('now') WHERE id = ?",
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("touch last activity: %w", err)
	}
	return nil
}

// GetMessageCount returns the number of messages in a session.
func (s *Store) GetMessageCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}

// GetLastMessageIndex returns the highest assigned index, or -1 for an
// empty session.
func (s *Store) GetLastMessageIndex(sessionID string) (int, error) {
	var last int
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(message_index), -1) FROM messages WHERE session_id = ?",
		sessionID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last message index: %w", err)
	}
	return last, nil
}

// AppendMessages assigns gap-free indices to a batch and persists it as a
// single atomic unit. Returns the final index and the number appended.
// An empty batch is a no-op that still reports the current last index.
func (s *Store) AppendMessages(sessionID string, msgs []NewMessage) (lastIndex, count int, err error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(message_index), -1) FROM messages WHERE session_id = ?",
		sessionID,
	).Scan(&last); err != nil {
		return 0, 0, fmt.Errorf("read max index: %w", err)
	}

	for i, m := range msgs {
		content := m.Content
		if content == nil {
			content = json.RawMessage("null")
		}
		if _, err := tx.Exec(
			"INSERT INTO messages (session_id, message_index, role, content) VALUES (?, ?, ?, ?)",
			sessionID, last+1+i, m.Role, string(content),
		); err != nil {
			return 0, 0, fmt.Errorf("insert message %d: %w", last+1+i, err)
		}
	}

	if len(msgs) > 0 {
		if _, err := tx.Exec(
			"UPDATE sessions SET last_activity_at = datetime('now') WHERE id = ?",
			sessionID,
		); err != nil {
			return 0, 0, fmt.Errorf("touch session: %w", err)
		}
		last += len(msgs)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit append: %w", err)
	}
	return last, len(msgs), nil
}

// ReadMessages returns a session's transcript in index order.
func (s *Store) ReadMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		"SELECT message_index, role, content FROM messages WHERE session_id = ? ORDER BY message_index",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var content string
		if err := rows.Scan(&m.Index, &m.Role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Content = json.RawMessage(content)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReplaceDiffs replaces the stored diff set for a session wholesale.
// Callers run the relevance filter first; this just persists its output.
func (s *Store) ReplaceDiffs(sessionID string, diffs []DiffRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace diffs: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM diffs WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clear diffs: %w", err)
	}
	for _, d := range diffs {
		if _, err := tx.Exec(
			"INSERT INTO diffs (session_id, filename, patch, additions, deletions, is_session_relevant) VALUES (?, ?, ?, ?, ?, ?)",
			sessionID, d.Filename, d.Patch, d.Additions, d.Deletions, d.Relevant,
		); err != nil {
			return fmt.Errorf("insert diff %s: %w", d.Filename, err)
		}
	}
	return tx.Commit()
}

// ReadDiffs returns the stored diffs for a session.
func (s *Store) ReadDiffs(sessionID string) ([]DiffRow, error) {
	rows, err := s.db.Query(
		"SELECT filename, patch, additions, deletions, is_session_relevant FROM diffs WHERE session_id = ? ORDER BY filename",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("read diffs: %w", err)
	}
	defer rows.Close()

	var diffs []DiffRow
	for rows.Next() {
		var d DiffRow
		if err := rows.Scan(&d.Filename, &d.Patch, &d.Additions, &d.Deletions, &d.Relevant); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		diffs = append(diffs, d)
	}
	return diffs, rows.Err()
}

// GetRelayConfig reads one relay_config value, or "" when unset.
func (s *Store) GetRelayConfig(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM relay_config WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get relay config: %w", err)
	}
	return val, nil
}

// SetRelayConfig writes one relay_config value.
func (s *Store) SetRelayConfig(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO relay_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?",
		key, value, value,
	)
	if err != nil {
		return fmt.Errorf("set relay config: %w", err)
	}
	return nil
}
