package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveMessage inserts a new message row, bumps the session's
// messages-since-summary counter in the same transaction, and returns the
// message's id.
func (s *Store) SaveMessage(session, user, role, content string, trusted bool) (int64, error) {
	now := time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("save message for session %q: %w", session, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO messages (session, user, role, content, trusted, processed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, session, nullIfEmpty(user), role, content, boolToInt(trusted), now)
	if err != nil {
		return 0, fmt.Errorf("save message for session %q: %w", session, err)
	}

	if _, err := tx.Exec(`UPDATE sessions SET messages_since_summary = messages_since_summary + 1 WHERE session = ?`, session); err != nil {
		return 0, fmt.Errorf("increment messages since summary for %q: %w", session, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save message for session %q: %w", session, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save message for session %q: %w", session, err)
	}
	return id, nil
}

// MarkMessageProcessed flips the processed flag once a plan has consumed the
// message (or it has been explicitly discarded).
func (s *Store) MarkMessageProcessed(id int64) error {
	res, err := s.db.Exec(`UPDATE messages SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark message %d processed: %w", id, err)
	}
	return mustAffectOne(res, "message", fmt.Sprintf("%d", id))
}

// GetUnprocessedMessages returns every message for a session that has not
// yet been marked processed (including one a worker is handling right
// now), oldest first.
func (s *Store) GetUnprocessedMessages(session string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session, user, role, content, trusted, processed, created_at
		FROM messages
		WHERE session = ? AND processed = 0
		ORDER BY id ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("get unprocessed messages for session %q: %w", session, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the most recent limit messages for a session,
// oldest first, independent of their processed flag. Used to feed the
// session summarizer the messages accumulated since the last summary.
func (s *Store) GetRecentMessages(session string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session, user, role, content, trusted, processed, created_at
		FROM (
			SELECT id, session, user, role, content, trusted, processed, created_at
			FROM messages
			WHERE session = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, session, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages for session %q: %w", session, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(id int64) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, session, user, role, content, trusted, processed, created_at
		FROM messages WHERE id = ?
	`, id)

	var m Message
	var trusted, processed int
	if err := row.Scan(&m.ID, &m.Session, &m.User, &m.Role, &m.Content, &trusted, &processed, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	m.Trusted, m.Processed = trusted != 0, processed != 0
	return &m, nil
}

// recoverUnprocessedMessages finds every message that was left unprocessed
// by a crash (no worker currently running) so the supervisor can re-enqueue
// it. Called by RecoverRunningOnStartup after the plan/task sweep.
func (s *Store) recoverUnprocessedMessages() ([]UnprocessedMessage, error) {
	rows, err := s.db.Query(`
		SELECT session, id FROM messages
		WHERE processed = 0 AND trusted = 1
		ORDER BY session, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("recover unprocessed messages: %w", err)
	}
	defer rows.Close()

	var out []UnprocessedMessage
	for rows.Next() {
		var u UnprocessedMessage
		if err := rows.Scan(&u.Session, &u.MessageID); err != nil {
			return nil, fmt.Errorf("scan unprocessed message: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var trusted, processed int
		if err := rows.Scan(&m.ID, &m.Session, &m.User, &m.Role, &m.Content, &trusted, &processed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Trusted, m.Processed = trusted != 0, processed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
