package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateOrUpdateSession upserts the session row, touching updated_at. Fields
// left as the zero value for their type are not overwritten on conflict.
func (s *Store) CreateOrUpdateSession(session, connector, webhookURL, description string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT INTO sessions (session, connector, webhook_url, description, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?)
		ON CONFLICT(session) DO UPDATE SET
			connector = CASE WHEN excluded.connector != '' THEN excluded.connector ELSE sessions.connector END,
			webhook_url = CASE WHEN excluded.webhook_url != '' THEN excluded.webhook_url ELSE sessions.webhook_url END,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE sessions.description END,
			updated_at = excluded.updated_at
	`, session, nullIfEmpty(connector), nullIfEmpty(webhookURL), nullIfEmpty(description), now, now)
	if err != nil {
		return fmt.Errorf("create or update session %q: %w", session, err)
	}
	return nil
}

// GetSession returns the session row, or sql.ErrNoRows if it does not exist.
func (s *Store) GetSession(session string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT session, connector, webhook_url, description, summary, messages_since_summary, created_at, updated_at
		FROM sessions WHERE session = ?
	`, session)

	var rec Session
	if err := row.Scan(&rec.Session, &rec.Connector, &rec.WebhookURL, &rec.Description, &rec.Summary, &rec.MessagesSinceSummary, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get session %q: %w", session, err)
	}
	return &rec, nil
}

// UpdateSessionSummary overwrites the rolling summary for a session and
// resets its unsummarized-message counter to zero.
func (s *Store) UpdateSessionSummary(session, summary string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET summary = ?, messages_since_summary = 0, updated_at = ? WHERE session = ?
	`, summary, time.Now(), session)
	if err != nil {
		return fmt.Errorf("update session summary %q: %w", session, err)
	}
	return mustAffectOne(res, "session", session)
}

// ListSessions returns every known session, ordered by most recently updated.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session, connector, webhook_url, description, summary, messages_since_summary, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var rec Session
		if err := rows.Scan(&rec.Session, &rec.Connector, &rec.WebhookURL, &rec.Description, &rec.Summary, &rec.MessagesSinceSummary, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func mustAffectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s %q: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, sql.ErrNoRows)
	}
	return nil
}
