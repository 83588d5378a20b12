package store

import (
	"fmt"
	"time"
)

// SaveLearning inserts a candidate fact emitted by the reviewer, in
// LearningPending status.
func (s *Store) SaveLearning(content, session, user string) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO learnings (content, session, user, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, content, session, nullIfEmpty(user), LearningPending, now)
	if err != nil {
		return 0, fmt.Errorf("save learning for session %q: %w", session, err)
	}
	return res.LastInsertId()
}

// PendingLearnings returns every learning still awaiting curation.
func (s *Store) PendingLearnings() ([]Learning, error) {
	rows, err := s.db.Query(`
		SELECT id, content, session, user, status, created_at
		FROM learnings WHERE status = ? ORDER BY id ASC
	`, LearningPending)
	if err != nil {
		return nil, fmt.Errorf("pending learnings: %w", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		if err := rows.Scan(&l.ID, &l.Content, &l.Session, &l.User, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ResolveLearning transitions a learning to LearningPromoted or
// LearningDiscarded.
func (s *Store) ResolveLearning(id int64, verdict string) error {
	res, err := s.db.Exec(`UPDATE learnings SET status = ? WHERE id = ?`, verdict, id)
	if err != nil {
		return fmt.Errorf("resolve learning %d: %w", id, err)
	}
	return mustAffectOne(res, "learning", fmt.Sprintf("%d", id))
}
