package store

import (
	"fmt"
	"time"
)

// SavePendingItem inserts an open question produced by the curator, scoped
// to GlobalScope or a specific session.
func (s *Store) SavePendingItem(content, scope, source string) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO pending_items (content, scope, source, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, content, scope, source, PendingOpen, now)
	if err != nil {
		return 0, fmt.Errorf("save pending item: %w", err)
	}
	return res.LastInsertId()
}

// PendingItemsForScope returns every open pending item visible to scope:
// GlobalScope items plus any scoped to the given session.
func (s *Store) PendingItemsForScope(scope string) ([]PendingItem, error) {
	rows, err := s.db.Query(`
		SELECT id, content, scope, source, status, created_at
		FROM pending_items
		WHERE status = ? AND (scope = ? OR scope = ?)
		ORDER BY id ASC
	`, PendingOpen, GlobalScope, scope)
	if err != nil {
		return nil, fmt.Errorf("pending items for scope %q: %w", scope, err)
	}
	defer rows.Close()

	var out []PendingItem
	for rows.Next() {
		var p PendingItem
		if err := rows.Scan(&p.ID, &p.Content, &p.Scope, &p.Source, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResolvePendingItem marks an open question resolved.
func (s *Store) ResolvePendingItem(id int64) error {
	res, err := s.db.Exec(`UPDATE pending_items SET status = ? WHERE id = ?`, PendingResolved, id)
	if err != nil {
		return fmt.Errorf("resolve pending item %d: %w", id, err)
	}
	return mustAffectOne(res, "pending item", fmt.Sprintf("%d", id))
}
