package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var ftsTokenPattern = regexp.MustCompile(`\w+`)

// SaveFact inserts a new fact row. session is empty for a legacy/global
// fact, or set to the originating session for a user-scoped fact.
func (s *Store) SaveFact(content, source, session, category string, confidence float64) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO facts (content, source, session, category, confidence, last_used, use_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, content, source, nullIfEmpty(session), category, confidence, now, now)
	if err != nil {
		return 0, fmt.Errorf("save fact: %w", err)
	}
	return res.LastInsertId()
}

// GetFacts returns every fact visible to the caller: global categories
// (project, tool, general) plus session-scoped user facts for session (or
// every user fact when isAdmin, matching the legacy-global rule for facts
// with a null session).
func (s *Store) GetFacts(session string, isAdmin bool) ([]Fact, error) {
	if isAdmin {
		rows, err := s.db.Query(`
			SELECT id, content, source, session, category, confidence, last_used, use_count, created_at
			FROM facts ORDER BY category, confidence DESC
		`)
		if err != nil {
			return nil, fmt.Errorf("get facts (admin): %w", err)
		}
		defer rows.Close()
		return scanFacts(rows)
	}

	rows, err := s.db.Query(`
		SELECT id, content, source, session, category, confidence, last_used, use_count, created_at
		FROM facts
		WHERE category != ? OR session IS NULL OR session = ?
		ORDER BY category, confidence DESC
	`, CategoryUser, session)
	if err != nil {
		return nil, fmt.Errorf("get facts for session %q: %w", session, err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// SearchFacts tokenizes query with \w+ extraction and runs a BM25-ranked
// FTS5 match, then filters to facts visible to the caller. An empty
// tokenization, or an FTS query that matches nothing, falls back to
// GetFacts so callers always get some grounding context.
func (s *Store) SearchFacts(query, session string, isAdmin bool, limit int) ([]Fact, error) {
	tokens := ftsTokenPattern.FindAllString(query, -1)
	if len(tokens) == 0 {
		return s.GetFacts(session, isAdmin)
	}

	ftsQuery := strings.Join(tokens, " OR ")

	rows, err := s.db.Query(`
		SELECT f.id, f.content, f.source, f.session, f.category, f.confidence, f.last_used, f.use_count, f.created_at
		FROM facts_fts
		JOIN facts f ON f.id = facts_fts.rowid
		WHERE facts_fts MATCH ?
		ORDER BY bm25(facts_fts)
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}

	filtered := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if isAdmin || f.Category != CategoryUser || !f.Session.Valid || f.Session.String == session {
			filtered = append(filtered, f)
		}
	}

	if len(filtered) == 0 {
		return s.GetFacts(session, isAdmin)
	}
	return filtered, nil
}

// UpdateFactUsage increments use_count and refreshes last_used for every id
// that was shown to the planner on a plan that completed successfully.
func (s *Store) UpdateFactUsage(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update fact usage: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	stmt, err := tx.Prepare(`UPDATE facts SET use_count = use_count + 1, last_used = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare update fact usage: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(now, id); err != nil {
			return fmt.Errorf("update fact %d usage: %w", id, err)
		}
	}

	return tx.Commit()
}

// DecayFacts reduces the confidence of every fact not used within maxAge by
// rate, floored at 0. Returns the number of facts adjusted.
func (s *Store) DecayFacts(maxAge time.Duration, rate float64) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.Exec(`
		UPDATE facts SET confidence = MAX(0.0, confidence - ?)
		WHERE last_used < ?
	`, rate, cutoff)
	if err != nil {
		return 0, fmt.Errorf("decay facts: %w", err)
	}
	return res.RowsAffected()
}

// ArchiveLowConfidenceFacts moves every fact below threshold into
// facts_archive (soft delete) and returns how many were archived.
func (s *Store) ArchiveLowConfidenceFacts(threshold float64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin archive low-confidence facts: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.Exec(`
		INSERT INTO facts_archive (id, content, source, session, category, confidence, last_used, use_count, created_at, archived_at)
		SELECT id, content, source, session, category, confidence, last_used, use_count, created_at, ?
		FROM facts WHERE confidence < ?
	`, now, threshold)
	if err != nil {
		return 0, fmt.Errorf("copy low-confidence facts to archive: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected archiving facts: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM facts WHERE confidence < ?`, threshold); err != nil {
		return 0, fmt.Errorf("delete archived facts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive low-confidence facts: %w", err)
	}
	return n, nil
}

// ReplaceAllFacts atomically replaces the entire facts table with a
// consolidated set, used by the facts summarizer after its safety gates
// pass. Existing rows are archived first, never deleted outright.
func (s *Store) ReplaceAllFacts(consolidated []Fact) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace facts: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO facts_archive (id, content, source, session, category, confidence, last_used, use_count, created_at, archived_at)
		SELECT id, content, source, session, category, confidence, last_used, use_count, created_at, ?
		FROM facts
	`, now); err != nil {
		return fmt.Errorf("archive facts before replace: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM facts`); err != nil {
		return fmt.Errorf("clear facts before replace: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO facts (content, source, session, category, confidence, last_used, use_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert consolidated fact: %w", err)
	}
	defer stmt.Close()

	for _, f := range consolidated {
		if _, err := stmt.Exec(f.Content, f.Source, f.Session, f.Category, f.Confidence, now, now); err != nil {
			return fmt.Errorf("insert consolidated fact: %w", err)
		}
	}

	return tx.Commit()
}

// CountFacts returns the current number of facts, used to decide when
// consolidation should run.
func (s *Store) CountFacts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM facts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return n, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.Content, &f.Source, &f.Session, &f.Category, &f.Confidence, &f.LastUsed, &f.UseCount, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
