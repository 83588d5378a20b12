package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Status is the store-owned portion of a GET /status/{session} response.
// The HTTP adapter layers queue_length, worker_running, and active_task on
// top from the supervisor/worker, which the store knows nothing about.
type Status struct {
	Plan  *Plan
	Tasks []Task
}

// GetStatus returns the most recent plan for a session and its tasks with
// id greater than afterID, letting CLI pollers request only new rows.
func (s *Store) GetStatus(session string, afterID int64) (*Status, error) {
	plan, err := s.LatestPlanForSession(session)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Status{}, nil
		}
		return nil, fmt.Errorf("get status for session %q: %w", session, err)
	}

	rows, err := s.db.Query(`
		SELECT id, plan_id, session, idx, type, detail, skill, args, expect, status, output, stderr, substatus, review_verdict, review_reason, review_learning, created_at, updated_at
		FROM tasks WHERE plan_id = ? AND id > ? ORDER BY idx ASC
	`, plan.ID, afterID)
	if err != nil {
		return nil, fmt.Errorf("get status for session %q: %w", session, err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Status{Plan: plan, Tasks: tasks}, nil
}
