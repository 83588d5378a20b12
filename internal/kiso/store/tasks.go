package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateTask inserts a new pending task at position idx within a plan.
func (s *Store) CreateTask(planID int64, session string, idx int, taskType, detail, skill, args, expect string) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO tasks (plan_id, session, idx, type, detail, skill, args, expect, status, output, stderr, substatus, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', '', ?, ?)
	`, planID, session, idx, taskType, detail, nullIfEmpty(skill), nullIfEmpty(args), nullIfEmpty(expect), TaskPending, now, now)
	if err != nil {
		return 0, fmt.Errorf("create task for plan %d: %w", planID, err)
	}
	return res.LastInsertId()
}

// UpdateTask sets the terminal-ish status, output, and stderr for a task.
func (s *Store) UpdateTask(taskID int64, status, output, stderr string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, output = ?, stderr = ?, updated_at = ?
		WHERE id = ?
	`, status, output, stderr, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", taskID, err)
	}
	return mustAffectOne(res, "task", fmt.Sprintf("%d", taskID))
}

// UpdateTaskSubstatus records the current phase label (translating,
// executing, reviewing, searching, composing) for status polling.
func (s *Store) UpdateTaskSubstatus(taskID int64, substatus string) error {
	res, err := s.db.Exec(`UPDATE tasks SET substatus = ?, updated_at = ? WHERE id = ?`, substatus, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("update task %d substatus: %w", taskID, err)
	}
	return mustAffectOne(res, "task", fmt.Sprintf("%d", taskID))
}

// UpdateTaskUsage rewrites a task's status to running and is used to mark
// the task as actively consuming a subprocess/LLM slot; callers pass the
// status explicitly so the same call can also reflect an early failure.
func (s *Store) UpdateTaskUsage(taskID int64, status string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("update task %d usage: %w", taskID, err)
	}
	return mustAffectOne(res, "task", fmt.Sprintf("%d", taskID))
}

// UpdateTaskReview records the reviewer's verdict for a non-msg task.
func (s *Store) UpdateTaskReview(taskID int64, verdict, reason, learning string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET review_verdict = ?, review_reason = ?, review_learning = ?, updated_at = ?
		WHERE id = ?
	`, nullIfEmpty(verdict), nullIfEmpty(reason), nullIfEmpty(learning), time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("update task %d review: %w", taskID, err)
	}
	return mustAffectOne(res, "task", fmt.Sprintf("%d", taskID))
}

// AppendTaskLLMCall is a convenience wrapper that folds one LLM call into
// the owning plan's audit trail and running token totals, keyed by task so
// callers don't need to track the plan id separately.
func (s *Store) AppendTaskLLMCall(taskID int64, call LLMCallAudit) error {
	var planID int64
	if err := s.db.QueryRow("SELECT plan_id FROM tasks WHERE id = ?", taskID).Scan(&planID); err != nil {
		return fmt.Errorf("resolve plan for task %d: %w", taskID, err)
	}
	return s.UpdatePlanUsage(planID, call.PromptTokens, call.CompletionTokens, &call)
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(taskID int64) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, plan_id, session, idx, type, detail, skill, args, expect, status, output, stderr, substatus, review_verdict, review_reason, review_learning, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	return scanTask(row)
}

// GetTasksForPlan returns every task belonging to a plan, in index order.
func (s *Store) GetTasksForPlan(planID int64) ([]Task, error) {
	rows, err := s.db.Query(`
		SELECT id, plan_id, session, idx, type, detail, skill, args, expect, status, output, stderr, substatus, review_verdict, review_reason, review_learning, created_at, updated_at
		FROM tasks WHERE plan_id = ? ORDER BY idx ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("get tasks for plan %d: %w", planID, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CancelPendingTasks marks every pending task of a plan as cancelled, used
// when a user-initiated cancel lands between tasks.
func (s *Store) CancelPendingTasks(planID int64) (int64, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE plan_id = ? AND status = ?`,
		TaskCancelled, time.Now(), planID, TaskPending)
	if err != nil {
		return 0, fmt.Errorf("cancel pending tasks for plan %d: %w", planID, err)
	}
	return res.RowsAffected()
}

// RecoverRunningOnStartup marks every plan and task left in a running state
// as failed, and returns the trusted-unprocessed messages that still need a
// worker. This combines the plan/task sweep with the message recovery
// described in the store contract so callers get one entry point on boot.
func (s *Store) RecoverRunningOnStartup() ([]UnprocessedMessage, error) {
	now := time.Now()

	if _, err := s.db.Exec(`UPDATE plans SET status = ?, updated_at = ? WHERE status = ?`, PlanFailed, now, PlanRunning); err != nil {
		return nil, fmt.Errorf("recover running plans: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`, TaskFailed, now, TaskRunning); err != nil {
		return nil, fmt.Errorf("recover running tasks: %w", err)
	}

	return s.recoverUnprocessedMessages()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	if err := row.Scan(&t.ID, &t.PlanID, &t.Session, &t.Index, &t.Type, &t.Detail, &t.Skill, &t.Args, &t.Expect,
		&t.Status, &t.Output, &t.Stderr, &t.Substatus, &t.ReviewVerdict, &t.ReviewReason, &t.ReviewLearning,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

func scanTaskRow(rows *sql.Rows) (*Task, error) {
	return scanTask(rows)
}
