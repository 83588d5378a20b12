package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreatePlan inserts a new plan row in PlanRunning status and returns its id.
// parentID is nil for a top-level plan and set to the originating plan's id
// when this plan was produced by a replan.
func (s *Store) CreatePlan(session string, messageID int64, parentID *int64, goal string, replanDepth int) (int64, error) {
	now := time.Now()
	var parent sql.NullInt64
	if parentID != nil {
		parent = sql.NullInt64{Int64: *parentID, Valid: true}
	}
	res, err := s.db.Exec(`
		INSERT INTO plans (session, message_id, parent_id, goal, status, prompt_tokens, completion_tokens, llm_calls, replan_depth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, '[]', ?, ?, ?)
	`, session, messageID, parent, goal, PlanRunning, replanDepth, now, now)
	if err != nil {
		return 0, fmt.Errorf("create plan for session %q: %w", session, err)
	}
	return res.LastInsertId()
}

// UpdatePlanStatus transitions a plan to a terminal or intermediate status.
func (s *Store) UpdatePlanStatus(planID int64, status string) error {
	res, err := s.db.Exec(`UPDATE plans SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), planID)
	if err != nil {
		return fmt.Errorf("update plan %d status: %w", planID, err)
	}
	return mustAffectOne(res, "plan", fmt.Sprintf("%d", planID))
}

// KeepLLMCalls is passed to UpdatePlanUsage to leave the accumulated call
// audit trail untouched while still updating token counters.
var KeepLLMCalls *LLMCallAudit = nil

// UpdatePlanUsage adds promptDelta/completionDelta to the plan's running
// token totals and, unless call is KeepLLMCalls, appends call to the JSON
// audit trail.
func (s *Store) UpdatePlanUsage(planID int64, promptDelta, completionDelta int, call *LLMCallAudit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin update plan %d usage: %w", planID, err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow("SELECT llm_calls FROM plans WHERE id = ?", planID).Scan(&raw); err != nil {
		return fmt.Errorf("read plan %d llm_calls: %w", planID, err)
	}

	if call != KeepLLMCalls {
		var calls []LLMCallAudit
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &calls); err != nil {
				return fmt.Errorf("decode plan %d llm_calls: %w", planID, err)
			}
		}
		calls = append(calls, *call)
		encoded, err := json.Marshal(calls)
		if err != nil {
			return fmt.Errorf("encode plan %d llm_calls: %w", planID, err)
		}
		raw = string(encoded)
	}

	if _, err := tx.Exec(`
		UPDATE plans SET prompt_tokens = prompt_tokens + ?, completion_tokens = completion_tokens + ?, llm_calls = ?, updated_at = ?
		WHERE id = ?
	`, promptDelta, completionDelta, raw, time.Now(), planID); err != nil {
		return fmt.Errorf("update plan %d usage: %w", planID, err)
	}

	return tx.Commit()
}

// GetPlan fetches a plan by id, including its decoded call audit trail.
func (s *Store) GetPlan(planID int64) (*Plan, error) {
	row := s.db.QueryRow(`
		SELECT id, session, message_id, parent_id, goal, status, prompt_tokens, completion_tokens, llm_calls, replan_depth, created_at, updated_at
		FROM plans WHERE id = ?
	`, planID)

	var p Plan
	var raw string
	if err := row.Scan(&p.ID, &p.Session, &p.MessageID, &p.ParentID, &p.Goal, &p.Status, &p.PromptTokens, &p.CompletionTokens, &raw, &p.ReplanDepth, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get plan %d: %w", planID, err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.LLMCalls); err != nil {
			return nil, fmt.Errorf("decode plan %d llm_calls: %w", planID, err)
		}
	}
	return &p, nil
}

// LatestPlanForSession returns the most recently created plan for a session,
// or sql.ErrNoRows if none exists.
func (s *Store) LatestPlanForSession(session string) (*Plan, error) {
	var id int64
	if err := s.db.QueryRow(`SELECT id FROM plans WHERE session = ? ORDER BY id DESC LIMIT 1`, session).Scan(&id); err != nil {
		return nil, fmt.Errorf("latest plan for session %q: %w", session, err)
	}
	return s.GetPlan(id)
}

// RecoverRunningPlans returns every plan left in PlanRunning status, used on
// startup to detect work orphaned by a crash.
func (s *Store) RecoverRunningPlans() ([]Plan, error) {
	rows, err := s.db.Query(`
		SELECT id, session, message_id, parent_id, goal, status, prompt_tokens, completion_tokens, llm_calls, replan_depth, created_at, updated_at
		FROM plans WHERE status = ?
	`, PlanRunning)
	if err != nil {
		return nil, fmt.Errorf("recover running plans: %w", err)
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		var p Plan
		var raw string
		if err := rows.Scan(&p.ID, &p.Session, &p.MessageID, &p.ParentID, &p.Goal, &p.Status, &p.PromptTokens, &p.CompletionTokens, &raw, &p.ReplanDepth, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan running plan: %w", err)
		}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &p.LLMCalls); err != nil {
				return nil, fmt.Errorf("decode plan %d llm_calls: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
