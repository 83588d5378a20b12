package store

import "testing"

func setupSessionAndMessage(t *testing.T, st *Store, session string) int64 {
	t.Helper()
	if err := st.CreateOrUpdateSession(session, "cli", "", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	id, err := st.SaveMessage(session, "", RoleUser, "do the thing", true)
	if err != nil {
		t.Fatalf("save message: %v", err)
	}
	return id
}

func TestCreatePlanAndGetPlan(t *testing.T) {
	st := newTestStore(t)
	msgID := setupSessionAndMessage(t, st, "s1")

	planID, err := st.CreatePlan("s1", msgID, nil, "ship the release", 0)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	plan, err := st.GetPlan(planID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Goal != "ship the release" || plan.Status != PlanRunning || plan.ParentID.Valid {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if len(plan.LLMCalls) != 0 {
		t.Fatalf("expected no llm calls yet, got %+v", plan.LLMCalls)
	}
}

func TestCreatePlanWithParent(t *testing.T) {
	st := newTestStore(t)
	msgID := setupSessionAndMessage(t, st, "s1")

	parentID, err := st.CreatePlan("s1", msgID, nil, "first attempt", 0)
	if err != nil {
		t.Fatalf("create parent plan: %v", err)
	}
	childID, err := st.CreatePlan("s1", msgID, &parentID, "retry", 1)
	if err != nil {
		t.Fatalf("create child plan: %v", err)
	}

	child, err := st.GetPlan(childID)
	if err != nil {
		t.Fatalf("get child plan: %v", err)
	}
	if !child.ParentID.Valid || child.ParentID.Int64 != parentID {
		t.Fatalf("expected child to reference parent %d, got %+v", parentID, child.ParentID)
	}
	if child.ReplanDepth != 1 {
		t.Fatalf("expected replan depth 1, got %d", child.ReplanDepth)
	}
}

func TestUpdatePlanUsageAppendsCallsAndAccumulatesTokens(t *testing.T) {
	st := newTestStore(t)
	msgID := setupSessionAndMessage(t, st, "s1")
	planID, err := st.CreatePlan("s1", msgID, nil, "goal", 0)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	call := LLMCallAudit{Role: "planner", Model: "gpt-4o-mini", PromptTokens: 100, CompletionTokens: 20, Status: "ok"}
	if err := st.UpdatePlanUsage(planID, 100, 20, &call); err != nil {
		t.Fatalf("update usage: %v", err)
	}
	if err := st.UpdatePlanUsage(planID, 50, 5, KeepLLMCalls); err != nil {
		t.Fatalf("update usage keep calls: %v", err)
	}

	plan, err := st.GetPlan(planID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.PromptTokens != 150 || plan.CompletionTokens != 25 {
		t.Fatalf("expected accumulated token totals, got %+v", plan)
	}
	if len(plan.LLMCalls) != 1 || plan.LLMCalls[0].Role != "planner" {
		t.Fatalf("expected exactly the one appended call, got %+v", plan.LLMCalls)
	}
}

func TestUpdatePlanStatus(t *testing.T) {
	st := newTestStore(t)
	msgID := setupSessionAndMessage(t, st, "s1")
	planID, err := st.CreatePlan("s1", msgID, nil, "goal", 0)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	if err := st.UpdatePlanStatus(planID, PlanDone); err != nil {
		t.Fatalf("update status: %v", err)
	}
	plan, err := st.GetPlan(planID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Status != PlanDone {
		t.Fatalf("expected status %q, got %q", PlanDone, plan.Status)
	}
}

func TestLatestPlanForSessionReturnsMostRecent(t *testing.T) {
	st := newTestStore(t)
	msgID := setupSessionAndMessage(t, st, "s1")
	if _, err := st.CreatePlan("s1", msgID, nil, "first", 0); err != nil {
		t.Fatalf("create first plan: %v", err)
	}
	secondID, err := st.CreatePlan("s1", msgID, nil, "second", 0)
	if err != nil {
		t.Fatalf("create second plan: %v", err)
	}

	latest, err := st.LatestPlanForSession("s1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != secondID {
		t.Fatalf("expected latest plan to be %d, got %d", secondID, latest.ID)
	}
}

func TestRecoverRunningPlans(t *testing.T) {
	st := newTestStore(t)
	msgID := setupSessionAndMessage(t, st, "s1")
	planID, err := st.CreatePlan("s1", msgID, nil, "goal", 0)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	running, err := st.RecoverRunningPlans()
	if err != nil {
		t.Fatalf("recover running: %v", err)
	}
	if len(running) != 1 || running[0].ID != planID {
		t.Fatalf("expected the one running plan, got %+v", running)
	}
}
