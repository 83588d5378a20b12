package store

import "testing"

func TestGetStatusNoPlanReturnsEmpty(t *testing.T) {
	st := newTestStore(t)
	if err := st.CreateOrUpdateSession("s1", "cli", "", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}

	status, err := st.GetStatus("s1", 0)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Plan != nil || len(status.Tasks) != 0 {
		t.Fatalf("expected empty status, got %+v", status)
	}
}

func TestGetStatusReturnsLatestPlanAndNewTasks(t *testing.T) {
	st := newTestStore(t)
	planID := setupPlan(t, st, "s1", "goal")
	first, err := st.CreateTask(planID, "s1", 0, TaskExec, "one", "", "", "ok")
	if err != nil {
		t.Fatalf("create task 1: %v", err)
	}
	if _, err := st.CreateTask(planID, "s1", 1, TaskMsg, "reply", "", "", ""); err != nil {
		t.Fatalf("create task 2: %v", err)
	}

	status, err := st.GetStatus("s1", first)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Plan == nil || status.Plan.ID != planID {
		t.Fatalf("expected the latest plan, got %+v", status.Plan)
	}
	if len(status.Tasks) != 1 || status.Tasks[0].ID <= first {
		t.Fatalf("expected only tasks with id > %d, got %+v", first, status.Tasks)
	}
}
