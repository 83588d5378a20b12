package store

import "testing"

func TestSaveLearningAndPendingLearnings(t *testing.T) {
	st := newTestStore(t)

	id, err := st.SaveLearning("the deploy script needs a --yes flag", "s1", "alice")
	if err != nil {
		t.Fatalf("save learning: %v", err)
	}

	pending, err := st.PendingLearnings()
	if err != nil {
		t.Fatalf("pending learnings: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].Status != LearningPending {
		t.Fatalf("unexpected pending learnings: %+v", pending)
	}
}

func TestResolveLearningRemovesFromPending(t *testing.T) {
	st := newTestStore(t)
	id, err := st.SaveLearning("content", "s1", "")
	if err != nil {
		t.Fatalf("save learning: %v", err)
	}

	if err := st.ResolveLearning(id, LearningPromoted); err != nil {
		t.Fatalf("resolve learning: %v", err)
	}

	pending, err := st.PendingLearnings()
	if err != nil {
		t.Fatalf("pending learnings: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending learnings after resolution, got %+v", pending)
	}
}

func TestResolveLearningMissingErrors(t *testing.T) {
	st := newTestStore(t)
	if err := st.ResolveLearning(99999, LearningDiscarded); err == nil {
		t.Fatal("expected an error resolving a nonexistent learning")
	}
}
