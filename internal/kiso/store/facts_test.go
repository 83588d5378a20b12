package store

import "testing"

func TestSaveFactAndGetFactsVisibility(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.SaveFact("the repo uses go modules", FactSourceCurator, "", CategoryProject, 0.9); err != nil {
		t.Fatalf("save project fact: %v", err)
	}
	if _, err := st.SaveFact("alice prefers terse replies", FactSourceManual, "s1", CategoryUser, 0.8); err != nil {
		t.Fatalf("save user fact: %v", err)
	}
	if _, err := st.SaveFact("bob likes verbose logs", FactSourceManual, "s2", CategoryUser, 0.8); err != nil {
		t.Fatalf("save other user fact: %v", err)
	}

	facts, err := st.GetFacts("s1", false)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	var sawOwnUserFact, sawOtherUserFact bool
	for _, f := range facts {
		if f.Category == CategoryUser && f.Session.String == "s1" {
			sawOwnUserFact = true
		}
		if f.Category == CategoryUser && f.Session.String == "s2" {
			sawOtherUserFact = true
		}
	}
	if !sawOwnUserFact {
		t.Fatal("expected session s1's own user fact to be visible")
	}
	if sawOtherUserFact {
		t.Fatal("expected session s2's user fact to be hidden from s1")
	}

	adminFacts, err := st.GetFacts("s1", true)
	if err != nil {
		t.Fatalf("get facts (admin): %v", err)
	}
	if len(adminFacts) != 3 {
		t.Fatalf("expected admin to see all 3 facts, got %d", len(adminFacts))
	}
}

func TestSearchFactsFallsBackToGetFactsWhenNoMatch(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.SaveFact("the deploy pipeline runs on github actions", FactSourceCurator, "", CategoryTool, 0.7); err != nil {
		t.Fatalf("save fact: %v", err)
	}

	facts, err := st.SearchFacts("completely unrelated gibberish query", "s1", false, 10)
	if err != nil {
		t.Fatalf("search facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected fallback to GetFacts to surface the one fact, got %+v", facts)
	}
}

func TestSearchFactsMatchesTokens(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.SaveFact("the deploy pipeline runs on github actions", FactSourceCurator, "", CategoryTool, 0.7); err != nil {
		t.Fatalf("save fact: %v", err)
	}
	if _, err := st.SaveFact("the database migration tool is goose", FactSourceCurator, "", CategoryTool, 0.6); err != nil {
		t.Fatalf("save fact: %v", err)
	}

	facts, err := st.SearchFacts("github actions", "s1", false, 10)
	if err != nil {
		t.Fatalf("search facts: %v", err)
	}
	if len(facts) == 0 {
		t.Fatal("expected at least one matching fact")
	}
	if facts[0].Content != "the deploy pipeline runs on github actions" {
		t.Fatalf("expected the matching fact to rank first, got %q", facts[0].Content)
	}
}

func TestUpdateFactUsage(t *testing.T) {
	st := newTestStore(t)
	id, err := st.SaveFact("fact one", FactSourceCurator, "", CategoryGeneral, 0.5)
	if err != nil {
		t.Fatalf("save fact: %v", err)
	}

	if err := st.UpdateFactUsage([]int64{id}); err != nil {
		t.Fatalf("update usage: %v", err)
	}

	facts, err := st.GetFacts("s1", true)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if len(facts) != 1 || facts[0].UseCount != 1 {
		t.Fatalf("expected use_count to increment, got %+v", facts)
	}
}

func TestDecayFactsFloorsAtZero(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.SaveFact("stale fact", FactSourceCurator, "", CategoryGeneral, 0.1); err != nil {
		t.Fatalf("save fact: %v", err)
	}

	n, err := st.DecayFacts(0, 0.5)
	if err != nil {
		t.Fatalf("decay: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 fact decayed, got %d", n)
	}

	facts, err := st.GetFacts("s1", true)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if facts[0].Confidence != 0 {
		t.Fatalf("expected confidence to floor at 0, got %f", facts[0].Confidence)
	}
}

func TestArchiveLowConfidenceFacts(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.SaveFact("weak fact", FactSourceCurator, "", CategoryGeneral, 0.1); err != nil {
		t.Fatalf("save weak fact: %v", err)
	}
	if _, err := st.SaveFact("strong fact", FactSourceCurator, "", CategoryGeneral, 0.9); err != nil {
		t.Fatalf("save strong fact: %v", err)
	}

	n, err := st.ArchiveLowConfidenceFacts(0.5)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 fact archived, got %d", n)
	}

	remaining, err := st.GetFacts("s1", true)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Content != "strong fact" {
		t.Fatalf("expected only the strong fact to remain, got %+v", remaining)
	}
}

func TestReplaceAllFactsArchivesThenSwaps(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.SaveFact("old fact", FactSourceCurator, "", CategoryGeneral, 0.5); err != nil {
		t.Fatalf("save old fact: %v", err)
	}

	consolidated := []Fact{
		{Content: "consolidated fact", Source: FactSourceSummarizer, Category: CategoryGeneral, Confidence: 0.8},
	}
	if err := st.ReplaceAllFacts(consolidated); err != nil {
		t.Fatalf("replace: %v", err)
	}

	facts, err := st.GetFacts("s1", true)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Content != "consolidated fact" {
		t.Fatalf("expected only the consolidated fact, got %+v", facts)
	}
}

func TestCountFacts(t *testing.T) {
	st := newTestStore(t)
	if n, err := st.CountFacts(); err != nil || n != 0 {
		t.Fatalf("expected 0 facts initially, got %d, %v", n, err)
	}
	if _, err := st.SaveFact("a fact", FactSourceCurator, "", CategoryGeneral, 0.5); err != nil {
		t.Fatalf("save fact: %v", err)
	}
	if n, err := st.CountFacts(); err != nil || n != 1 {
		t.Fatalf("expected 1 fact, got %d, %v", n, err)
	}
}
