package brain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

func newTestGateway(t *testing.T, roleName, content string) *llmgateway.Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
			"usage":   map[string]int{"prompt_tokens": 1, "completion_tokens": 1},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("TEST_BRAIN_KEY", "key")

	return llmgateway.New(llmgateway.Config{
		Providers: map[string]llmgateway.ProviderConfig{"fake": {BaseURL: srv.URL, APIKeyEnv: "TEST_BRAIN_KEY"}},
		Models:    map[string]llmgateway.ModelConfig{roleName: {Provider: "fake", Model: "test-model"}},
	}, nil)
}

func TestClassifierReturnsChatOrPlan(t *testing.T) {
	gw := newTestGateway(t, "classifier", "chat")
	c := NewClassifier(gw, NewPromptRegistry(""))

	got := c.Classify(context.Background(), "summary", "hi there")
	if got != FastPathChat {
		t.Fatalf("expected %q, got %q", FastPathChat, got)
	}
}

func TestClassifierDefaultsUnknownOutputToPlan(t *testing.T) {
	gw := newTestGateway(t, "classifier", "maybe soup")
	c := NewClassifier(gw, NewPromptRegistry(""))

	got := c.Classify(context.Background(), "summary", "do something")
	if got != FastPathPlan {
		t.Fatalf("expected unrecognized output to default to %q, got %q", FastPathPlan, got)
	}
}

func TestClassifierDefaultsCallErrorToPlan(t *testing.T) {
	gw := llmgateway.New(llmgateway.Config{}, nil)
	c := NewClassifier(gw, NewPromptRegistry(""))

	got := c.Classify(context.Background(), "summary", "do something")
	if got != FastPathPlan {
		t.Fatalf("expected call error to default to %q, got %q", FastPathPlan, got)
	}
}

func TestMessengerComposesReply(t *testing.T) {
	gw := newTestGateway(t, "messenger", "here is your answer")
	m := NewMessenger(gw, NewPromptRegistry(""))

	reply, err := m.Compose(context.Background(), MessengerVars{
		Goal:           "answer the question",
		Detail:         "what is 2+2",
		Facts:          []string{"fact one"},
		SessionSummary: "talking about math",
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if reply != "here is your answer" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestPlannerValidatesAndReturnsPlan(t *testing.T) {
	plan := `{"goal":"do it","tasks":[{"type":"msg","detail":"reply to user","expect":null}]}`
	gw := newTestGateway(t, "planner", plan)
	p := NewPlanner(gw, NewPromptRegistry(""), 1)

	out, err := p.Plan(context.Background(), PlannerInput{SessionSummary: "hello"}, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if out.Goal != "do it" || len(out.Tasks) != 1 || out.Tasks[0].Type != TaskMsg {
		t.Fatalf("unexpected plan: %+v", out)
	}
}

func TestPlannerRetriesOnInvalidPlanThenFails(t *testing.T) {
	invalid := `{"goal":"do it","tasks":[{"type":"exec","detail":"run it","expect":null}]}`
	gw := newTestGateway(t, "planner", invalid)
	p := NewPlanner(gw, NewPromptRegistry(""), 2)

	_, err := p.Plan(context.Background(), PlannerInput{SessionSummary: "hello"}, nil)
	if err == nil {
		t.Fatal("expected validation failure after exhausting retries")
	}
}

func TestPlannerRejectsUnknownSkill(t *testing.T) {
	plan := `{"goal":"do it","tasks":[{"type":"skill","detail":"run skill","skill":"ghost","expect":"it runs"},{"type":"msg","detail":"reply","expect":null}]}`
	gw := newTestGateway(t, "planner", plan)
	p := NewPlanner(gw, NewPromptRegistry(""), 0)

	_, err := p.Plan(context.Background(), PlannerInput{SessionSummary: "hello"}, map[string]SkillInfo{})
	if err == nil {
		t.Fatal("expected error for plan referencing unknown skill")
	}
}
