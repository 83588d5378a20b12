package brain

import (
	"context"
	"strings"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// FastPathChat and FastPathPlan are the only two literal classifier
// outputs the rest of the system understands.
const (
	FastPathChat = "chat"
	FastPathPlan = "plan"
)

// ClassifierVars are interpolated into the classifier system prompt.
type ClassifierVars struct {
	SessionSummary string
}

// Classifier decides whether a message needs a full plan or can be
// answered as a single chat turn.
type Classifier struct {
	gateway  *llmgateway.Gateway
	prompts  *PromptRegistry
}

// NewClassifier returns a Classifier backed by gateway and prompts.
func NewClassifier(gateway *llmgateway.Gateway, prompts *PromptRegistry) *Classifier {
	return &Classifier{gateway: gateway, prompts: prompts}
}

// Classify returns FastPathPlan or FastPathChat. Anything the model
// returns other than those two literal strings, and any call error, is
// coerced to FastPathPlan — the safe default is to run the full planner
// rather than silently skip task execution.
func (c *Classifier) Classify(ctx context.Context, sessionSummary, userMessage string) string {
	system, err := c.prompts.Render("classifier", ClassifierVars{SessionSummary: sessionSummary})
	if err != nil {
		return FastPathPlan
	}

	result, err := c.gateway.Call(ctx, llmgateway.CallRequest{
		RoleName: "classifier",
		Messages: []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: system},
			{Role: llmgateway.RoleUser, Content: userMessage},
		},
	})
	if err != nil {
		return FastPathPlan
	}

	switch strings.TrimSpace(strings.ToLower(result.Content)) {
	case FastPathChat:
		return FastPathChat
	case FastPathPlan:
		return FastPathPlan
	default:
		return FastPathPlan
	}
}
