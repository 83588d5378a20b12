package brain

import (
	"context"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// MessengerVars are interpolated into the messenger prompt.
type MessengerVars struct {
	Goal           string
	Detail         string
	Facts          []string
	SessionSummary string
	FencedOutputs  string
}

// Messenger composes the free-form text delivered for a "msg" task.
type Messenger struct {
	gateway *llmgateway.Gateway
	prompts *PromptRegistry
}

// NewMessenger returns a Messenger backed by gateway and prompts.
func NewMessenger(gateway *llmgateway.Gateway, prompts *PromptRegistry) *Messenger {
	return &Messenger{gateway: gateway, prompts: prompts}
}

// Compose returns the reply text for a msg task. Output is never truncated.
func (m *Messenger) Compose(ctx context.Context, vars MessengerVars) (string, error) {
	system, err := m.prompts.Render("messenger", vars)
	if err != nil {
		return "", fmt.Errorf("brain: render messenger prompt: %w", err)
	}

	result, err := m.gateway.Call(ctx, llmgateway.CallRequest{
		RoleName: "messenger",
		Messages: []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: system},
			{Role: llmgateway.RoleUser, Content: vars.Detail},
		},
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}
