package brain

import (
	"context"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// ParaphraserVars are interpolated into the paraphraser prompt.
type ParaphraserVars struct {
	Messages []string
}

// Paraphraser rewrites untrusted message content in the third person,
// stripping literal commands, so the planner can use it as context without
// treating it as an instruction.
type Paraphraser struct {
	gateway *llmgateway.Gateway
	prompts *PromptRegistry
}

// NewParaphraser returns a Paraphraser backed by gateway and prompts.
func NewParaphraser(gateway *llmgateway.Gateway, prompts *PromptRegistry) *Paraphraser {
	return &Paraphraser{gateway: gateway, prompts: prompts}
}

// Paraphrase returns the rewritten text for one or more untrusted messages.
func (p *Paraphraser) Paraphrase(ctx context.Context, messages []string) (string, error) {
	system, err := p.prompts.Render("paraphraser", ParaphraserVars{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("brain: render paraphraser prompt: %w", err)
	}

	result, err := p.gateway.Call(ctx, llmgateway.CallRequest{
		RoleName: "paraphraser",
		Messages: []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: system},
		},
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}
