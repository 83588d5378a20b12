package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// CannotTranslate is the literal sentinel the exec translator returns when
// a task description cannot be expressed as a single shell command.
const CannotTranslate = "CANNOT_TRANSLATE"

// ExecTranslatorVars are interpolated into the exec translator prompt.
type ExecTranslatorVars struct {
	SystemEnv        SystemEnv
	Detail           string
	RetryHint        string
	PrecedingOutputs []string
}

// ExecTranslator turns a task description into a shell command line.
type ExecTranslator struct {
	gateway *llmgateway.Gateway
	prompts *PromptRegistry
}

// NewExecTranslator returns an ExecTranslator backed by gateway and prompts.
func NewExecTranslator(gateway *llmgateway.Gateway, prompts *PromptRegistry) *ExecTranslator {
	return &ExecTranslator{gateway: gateway, prompts: prompts}
}

// Translate returns the shell command for detail, or CannotTranslate.
func (t *ExecTranslator) Translate(ctx context.Context, vars ExecTranslatorVars) (string, error) {
	system, err := t.prompts.Render("exec_translator", vars)
	if err != nil {
		return "", fmt.Errorf("brain: render exec translator prompt: %w", err)
	}

	result, err := t.gateway.Call(ctx, llmgateway.CallRequest{
		RoleName: "exec_translator",
		Messages: []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: system},
			{Role: llmgateway.RoleUser, Content: vars.Detail},
		},
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(result.Content), nil
}
