package brain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// Review verdicts.
const (
	VerdictOK     = "ok"
	VerdictReplan = "replan"
)

// ReviewerVars are interpolated into the reviewer prompt.
type ReviewerVars struct {
	Goal            string
	Detail          string
	Expect          string
	OriginalMessage string
	HasExitCode     bool
	ExitCode        int
	FencedOutput    string
	PriorError      string
}

// ReviewOutput is the validated structured output of one reviewer call.
type ReviewOutput struct {
	Status    string   `json:"status"`
	Reason    string   `json:"reason,omitempty"`
	Learn     []string `json:"learn,omitempty"`
	RetryHint string   `json:"retry_hint,omitempty"`
}

var reviewSchema = map[string]any{
	"type":     "object",
	"required": []any{"status"},
	"properties": map[string]any{
		"status":     map[string]any{"type": "string", "enum": []any{VerdictOK, VerdictReplan}},
		"reason":     map[string]any{"type": "string"},
		"learn":      map[string]any{"type": "array", "maxItems": 5, "items": map[string]any{"type": "string"}},
		"retry_hint": map[string]any{"type": "string"},
	},
}

// Reviewer judges one completed non-msg task against its expected outcome.
type Reviewer struct {
	gateway    *llmgateway.Gateway
	prompts    *PromptRegistry
	maxRetries int
}

// NewReviewer returns a Reviewer backed by gateway and prompts.
func NewReviewer(gateway *llmgateway.Gateway, prompts *PromptRegistry, maxRetries int) *Reviewer {
	return &Reviewer{gateway: gateway, prompts: prompts, maxRetries: maxRetries}
}

// Review calls the reviewer role, retrying when status=replan arrives
// without a reason.
func (r *Reviewer) Review(ctx context.Context, vars ReviewerVars) (*ReviewOutput, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		vars.PriorError = ""
		if lastErr != nil {
			vars.PriorError = lastErr.Error()
		}

		system, err := r.prompts.Render("reviewer", vars)
		if err != nil {
			return nil, fmt.Errorf("brain: render reviewer prompt: %w", err)
		}

		result, err := r.gateway.Call(ctx, llmgateway.CallRequest{
			RoleName: "reviewer",
			Messages: []llmgateway.Message{
				{Role: llmgateway.RoleSystem, Content: system},
				{Role: llmgateway.RoleUser, Content: vars.Detail},
			},
			Schema: reviewSchema,
		})
		if err != nil {
			lastErr = err
			continue
		}

		var out ReviewOutput
		if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
			lastErr = fmt.Errorf("reviewer response is not valid JSON: %w", err)
			continue
		}

		if out.Status == VerdictReplan && out.Reason == "" {
			lastErr = fmt.Errorf(`status="replan" requires a non-null reason`)
			continue
		}
		if len(out.Learn) > 5 {
			lastErr = fmt.Errorf("learn must contain at most 5 entries, got %d", len(out.Learn))
			continue
		}

		return &out, nil
	}
	return nil, fmt.Errorf("brain: reviewer validation failed after %d retries: %w", r.maxRetries, lastErr)
}
