package brain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// Curator verdicts.
const (
	VerdictPromote = "promote"
	VerdictAsk     = "ask"
	VerdictDiscard = "discard"
)

// LearningCandidate is one pending learning shown to the curator.
type LearningCandidate struct {
	ID      int64
	Content string
}

// CuratorVars are interpolated into the curator prompt.
type CuratorVars struct {
	Learnings  []LearningCandidate
	PriorError string
}

// CuratorEvaluation is the curator's verdict for one learning.
type CuratorEvaluation struct {
	LearningID int64  `json:"learning_id"`
	Verdict    string `json:"verdict"`
	Fact       string `json:"fact,omitempty"`
	Question   string `json:"question,omitempty"`
	Reason     string `json:"reason"`
}

// CuratorOutput is the validated structured output of one curator call.
type CuratorOutput struct {
	Evaluations []CuratorEvaluation `json:"evaluations"`
}

var curatorSchema = map[string]any{
	"type":     "object",
	"required": []any{"evaluations"},
	"properties": map[string]any{
		"evaluations": map[string]any{"type": "array"},
	},
}

// Curator decides whether each pending learning is promoted to a fact,
// turned into a clarifying question, or discarded.
type Curator struct {
	gateway    *llmgateway.Gateway
	prompts    *PromptRegistry
	maxRetries int
}

// NewCurator returns a Curator backed by gateway and prompts.
func NewCurator(gateway *llmgateway.Gateway, prompts *PromptRegistry, maxRetries int) *Curator {
	return &Curator{gateway: gateway, prompts: prompts, maxRetries: maxRetries}
}

// Evaluate runs the curator over the given learnings.
func (c *Curator) Evaluate(ctx context.Context, learnings []LearningCandidate) (*CuratorOutput, error) {
	vars := CuratorVars{Learnings: learnings}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		vars.PriorError = ""
		if lastErr != nil {
			vars.PriorError = lastErr.Error()
		}

		system, err := c.prompts.Render("curator", vars)
		if err != nil {
			return nil, fmt.Errorf("brain: render curator prompt: %w", err)
		}

		result, err := c.gateway.Call(ctx, llmgateway.CallRequest{
			RoleName: "curator",
			Messages: []llmgateway.Message{
				{Role: llmgateway.RoleSystem, Content: system},
			},
			Schema: curatorSchema,
		})
		if err != nil {
			lastErr = err
			continue
		}

		var out CuratorOutput
		if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
			lastErr = fmt.Errorf("curator response is not valid JSON: %w", err)
			continue
		}

		if err := validateCurator(&out); err != nil {
			lastErr = err
			continue
		}

		return &out, nil
	}
	return nil, fmt.Errorf("brain: curator validation failed after %d retries: %w", c.maxRetries, lastErr)
}

func validateCurator(out *CuratorOutput) error {
	for i, e := range out.Evaluations {
		if e.Reason == "" {
			return fmt.Errorf("evaluation %d requires a non-empty reason", i)
		}
		switch e.Verdict {
		case VerdictPromote:
			if e.Fact == "" {
				return fmt.Errorf("evaluation %d: verdict=promote requires a non-empty fact", i)
			}
		case VerdictAsk:
			if e.Question == "" {
				return fmt.Errorf("evaluation %d: verdict=ask requires a non-empty question", i)
			}
		case VerdictDiscard:
		default:
			return fmt.Errorf("evaluation %d has unknown verdict %q", i, e.Verdict)
		}
	}
	return nil
}
