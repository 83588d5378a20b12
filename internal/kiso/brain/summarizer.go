package brain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// SessionSummarizerVars are interpolated into the session summarizer prompt.
type SessionSummarizerVars struct {
	CurrentSummary string
	NewMessages    []RecentMessage
}

// SessionSummarizer overwrites a session's rolling summary.
type SessionSummarizer struct {
	gateway *llmgateway.Gateway
	prompts *PromptRegistry
}

// NewSessionSummarizer returns a SessionSummarizer backed by gateway and prompts.
func NewSessionSummarizer(gateway *llmgateway.Gateway, prompts *PromptRegistry) *SessionSummarizer {
	return &SessionSummarizer{gateway: gateway, prompts: prompts}
}

// Summarize returns the new structured summary text.
func (s *SessionSummarizer) Summarize(ctx context.Context, vars SessionSummarizerVars) (string, error) {
	system, err := s.prompts.Render("summarizer_session", vars)
	if err != nil {
		return "", fmt.Errorf("brain: render session summarizer prompt: %w", err)
	}

	result, err := s.gateway.Call(ctx, llmgateway.CallRequest{
		RoleName: "summarizer_session",
		Messages: []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: system},
		},
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// FactCandidate is one current fact shown to the facts summarizer.
type FactCandidate struct {
	Content    string
	Category   string
	Confidence float64
}

// ConsolidatedFact is one entry of a facts summarizer response.
type ConsolidatedFact struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// FactsSummarizerVars are interpolated into the facts summarizer prompt.
type FactsSummarizerVars struct {
	Facts []FactCandidate
}

var factsSummarySchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type":     "object",
		"required": []any{"content", "category", "confidence"},
	},
}

// FactsSummarizer consolidates the entire fact store into a smaller,
// deduplicated set. Confidence clamping and the consolidation safety gates
// (minimum ratio, minimum content length) are applied by the knowledge
// package, not here — this role only proposes the consolidated set.
type FactsSummarizer struct {
	gateway *llmgateway.Gateway
	prompts *PromptRegistry
}

// NewFactsSummarizer returns a FactsSummarizer backed by gateway and prompts.
func NewFactsSummarizer(gateway *llmgateway.Gateway, prompts *PromptRegistry) *FactsSummarizer {
	return &FactsSummarizer{gateway: gateway, prompts: prompts}
}

// Consolidate returns the proposed consolidated fact set.
func (f *FactsSummarizer) Consolidate(ctx context.Context, vars FactsSummarizerVars) ([]ConsolidatedFact, error) {
	system, err := f.prompts.Render("summarizer_facts", vars)
	if err != nil {
		return nil, fmt.Errorf("brain: render facts summarizer prompt: %w", err)
	}

	result, err := f.gateway.Call(ctx, llmgateway.CallRequest{
		RoleName: "summarizer_facts",
		Messages: []llmgateway.Message{
			{Role: llmgateway.RoleSystem, Content: system},
		},
		Schema: factsSummarySchema,
	})
	if err != nil {
		return nil, err
	}

	var out []ConsolidatedFact
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		return nil, fmt.Errorf("facts summarizer response is not valid JSON: %w", err)
	}
	return out, nil
}
