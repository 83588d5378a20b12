package brain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// SearchResult is one entry of a searcher response.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchOutput is the validated structured output of one searcher call.
type SearchOutput struct {
	Results []SearchResult `json:"results"`
	Summary string         `json:"summary"`
	Sources []string       `json:"sources"`
}

// SearcherVars are interpolated into the searcher prompt.
type SearcherVars struct {
	Query      string
	MaxResults int
	Lang       string
	Country    string
}

var searchSchema = map[string]any{
	"type":     "object",
	"required": []any{"results", "summary"},
	"properties": map[string]any{
		"results": map[string]any{"type": "array"},
		"summary": map[string]any{"type": "string"},
		"sources": map[string]any{"type": "array"},
	},
}

// Searcher performs a web search via the configured search role. Per
// spec, a non-structured role that fails to return parseable JSON is
// re-attempted exactly once before surfacing as a task failure.
type Searcher struct {
	gateway *llmgateway.Gateway
	prompts *PromptRegistry
}

// NewSearcher returns a Searcher backed by gateway and prompts.
func NewSearcher(gateway *llmgateway.Gateway, prompts *PromptRegistry) *Searcher {
	return &Searcher{gateway: gateway, prompts: prompts}
}

// Search clamps vars.MaxResults into [1,100] before calling the model.
func (s *Searcher) Search(ctx context.Context, vars SearcherVars) (*SearchOutput, error) {
	switch {
	case vars.MaxResults < 1:
		vars.MaxResults = 1
	case vars.MaxResults > 100:
		vars.MaxResults = 100
	}

	system, err := s.prompts.Render("searcher", vars)
	if err != nil {
		return nil, fmt.Errorf("brain: render searcher prompt: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		result, err := s.gateway.Call(ctx, llmgateway.CallRequest{
			RoleName: "searcher",
			Messages: []llmgateway.Message{
				{Role: llmgateway.RoleSystem, Content: system},
				{Role: llmgateway.RoleUser, Content: vars.Query},
			},
			Schema: searchSchema,
		})
		if err != nil {
			lastErr = err
			continue
		}

		var out SearchOutput
		if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
			lastErr = fmt.Errorf("searcher response is not valid JSON: %w", err)
			continue
		}
		return &out, nil
	}
	return nil, fmt.Errorf("brain: searcher failed after retry: %w", lastErr)
}
