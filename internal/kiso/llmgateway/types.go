// Package llmgateway resolves a role name to a configured (provider, model)
// pair, calls an OpenAI-compatible chat completions endpoint, validates
// structured output against a JSON schema when one is supplied, and
// enforces a per-message call budget.
package llmgateway

import "time"

// Role is a chat message role understood by the wire format.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    Role
	Content string
}

// CallRequest is the input to one Gateway.Call invocation.
type CallRequest struct {
	// RoleName identifies which [models] entry to resolve (classifier,
	// planner, exec_translator, reviewer, searcher, messenger, curator,
	// summarizer_session, summarizer_facts, paraphraser).
	RoleName string
	Messages []Message
	// Schema, when non-nil, is a JSON Schema (as a decoded map) the
	// response body must validate against.
	Schema map[string]any
}

// CallResult is the output of one Gateway.Call invocation.
type CallResult struct {
	// Content is the raw text returned by the model.
	Content string
	PromptTokens     int
	CompletionTokens int
	Model            string
	LatencyMS        int64
	// FenceToken is a fresh random token minted for this call, for callers
	// that need to fence untrusted content included in the prompt.
	FenceToken string
	Audit      CallAudit
}

// CallAudit is the record emitted to the audit log per call. It never
// carries raw prompt or response text.
type CallAudit struct {
	Role             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
	Status           string
	Timestamp        time.Time
}
