package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/kiso-run/kiso/internal/kiso/sanitize"
)

const defaultTimeout = 30 * time.Second

// AuditFunc receives one CallAudit per completed call. Never invoked with
// raw prompt or response content; verbose logging of content is the
// responsibility of the caller, gated on its own verbose flag.
type AuditFunc func(CallAudit)

// Gateway routes role-named calls to a configured provider/model, validates
// structured output, and reports per-call usage.
type Gateway struct {
	cfg    Config
	client *http.Client
	audit  AuditFunc

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New returns a Gateway. audit may be nil to discard call records.
func New(cfg Config, audit AuditFunc) *Gateway {
	if audit == nil {
		audit = func(CallAudit) {}
	}
	return &Gateway{
		cfg:      cfg,
		client:   &http.Client{Timeout: defaultTimeout},
		audit:    audit,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the shared per-minute token-bucket limiter for a
// provider, lazily created from its configured RateLimitPerMinute. A
// provider with no limit configured gets a nil limiter (no waiting).
func (g *Gateway) limiterFor(providerName string, cfg ProviderConfig) *rate.Limiter {
	if cfg.RateLimitPerMinute <= 0 {
		return nil
	}

	g.limiterMu.Lock()
	defer g.limiterMu.Unlock()
	if l, ok := g.limiters[providerName]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), cfg.RateLimitPerMinute)
	g.limiters[providerName] = l
	return l
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Call resolves req.RoleName to a (provider, model) pair, issues a chat
// completion, and validates the response against req.Schema if present.
func (g *Gateway) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	model, ok := g.cfg.Models[req.RoleName]
	if !ok {
		return nil, &ModelNotSupportedError{Role: req.RoleName}
	}

	provider, ok := g.cfg.Providers[model.Provider]
	if !ok {
		return nil, &ProviderNotFoundError{Provider: model.Provider}
	}

	apiKey := os.Getenv(provider.APIKeyEnv)
	if apiKey == "" {
		return nil, &MissingAPIKeyError{Provider: model.Provider, EnvVar: provider.APIKeyEnv}
	}

	fenceToken, err := sanitize.NewToken()
	if err != nil {
		return nil, fmt.Errorf("llmgateway: mint fence token: %w", err)
	}

	wireMessages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wireMessages = append(wireMessages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	body := chatRequest{
		Model:    model.Model,
		Messages: wireMessages,
	}
	if req.Schema != nil {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llmgateway: marshal request: %w", err)
	}

	timeout := provider.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limiter := g.limiterFor(model.Provider, provider); limiter != nil {
		if err := limiter.Wait(callCtx); err != nil {
			return nil, fmt.Errorf("llmgateway: rate limit wait for provider %q: %w", model.Provider, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, provider.BaseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("llmgateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		g.emitAudit(req.RoleName, model.Model, 0, 0, latency, "transport_error")
		return nil, fmt.Errorf("llmgateway: request role %q: %w", req.RoleName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		g.emitAudit(req.RoleName, model.Model, 0, 0, latency, "read_error")
		return nil, fmt.Errorf("llmgateway: read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		g.emitAudit(req.RoleName, model.Model, 0, 0, latency, "decode_error")
		return nil, fmt.Errorf("llmgateway: decode response: %w", err)
	}
	if parsed.Error != nil {
		g.emitAudit(req.RoleName, model.Model, 0, 0, latency, "api_error")
		return nil, fmt.Errorf("llmgateway: provider error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		g.emitAudit(req.RoleName, model.Model, 0, 0, latency, "no_choices")
		return nil, fmt.Errorf("llmgateway: role %q returned no choices (HTTP %d)", req.RoleName, resp.StatusCode)
	}

	content := parsed.Choices[0].Message.Content

	if req.Schema != nil {
		if err := validateSchema(req.Schema, content); err != nil {
			g.emitAudit(req.RoleName, model.Model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, latency, "schema_error")
			return nil, &SchemaError{Message: err.Error()}
		}
	}

	g.emitAudit(req.RoleName, model.Model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, latency, "ok")

	return &CallResult{
		Content:          content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Model:            model.Model,
		LatencyMS:        latency.Milliseconds(),
		FenceToken:       fenceToken,
		Audit: CallAudit{
			Role:             req.RoleName,
			Model:            model.Model,
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			LatencyMS:        latency.Milliseconds(),
			Status:           "ok",
			Timestamp:        time.Now(),
		},
	}, nil
}

func (g *Gateway) emitAudit(role, model string, promptTokens, completionTokens int, latency time.Duration, status string) {
	g.audit(CallAudit{
		Role:             role,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        latency.Milliseconds(),
		Status:           status,
		Timestamp:        time.Now(),
	})
}

func validateSchema(schema map[string]any, content string) error {
	encodedSchema, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("call-schema.json", bytes.NewReader(encodedSchema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("call-schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return fmt.Errorf("response is not valid JSON: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return err
	}
	return nil
}
