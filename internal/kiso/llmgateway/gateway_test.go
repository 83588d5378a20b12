package llmgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fakeProvider(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestCallResolvesRoleAndReturnsContent(t *testing.T) {
	srv := fakeProvider(t, "hello there")
	defer srv.Close()
	t.Setenv("TEST_API_KEY", "key-123")

	var captured CallAudit
	g := New(Config{
		Providers: map[string]ProviderConfig{"fake": {BaseURL: srv.URL, APIKeyEnv: "TEST_API_KEY"}},
		Models:    map[string]ModelConfig{"messenger": {Provider: "fake", Model: "test-model"}},
	}, func(a CallAudit) { captured = a })

	result, err := g.Call(context.Background(), CallRequest{
		RoleName: "messenger",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Content != "hello there" {
		t.Fatalf("expected content to pass through, got %q", result.Content)
	}
	if result.PromptTokens != 10 || result.CompletionTokens != 5 {
		t.Fatalf("expected usage to propagate, got %+v", result)
	}
	if captured.Status != "ok" {
		t.Fatalf("expected audit status ok, got %+v", captured)
	}
}

func TestCallUnknownRoleReturnsModelNotSupported(t *testing.T) {
	g := New(Config{}, nil)
	_, err := g.Call(context.Background(), CallRequest{RoleName: "ghost"})
	var target *ModelNotSupportedError
	if !errors.As(err, &target) {
		t.Fatalf("expected ModelNotSupportedError, got %v", err)
	}
}

func TestCallMissingAPIKeyReturnsError(t *testing.T) {
	g := New(Config{
		Providers: map[string]ProviderConfig{"fake": {BaseURL: "http://example.invalid", APIKeyEnv: "KISO_TEST_UNSET_KEY"}},
		Models:    map[string]ModelConfig{"messenger": {Provider: "fake", Model: "m"}},
	}, nil)

	_, err := g.Call(context.Background(), CallRequest{RoleName: "messenger"})
	var target *MissingAPIKeyError
	if !errors.As(err, &target) {
		t.Fatalf("expected MissingAPIKeyError, got %v", err)
	}
}

func TestCallValidatesSchema(t *testing.T) {
	srv := fakeProvider(t, `{"wrong_field": 1}`)
	defer srv.Close()
	t.Setenv("TEST_API_KEY", "key-123")

	g := New(Config{
		Providers: map[string]ProviderConfig{"fake": {BaseURL: srv.URL, APIKeyEnv: "TEST_API_KEY"}},
		Models:    map[string]ModelConfig{"planner": {Provider: "fake", Model: "test-model"}},
	}, nil)

	schema := map[string]any{
		"type":     "object",
		"required": []any{"tasks"},
		"properties": map[string]any{
			"tasks": map[string]any{"type": "array"},
		},
	}

	_, err := g.Call(context.Background(), CallRequest{RoleName: "planner", Schema: schema})
	var target *SchemaError
	if !errors.As(err, &target) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestCallRateLimitsPerProvider(t *testing.T) {
	srv := fakeProvider(t, "ok")
	defer srv.Close()
	t.Setenv("TEST_API_KEY", "key-123")

	g := New(Config{
		Providers: map[string]ProviderConfig{"fake": {BaseURL: srv.URL, APIKeyEnv: "TEST_API_KEY", RateLimitPerMinute: 120}},
		Models:    map[string]ModelConfig{"messenger": {Provider: "fake", Model: "test-model"}},
	}, nil)

	if _, err := g.Call(context.Background(), CallRequest{RoleName: "messenger"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := g.Call(context.Background(), CallRequest{RoleName: "messenger"}); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if len(g.limiters) != 1 {
		t.Fatalf("expected exactly one limiter to be created for the provider, got %d", len(g.limiters))
	}
}
