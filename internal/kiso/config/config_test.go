package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxLLMCallsPerMessage != Defaults().MaxLLMCallsPerMessage {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadParsesTOMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
max_llm_calls_per_message = 7
fast_path_enabled = true

[providers.openai]
base_url = "https://api.openai.com/v1"
api_key_env = "OPENAI_API_KEY"

[models.classifier]
provider = "openai"
model = "gpt-4o-mini"

[aliases.alice]
username = "alice"
admin = true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxLLMCallsPerMessage != 7 {
		t.Fatalf("expected overridden max_llm_calls_per_message, got %d", cfg.MaxLLMCallsPerMessage)
	}
	if !cfg.FastPathEnabled {
		t.Fatal("expected fast_path_enabled to be true")
	}
	if cfg.MaxWorkerRetries != Defaults().MaxWorkerRetries {
		t.Fatalf("expected untouched key to keep its default, got %d", cfg.MaxWorkerRetries)
	}
	provider, ok := cfg.Providers["openai"]
	if !ok || provider.APIKeyEnv != "OPENAI_API_KEY" {
		t.Fatalf("expected openai provider to load, got %+v", cfg.Providers)
	}
	if alias, ok := cfg.Aliases["alice"]; !ok || !alias.Admin {
		t.Fatalf("expected alice alias to be admin, got %+v", cfg.Aliases)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("KISO_MAX_LLM_CALLS_PER_MESSAGE", "99")
	t.Setenv("KISO_FAST_PATH_ENABLED", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxLLMCallsPerMessage != 99 {
		t.Fatalf("expected env override to win, got %d", cfg.MaxLLMCallsPerMessage)
	}
	if cfg.FastPathEnabled {
		t.Fatal("expected KISO_FAST_PATH_ENABLED=false to disable the fast path")
	}
}

func TestStoreReloadPicksUpDiskChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("max_llm_calls_per_message = 5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	st, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if st.Current().MaxLLMCallsPerMessage != 5 {
		t.Fatalf("expected initial load, got %d", st.Current().MaxLLMCallsPerMessage)
	}

	if err := os.WriteFile(path, []byte("max_llm_calls_per_message = 12\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := st.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if st.Current().MaxLLMCallsPerMessage != 12 {
		t.Fatalf("expected reloaded value, got %d", st.Current().MaxLLMCallsPerMessage)
	}
}

func TestGatewayConfigProjectsProvidersAndModels(t *testing.T) {
	cfg := Defaults()
	cfg.Providers = map[string]ProviderTOML{
		"openai": {BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY", TimeoutMS: 5000, RateLimitPerMinute: 60},
	}
	cfg.Models = map[string]ModelTOML{
		"classifier": {Provider: "openai", Model: "gpt-4o-mini"},
	}

	gwCfg := cfg.GatewayConfig()
	provider, ok := gwCfg.Providers["openai"]
	if !ok {
		t.Fatal("expected openai provider to project through")
	}
	if provider.RateLimitPerMinute != 60 {
		t.Fatalf("expected rate limit to project through, got %d", provider.RateLimitPerMinute)
	}
	if provider.Timeout.Seconds() != 5 {
		t.Fatalf("expected a 5s timeout, got %v", provider.Timeout)
	}
	model, ok := gwCfg.Models["classifier"]
	if !ok || model.Model != "gpt-4o-mini" {
		t.Fatalf("expected classifier model to project through, got %+v", gwCfg.Models)
	}
}
