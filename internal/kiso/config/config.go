// Package config loads Kiso's ~/.kiso/config.toml, applies environment
// variable overrides, and supports an atomic reload triggered by
// POST /admin/reload-env.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kiso-run/kiso/common/environment"
	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// ProviderTOML is the [providers.<name>] table.
type ProviderTOML struct {
	BaseURL            string `toml:"base_url"`
	APIKeyEnv          string `toml:"api_key_env"`
	TimeoutMS          int    `toml:"timeout_ms"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
}

// ModelTOML is the [models.<role>] table.
type ModelTOML struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
}

// AliasTOML maps a connector token name to a resolved username.
type AliasTOML struct {
	Username string `toml:"username"`
	Admin    bool   `toml:"admin"`
}

// SkillTOML describes one discovered skill directory entry.
type SkillTOML struct {
	Path string `toml:"path"`
}

// Config is the full deserialized contents of config.toml.
type Config struct {
	KisoDir     string                  `toml:"kiso_dir"`
	DatabasePath string                 `toml:"database_path"`
	Providers   map[string]ProviderTOML `toml:"providers"`
	Models      map[string]ModelTOML    `toml:"models"`
	Aliases     map[string]AliasTOML    `toml:"aliases"`
	Skills      map[string]SkillTOML    `toml:"skills"`

	MaxLLMCallsPerMessage int `toml:"max_llm_calls_per_message"`
	MaxValidationRetries  int `toml:"max_validation_retries"`
	MaxWorkerRetries      int `toml:"max_worker_retries"`
	MaxReplanDepth        int `toml:"max_replan_depth"`
	SummarizeThreshold    int `toml:"summarize_threshold"`
	KnowledgeMaxFacts     int `toml:"knowledge_max_facts"`

	FactConsolidationMinRatio float64 `toml:"fact_consolidation_min_ratio"`
	FactDecayDays             int     `toml:"fact_decay_days"`
	FactDecayRate             float64 `toml:"fact_decay_rate"`
	FactArchiveThreshold      float64 `toml:"fact_archive_threshold"`

	ExecTimeoutSeconds  int `toml:"exec_timeout_seconds"`
	SkillTimeoutSeconds int `toml:"skill_timeout_seconds"`
	MaxOutputBytes      int `toml:"max_output_bytes"`
	WorkerIdleTimeoutSeconds int `toml:"worker_idle_timeout_seconds"`

	WebhookMaxPayloadBytes int      `toml:"webhook_max_payload_bytes"`
	WebhookRequireHTTPS    bool     `toml:"webhook_require_https"`
	WebhookAllowList       []string `toml:"webhook_allow_list"`
	WebhookSecretEnv       string   `toml:"webhook_secret_env"`

	SandboxUID      int    `toml:"sandbox_uid"`
	RegistryURL     string `toml:"registry_url"`
	FastPathEnabled bool   `toml:"fast_path_enabled"`
}

// Defaults returns a Config pre-populated with the numeric defaults named
// throughout spec.md (base for a config.toml that omits most keys).
func Defaults() Config {
	return Config{
		KisoDir:                  "~/.kiso",
		DatabasePath:             "~/.kiso/kiso.db",
		MaxLLMCallsPerMessage:    40,
		MaxValidationRetries:     3,
		MaxWorkerRetries:         2,
		MaxReplanDepth:           5,
		SummarizeThreshold:       20,
		KnowledgeMaxFacts:        500,
		FactConsolidationMinRatio: 0.30,
		FactDecayDays:            30,
		FactDecayRate:            0.1,
		FactArchiveThreshold:     0.3,
		ExecTimeoutSeconds:       120,
		SkillTimeoutSeconds:      120,
		MaxOutputBytes:           1 << 20,
		WorkerIdleTimeoutSeconds: 300,
		WebhookMaxPayloadBytes:   1 << 20,
		WebhookRequireHTTPS:      true,
		FastPathEnabled:          true,
	}
}

// Load reads path, merges it over Defaults(), then applies environment
// overrides (KISO_DATABASE_PATH, KISO_REGISTRY_URL, ...).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabasePath = environment.StringOr("KISO_DATABASE_PATH", cfg.DatabasePath)
	cfg.KisoDir = environment.StringOr("KISO_DIR", cfg.KisoDir)
	cfg.RegistryURL = environment.StringOr("KISO_REGISTRY_URL", cfg.RegistryURL)
	cfg.FastPathEnabled = environment.BoolOr("KISO_FAST_PATH_ENABLED", cfg.FastPathEnabled)
	cfg.MaxLLMCallsPerMessage = environment.IntOr("KISO_MAX_LLM_CALLS_PER_MESSAGE", cfg.MaxLLMCallsPerMessage)
	cfg.WorkerIdleTimeoutSeconds = environment.IntOr("KISO_WORKER_IDLE_TIMEOUT_SECONDS", cfg.WorkerIdleTimeoutSeconds)
}

// GatewayConfig projects the [providers]/[models] tables into the shape
// llmgateway.Gateway expects.
func (c *Config) GatewayConfig() llmgateway.Config {
	providers := make(map[string]llmgateway.ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		timeout := time.Duration(p.TimeoutMS) * time.Millisecond
		providers[name] = llmgateway.ProviderConfig{
			BaseURL:            p.BaseURL,
			APIKeyEnv:          p.APIKeyEnv,
			Timeout:            timeout,
			RateLimitPerMinute: p.RateLimitPerMinute,
		}
	}

	models := make(map[string]llmgateway.ModelConfig, len(c.Models))
	for role, m := range c.Models {
		models[role] = llmgateway.ModelConfig{Provider: m.Provider, Model: m.Model}
	}

	return llmgateway.Config{
		Providers:            providers,
		Models:               models,
		MaxValidationRetries: c.MaxValidationRetries,
	}
}

// Store holds the live, reloadable configuration. Reload swaps the pointer
// atomically so concurrent readers (workers, the HTTP adapter) never
// observe a partially-updated Config.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// NewStore loads path and returns a Store wrapping the result.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the currently active configuration.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Reload re-reads config.toml from disk and swaps it in atomically. Used
// by the admin-only POST /admin/reload-env route.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	return nil
}
