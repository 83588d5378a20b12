// Kiso is the self-hosted agent runtime binary.
//
// All configuration lives in ~/.kiso/config.toml, hot-reloadable via
// POST /admin/reload-env. A handful of bootstrap settings can only be
// read once at process start and are taken from the environment instead:
//
// Required environment variables:
//
//	KISO_SERVER_SECRET    - HMAC key signing /pub/ capability tokens
//
// Optional environment variables:
//
//	KISO_DIR              - root directory for config, sessions, audit log (default: ~/.kiso)
//	KISO_HTTP_ADDR        - HTTP listen address (default: ":8787")
//	LOG_LEVEL             - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT            - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/handlers"
	"github.com/kiso-run/kiso/internal/kiso/httpapi"
	"github.com/kiso-run/kiso/internal/kiso/knowledge"
	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
	"github.com/kiso-run/kiso/internal/kiso/observability"
	"github.com/kiso-run/kiso/internal/kiso/policy"
	"github.com/kiso-run/kiso/internal/kiso/skills"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/supervisor"
	"github.com/kiso-run/kiso/internal/kiso/webhook"
	"github.com/kiso-run/kiso/internal/kiso/worker"
)

func main() {
	observability.Setup(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	kisoDir, err := expandHome(envOr("KISO_DIR", "~/.kiso"))
	if err != nil {
		slog.Error("resolve kiso dir", "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(kisoDir, 0o700); err != nil {
		slog.Error("create kiso dir", "err", err)
		os.Exit(1)
	}

	serverSecret := requireEnv("KISO_SERVER_SECRET")
	httpAddr := envOr("KISO_HTTP_ADDR", ":8787")

	cfgStore, err := config.NewStore(filepath.Join(kisoDir, "config.toml"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	cfg := cfgStore.Current()

	databasePath := cfg.DatabasePath
	if databasePath == "" {
		databasePath = filepath.Join(kisoDir, "kiso.db")
	}
	databasePath, err = expandHome(databasePath)
	if err != nil {
		slog.Error("resolve database path", "err", err)
		os.Exit(1)
	}
	st, err := store.New(databasePath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}

	auditLog, err := audit.Open(filepath.Join(kisoDir, "audit.log"))
	if err != nil {
		slog.Error("open audit log", "err", err)
		os.Exit(1)
	}

	sessionsRoot := filepath.Join(kisoDir, "sessions")
	promptDir := filepath.Join(kisoDir, "prompts")
	configPath := filepath.Join(kisoDir, "config.toml")
	envPath := filepath.Join(kisoDir, ".env")

	systemEnv := brain.SystemEnv{
		OS:          runtime.GOOS,
		RegistryURL: cfg.RegistryURL,
	}

	curatorGateway := llmgateway.New(cfg.GatewayConfig(), curatorAuditFunc(auditLog))
	curatorPrompts := brain.NewPromptRegistry(promptDir)
	curator := knowledge.New(
		st,
		knowledgeConfig(cfg),
		brain.NewCurator(curatorGateway, curatorPrompts, cfg.MaxValidationRetries),
		brain.NewSessionSummarizer(curatorGateway, curatorPrompts),
		brain.NewFactsSummarizer(curatorGateway, curatorPrompts),
	)

	deliverer := webhook.New(webhook.Config{
		MaxPayloadBytes: cfg.WebhookMaxPayloadBytes,
		RequireHTTPS:    cfg.WebhookRequireHTTPS,
		AllowList:       cfg.WebhookAllowList,
	})

	execHandler := handlers.NewExecHandler(systemEnv)
	skillHandler := handlers.NewSkillHandler()
	searchHandler := handlers.NewSearchHandler()
	msgHandler := handlers.NewMsgHandler()
	dispatch := handlers.Dispatch(execHandler, skillHandler, searchHandler, msgHandler)

	newDeps := func(session string) worker.Deps {
		live := cfgStore.Current()
		return worker.Deps{
			Store:         st,
			ConfigStore:   cfgStore,
			PromptDir:     promptDir,
			Policy:        policy.New(configPath, envPath),
			Webhook:       deliverer,
			WebhookSecret: os.Getenv(live.WebhookSecretEnv),
			Knowledge:     curator,
			AuditLog:      auditLog,
			Handlers:      dispatch,
			Skills:        func() map[string]handlers.SkillManifest { return skills.Discover(cfgStore.Current().Skills) },
			SystemEnv:     systemEnv,
			ServerSecret:  serverSecret,
			SessionsRoot:  sessionsRoot,
		}
	}

	sup := supervisor.New(st, newDeps)
	if err := sup.OnStartup(); err != nil {
		slog.Error("recover sessions on startup", "err", err)
	}

	api := httpapi.New(httpAddr, st, cfgStore, sup, serverSecret, sessionsRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := api.Start(ctx); err != nil {
			slog.Error("http server exited", "err", err)
		}
	}()

	slog.Info("kiso started", "addr", httpAddr, "kiso_dir", kisoDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	cancel()
	api.Stop()
	sup.Shutdown(30 * time.Second)
	if err := auditLog.Close(); err != nil {
		slog.Warn("close audit log", "err", err)
	}
	if err := st.Close(); err != nil {
		slog.Warn("close store", "err", err)
	}
}

func knowledgeConfig(cfg *config.Config) knowledge.Config {
	return knowledge.Config{
		SummarizeThreshold:        cfg.SummarizeThreshold,
		KnowledgeMaxFacts:         cfg.KnowledgeMaxFacts,
		FactConsolidationMinRatio: cfg.FactConsolidationMinRatio,
		FactDecayDays:             cfg.FactDecayDays,
		FactDecayRate:             cfg.FactDecayRate,
		FactArchiveThreshold:      cfg.FactArchiveThreshold,
	}
}

// curatorAuditFunc logs curator-role LLM calls the same way the worker
// does for task-attributed calls, minus the per-session call budget and
// task bookkeeping a curator run has neither of.
func curatorAuditFunc(log *audit.Logger) llmgateway.AuditFunc {
	return func(call llmgateway.CallAudit) {
		log.Log(context.Background(), audit.Event{
			Kind:    audit.KindLLMCall,
			Message: fmt.Sprintf("%s via %s", call.Role, call.Model),
			Fields: map[string]any{
				"status":            call.Status,
				"prompt_tokens":     call.PromptTokens,
				"completion_tokens": call.CompletionTokens,
				"latency_ms":        call.LatencyMS,
			},
		})
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "fatal: required environment variable %q is not set\n", key)
		os.Exit(1)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
