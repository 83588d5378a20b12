package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/handlers"
	"github.com/kiso-run/kiso/internal/kiso/knowledge"
	"github.com/kiso-run/kiso/internal/kiso/policy"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// fakeBrainServer serves every role this package's tests exercise from one
// httptest.Server, picking a canned reply from a fragment unique to each
// role's system prompt (mirrors the handlers package's fakeProvider).
func fakeBrainServer(t *testing.T, classification string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		system := ""
		if len(req.Messages) > 0 {
			system = req.Messages[0].Content
		}

		var content string
		switch {
		case strings.Contains(system, "fast-path classifier"):
			content = classification
		case strings.Contains(system, "Turn the user's"):
			content = `{"goal":"greet the user","tasks":[` +
				`{"type":"exec","detail":"print a greeting","expect":"prints hello"},` +
				`{"type":"msg","detail":"tell the user hello"}]}`
		case strings.Contains(system, "translate one task description"):
			content = "echo hello"
		case strings.Contains(system, "review the result of one task"):
			content = `{"status":"ok"}`
		case strings.Contains(system, "compose the user-facing reply"):
			content = "here is your answer"
		default:
			content = `{"status":"ok"}`
		}

		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testConfigStore(t *testing.T, baseURL string, fastPath bool) *config.Store {
	t.Helper()
	t.Setenv("FAKE_WORKER_KEY", "test-key")

	toml := fmt.Sprintf(`
fast_path_enabled = %t
max_llm_calls_per_message = 40
max_validation_retries = 2
max_worker_retries = 1
max_replan_depth = 2
exec_timeout_seconds = 5
max_output_bytes = 65536
worker_idle_timeout_seconds = 60
sandbox_uid = 0

[providers.fake]
base_url = %q
api_key_env = "FAKE_WORKER_KEY"

[models.classifier]
provider = "fake"
model = "test-model"

[models.planner]
provider = "fake"
model = "test-model"

[models.exec_translator]
provider = "fake"
model = "test-model"

[models.reviewer]
provider = "fake"
model = "test-model"

[models.messenger]
provider = "fake"
model = "test-model"
`, fastPath, baseURL)

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	st, err := config.NewStore(path)
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	return st
}

func testDeps(t *testing.T, cfgStore *config.Store) Deps {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "kiso.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	curator := knowledge.New(st, knowledge.DefaultConfig(), nil, nil, nil)

	env := brain.SystemEnv{OS: "linux"}
	exec := handlers.NewExecHandler(env)
	msg := handlers.NewMsgHandler()

	return Deps{
		Store:        st,
		ConfigStore:  cfgStore,
		PromptDir:    "",
		Policy:       policy.New("/nonexistent/config.toml", "/nonexistent/.env"),
		Webhook:      nil,
		Knowledge:    curator,
		AuditLog:     auditLog,
		Handlers:     handlers.Dispatch(exec, nil, nil, msg),
		Skills:       nil,
		SystemEnv:    env,
		ServerSecret: "test-server-secret",
		SessionsRoot: t.TempDir(),
	}
}

func TestEnsureWorkspaceCreatesDirectories(t *testing.T) {
	srv := fakeBrainServer(t, brain.FastPathPlan)
	defer srv.Close()
	cfgStore := testConfigStore(t, srv.URL, false)
	deps := testDeps(t, cfgStore)

	w := New("s1", deps)
	workspace, err := w.ensureWorkspace(cfgStore.Current())
	if err != nil {
		t.Fatalf("ensureWorkspace: %v", err)
	}
	for _, dir := range []string{workspace, filepath.Join(workspace, ".kiso"), filepath.Join(workspace, "pub")} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist, err=%v", dir, err)
		}
	}
}

func TestUserAllowed(t *testing.T) {
	srv := fakeBrainServer(t, brain.FastPathPlan)
	defer srv.Close()
	cfgStore := testConfigStore(t, srv.URL, false)
	deps := testDeps(t, cfgStore)
	w := New("s1", deps)

	cfg := cfgStore.Current()
	if !w.userAllowed(cfg, "") {
		t.Error("empty user should always be allowed")
	}
	if w.userAllowed(cfg, "someone") {
		t.Error("a named user with no matching alias entry should be denied")
	}
}

func TestProcessMessageRunsFullPlan(t *testing.T) {
	srv := fakeBrainServer(t, brain.FastPathPlan)
	defer srv.Close()
	cfgStore := testConfigStore(t, srv.URL, false)
	deps := testDeps(t, cfgStore)

	if err := deps.Store.CreateOrUpdateSession("s1", "", "", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	msgID, err := deps.Store.SaveMessage("s1", "", store.RoleUser, "please greet me", true)
	if err != nil {
		t.Fatalf("save message: %v", err)
	}

	w := New("s1", deps)
	w.processMessage(context.Background(), Message{ID: msgID, Content: "please greet me"})

	saved, err := deps.Store.GetMessage(msgID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !saved.Processed {
		t.Error("expected message to be marked processed")
	}

	plan, err := deps.Store.LatestPlanForSession("s1")
	if err != nil {
		t.Fatalf("latest plan: %v", err)
	}
	if plan.Status != store.PlanDone {
		t.Errorf("expected plan done, got %q", plan.Status)
	}

	tasks, err := deps.Store.GetTasksForPlan(plan.ID)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	for _, tsk := range tasks {
		if tsk.Status != store.TaskDone {
			t.Errorf("expected task %d done, got %q: %s", tsk.Index, tsk.Status, tsk.Output)
		}
	}
}

func TestProcessMessageFastPathChat(t *testing.T) {
	srv := fakeBrainServer(t, brain.FastPathChat)
	defer srv.Close()
	cfgStore := testConfigStore(t, srv.URL, true)
	deps := testDeps(t, cfgStore)

	if err := deps.Store.CreateOrUpdateSession("s1", "", "", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	msgID, err := deps.Store.SaveMessage("s1", "", store.RoleUser, "hi there", true)
	if err != nil {
		t.Fatalf("save message: %v", err)
	}

	w := New("s1", deps)
	w.processMessage(context.Background(), Message{ID: msgID, Content: "hi there"})

	plan, err := deps.Store.LatestPlanForSession("s1")
	if err != nil {
		t.Fatalf("latest plan: %v", err)
	}
	if plan.Status != store.PlanDone {
		t.Errorf("expected plan done, got %q", plan.Status)
	}

	tasks, err := deps.Store.GetTasksForPlan(plan.ID)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Type != store.TaskMsg {
		t.Fatalf("expected a single synthetic msg task, got %+v", tasks)
	}
}
