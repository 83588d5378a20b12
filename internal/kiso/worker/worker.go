// Package worker runs one goroutine per active session: it drains a
// buffered message queue, classifies or plans each message, executes the
// resulting tasks sequentially, escalates failures into replans, maintains
// knowledge, and idles out when the queue goes quiet.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiso-run/kiso/common/trace"
	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/handlers"
	"github.com/kiso-run/kiso/internal/kiso/knowledge"
	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
	"github.com/kiso-run/kiso/internal/kiso/policy"
	"github.com/kiso-run/kiso/internal/kiso/secrets"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/webhook"
)

// Message is one inbound chat turn already persisted by the caller
// (typically the supervisor, on receipt of POST /msg); the worker consumes
// it by id so MarkMessageProcessed always targets a real row.
type Message struct {
	ID      int64
	User    string
	Content string
	Trusted bool
}

// Deps bundles everything a Worker needs beyond the session it owns. The
// exec/skill/search/msg Handlers are stateless and safe to share across
// every worker; each worker builds its own LLM gateway and brain roles so
// usage attribution (AppendTaskLLMCall, the per-message CallBudget) never
// crosses session boundaries.
type Deps struct {
	Store         *store.Store
	ConfigStore   *config.Store
	PromptDir     string
	Policy        *policy.Engine
	Webhook       *webhook.Deliverer
	WebhookSecret string
	Knowledge     *knowledge.Curator
	AuditLog      *audit.Logger
	Handlers      map[string]handlers.Handler
	Skills        func() map[string]handlers.SkillManifest
	SystemEnv     brain.SystemEnv
	ServerSecret  string
	SessionsRoot  string
}

// Worker owns one session's message queue and in-memory ephemeral secrets.
// Cancel is checked only between tasks, never mid-task, per the
// cooperative-cancellation contract.
type Worker struct {
	session string
	deps    Deps

	gateway *llmgateway.Gateway
	brain   *brain.Roles
	secrets *secrets.Map

	attribution attribution
	budget      atomic.Pointer[llmgateway.CallBudget]
	budgetHit   atomic.Bool
	cancelFlag  atomic.Bool

	queue chan Message
	done  chan struct{}
}

// New returns a Worker for session, with its own gateway/brain instance
// wired to deps.ConfigStore's current provider/model configuration.
func New(session string, deps Deps) *Worker {
	w := &Worker{
		session: session,
		deps:    deps,
		secrets: secrets.New(),
		queue:   make(chan Message, 32),
		done:    make(chan struct{}),
	}

	cfg := deps.ConfigStore.Current()
	w.gateway = llmgateway.New(cfg.GatewayConfig(), w.onCallAudit)
	prompts := brain.NewPromptRegistry(deps.PromptDir)
	w.brain = &brain.Roles{
		Classifier:     brain.NewClassifier(w.gateway, prompts),
		Planner:        brain.NewPlanner(w.gateway, prompts, cfg.MaxValidationRetries),
		ExecTranslator: brain.NewExecTranslator(w.gateway, prompts),
		Reviewer:       brain.NewReviewer(w.gateway, prompts, cfg.MaxValidationRetries),
		Searcher:       brain.NewSearcher(w.gateway, prompts),
		Messenger:      brain.NewMessenger(w.gateway, prompts),
		Paraphraser:    brain.NewParaphraser(w.gateway, prompts),
	}
	return w
}

// Enqueue adds msg to the session's queue, returning false if it is full.
func (w *Worker) Enqueue(msg Message) bool {
	select {
	case w.queue <- msg:
		return true
	default:
		return false
	}
}

// RequestCancel flips the cooperative cancel flag, read between tasks.
func (w *Worker) RequestCancel() {
	w.cancelFlag.Store(true)
}

// Done is closed once the worker idles out or its context is cancelled.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// QueueLength reports how many messages are waiting behind whichever one (if
// any) is currently being processed. Used by GET /status.
func (w *Worker) QueueLength() int {
	return len(w.queue)
}

// ActiveTask returns the id of the task currently being handled, or 0 if the
// worker is between tasks (planning, reviewing knowledge, or idle).
func (w *Worker) ActiveTask() int64 {
	return w.attribution.currentTask()
}

// Run drains the queue until idleTimeout passes with nothing to do, or ctx
// is cancelled. Re-entry on a later message spawns a fresh Worker; this one
// is finished the moment Run returns.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	idle := time.Duration(w.deps.ConfigStore.Current().WorkerIdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = 300 * time.Second
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			w.processMessage(ctx, msg)
			timer.Reset(idle)
		case <-timer.C:
			return
		}
	}
}

// onCallAudit is the LLM gateway's AuditFunc for this worker: it reserves
// against the current message's call budget, folds the call into whichever
// task (or, pre-plan, the buffered attribution slice) is active, and
// appends a masked audit log line.
func (w *Worker) onCallAudit(call llmgateway.CallAudit) {
	if b := w.budget.Load(); b != nil {
		if err := b.Reserve(); err != nil {
			w.budgetHit.Store(true)
		}
	}
	w.attribution.record(w.deps.Store, call)
	if w.deps.AuditLog != nil {
		w.deps.AuditLog.Log(context.Background(), audit.Event{
			Kind:    audit.KindLLMCall,
			Session: w.session,
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

// attribution routes completed LLM calls to the task currently being
// handled. Calls made before a plan exists (classifier, planner) have
// nowhere to post to yet, so they are buffered and flushed into the plan's
// running totals once CreatePlan succeeds.
type attribution struct {
	mu     sync.Mutex
	taskID int64
	buffer []store.LLMCallAudit
}

func (a *attribution) setTask(id int64) {
	a.mu.Lock()
	a.taskID = id
	a.mu.Unlock()
}

func (a *attribution) clearTask() { a.setTask(0) }

func (a *attribution) currentTask() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.taskID
}

func (a *attribution) record(st *store.Store, call llmgateway.CallAudit) {
	entry := store.LLMCallAudit{
		Role:             call.Role,
		Model:            call.Model,
		PromptTokens:     call.PromptTokens,
		CompletionTokens: call.CompletionTokens,
		LatencyMS:        call.LatencyMS,
		Status:           call.Status,
		Timestamp:        call.Timestamp,
	}

	a.mu.Lock()
	taskID := a.taskID
	a.mu.Unlock()

	if taskID != 0 {
		_ = st.AppendTaskLLMCall(taskID, entry)
		return
	}
	a.mu.Lock()
	a.buffer = append(a.buffer, entry)
	a.mu.Unlock()
}

func (a *attribution) flush(st *store.Store, planID int64) {
	a.mu.Lock()
	pending := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	for _, call := range pending {
		c := call
		_ = st.UpdatePlanUsage(planID, call.PromptTokens, call.CompletionTokens, &c)
	}
}

// processMessage is the worker's message cycle (spec step numbering kept
// in comments since the steps map one-to-one onto named helpers here).
func (w *Worker) processMessage(ctx context.Context, msg Message) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	defer func() { _ = w.deps.Store.MarkMessageProcessed(msg.ID) }()

	cfg := w.deps.ConfigStore.Current()

	// 2. ensureWorkspace
	workspace, err := w.ensureWorkspace(cfg)
	if err != nil {
		slog.Error("ensure workspace failed", "session", w.session, "err", err)
		w.deliverSystemMessage(ctx, "could not prepare a workspace for this session; please retry")
		return
	}

	// 3. re-validate user permissions from the live config
	if !w.userAllowed(cfg, msg.User) {
		w.deliverSystemMessage(ctx, "this account is no longer recognized by this deployment")
		return
	}

	skillManifests := map[string]handlers.SkillManifest{}
	if w.deps.Skills != nil {
		skillManifests = w.deps.Skills()
	}
	skillInfos := skillInfosFromManifests(skillManifests)

	budget := llmgateway.NewCallBudget(cfg.MaxLLMCallsPerMessage)
	w.budget.Store(budget)
	w.budgetHit.Store(false)
	w.cancelFlag.Store(false)

	w.runCycle(ctx, cfg, msg, workspace, skillManifests, skillInfos, planRequest{}, 0)

	if err := w.deps.Knowledge.RunAfterMessage(ctx, w.session); err != nil {
		slog.Warn("knowledge cycle failed", "session", w.session, "err", err)
	}

	// 9. cleanup: remove the transient chaining file.
	_ = os.Remove(filepath.Join(workspace, ".kiso", "plan_outputs.json"))
}

// planRequest carries the replan-chain state threaded through recursive
// calls to runCycle; the zero value is a fresh top-level message.
type planRequest struct {
	parentID      *int64
	replanDepth   int
	replanHistory []brain.ReplanAttempt
}

// runCycle runs one classify-or-plan-then-execute pass. On an escalated
// replan it recurses with an incremented depth; recursion stops via
// max_replan_depth (+ extend_replan) enforcement inside escalateReplan.
func (w *Worker) runCycle(ctx context.Context, cfg *config.Config, msg Message, workspace string, skillManifests map[string]handlers.SkillManifest, skillInfos map[string]brain.SkillInfo, req planRequest, extendReplan int) {
	sess, err := w.deps.Store.GetSession(w.session)
	if err != nil {
		w.deliverSystemMessage(ctx, "session lookup failed; please retry")
		return
	}

	var planID int64
	var tasks []store.Task
	var factIDs []int64

	classification := brain.FastPathPlan
	if cfg.FastPathEnabled && req.parentID == nil {
		classification = w.brain.Classifier.Classify(ctx, sess.Summary, msg.Content)
	}

	if classification == brain.FastPathChat {
		planID, tasks, err = w.createChatPlan(msg)
	} else {
		planID, tasks, factIDs, err = w.runPlanner(ctx, cfg, msg, sess, workspace, skillManifests, skillInfos, req, extendReplan)
	}
	if err != nil {
		w.attribution.clearTask()
		w.deliverSystemMessage(ctx, "planning failed after retries: "+sanitizeErr(err))
		return
	}

	w.attribution.flush(w.deps.Store, planID)

	if w.budgetHit.Load() {
		w.failBudget(ctx, planID, msg)
		return
	}

	w.executePlan(ctx, cfg, planID, tasks, sess, workspace, skillManifests, msg, factIDs, req, extendReplan)
}

func skillInfosFromManifests(manifests map[string]handlers.SkillManifest) map[string]brain.SkillInfo {
	out := make(map[string]brain.SkillInfo, len(manifests))
	for name, m := range manifests {
		encoded, _ := json.Marshal(m.ArgsSchema)
		out[name] = brain.SkillInfo{Name: name, ArgsSchema: m.ArgsSchema, ArgsSchemaJSON: string(encoded)}
	}
	return out
}

func sanitizeErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
